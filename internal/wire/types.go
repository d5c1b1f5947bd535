// Package wire defines the core data model shared across PML's components
// and the JSON shapes exchanged with an LLM-driven agent over the agent-
// facing JSON-RPC 2.0 wire protocol.
package wire

import "time"

type (
	// Ident is the strong type for a namespaced tool identifier
	// ("server:name"). Using a distinct type keeps it from being mixed up
	// with free-form strings in maps and function signatures.
	Ident string

	// Tool is an atomic primitive exposed by a single MCP server. It is
	// immutable for the lifetime of its host server process.
	Tool struct {
		// ID is the namespaced identifier, "server:name".
		ID Ident
		// FQDN is the fully-qualified domain-style name used to address the
		// tool from a stored capability's code (e.g. "name.server.mcp").
		FQDN string
		// Server is the MCP server id that hosts this tool.
		Server string
		// Name is the tool's bare name as advertised by tools/list.
		Name string
		// Description is the human-readable summary advertised by the server.
		Description string
		// InputSchema is the tool's raw JSON Schema for its arguments, as
		// advertised by tools/list.
		InputSchema []byte
		// Embedding is the unit-normalized semantic embedding of the tool's
		// name and description, used for similarity search in the learning
		// core's attention graph.
		Embedding []float32
	}

	// Capability is a stored procedure: a self-contained function body that
	// orchestrates one or more tools.
	Capability struct {
		ID    string
		FQDN  string
		// Type is always the sandboxed code class; kept as a field rather
		// than a Go type so the wire encoding matches the agent-facing API.
		Type string
		// Intent is the human-readable description of what the capability does.
		Intent string
		// IntentEmbedding is the unit-normalized embedding of Intent.
		IntentEmbedding []float32
		// CodeHash is the content address of Code, "sha256-<hex>". CodeHash
		// and Code are in one-to-one correspondence: two capabilities with
		// equal CodeHash are the same capability and are deduplicated on save.
		CodeHash string
		// Code is the self-contained function body executed by the sandbox.
		Code string
		// ToolsUsed is the set of tool ids the code is known to call.
		ToolsUsed []Ident
		// Dependencies lists other capability FQDNs this one's code assumes
		// are already installed in the workspace (the dependency gate).
		Dependencies []string
		// RequiredEnvKeys lists environment variable names the code expects
		// to find set in its capabilityContext (the api-key gate).
		RequiredEnvKeys []string

		UsageCount   int
		SuccessCount int
		FailureCount int
		// SuccessRate is a rolling estimate of execution success, read by
		// the learning core's reliability factor computation.
		SuccessRate float64

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// DependencyEdgeType enumerates the relations a CapabilityDependencyEdge
	// may carry.
	DependencyEdgeType string

	// CapabilityDependencyEdge is a directed edge between two capabilities.
	// The subgraph restricted to EdgeType == DependencyEdge must stay
	// acyclic.
	CapabilityDependencyEdge struct {
		FromID        string
		ToID          string
		EdgeType      DependencyEdgeType
		Confidence    float64
		ObservedCount int
	}

	// LockfileEntry is the per-FQDN pinned integrity record consulted before
	// a fetched capability is allowed to execute.
	LockfileEntry struct {
		FQDN      string
		Integrity string
		Type      string
		Approved  bool
	}

	// TaskResult is one per-tool-call record accumulated into an
	// ExecutionTrace while a sandboxed execution runs.
	TaskResult struct {
		Tool       Ident
		Args       map[string]any
		Result     any
		Success    bool
		DurationMs int64
		Timestamp  time.Time
	}

	// Decision is one scoring-audit entry recorded by the learning core when
	// it selects a candidate capability for a given intent.
	Decision struct {
		CandidateID string
		Score       float64
		Accepted    bool
	}

	// ExecutionTrace records one sandboxed execution, stored server-side
	// and synced to the cloud catalog for learning.
	ExecutionTrace struct {
		TraceID       string
		ParentTraceID string
		CapabilityID  string
		WorkflowID    string
		Success       bool
		DurationMs    int64
		TaskResults   []TaskResult
		Decisions     []Decision
		Timestamp     time.Time
		// ExecutedPath is the ordered list of SHGAT node ids visited while
		// selecting the capability that produced this trace.
		ExecutedPath []string
		// Priority seeds the replay buffer's initial sampling priority;
		// defaults to 0.5 when not explicitly set.
		Priority float64
	}

	// TrainingExample is derived lazily from a finalized ExecutionTrace for
	// consumption by the learning core's contrastive loss.
	TrainingExample struct {
		IntentEmbedding    []float32
		CandidateID        string
		NegativeCapIDs     []string
		AllNegativesSorted []string
		Outcome            int
		ContextTools       []Ident
	}

	// SHGATNode is the unified representation of a tool or a capability in
	// the attention graph the learning core reasons over.
	SHGATNode struct {
		ID        string
		Embedding []float32
		// Members is non-empty only for capability nodes: the multiset of
		// tool ids the capability is composed from.
		Members     []Ident
		SuccessRate float64
	}

	// AdaptiveThresholdState is the learning core's self-tuned acceptance
	// thresholds, persisted across loads of the same workspace.
	AdaptiveThresholdState struct {
		ExplicitThreshold   float64
		SuggestionThreshold float64
		WindowedHistory     []bool
		LearningRate        float64
		TargetSuccessRate   float64
	}

	// FieldIssue is a single JSON Schema validation issue for a tool or
	// capability payload. Constraint values follow the same vocabulary a
	// JSON Schema validator reports: required, enum, format, pattern,
	// minLength/maxLength, type.
	FieldIssue struct {
		Field      string
		Constraint string
		Allowed    []string
		MinLen     *int
		MaxLen     *int
		Pattern    string
		Format     string
	}
)

const (
	// DependencyEdge marks a hard ordering dependency; the subgraph of
	// edges with this type must stay acyclic.
	DependencyEdge DependencyEdgeType = "dependency"
	// ContainsEdge marks a capability composed from another capability.
	ContainsEdge DependencyEdgeType = "contains"
	// SequenceEdge marks an observed (non-binding) call ordering.
	SequenceEdge DependencyEdgeType = "sequence"
	// AlternativeEdge marks two capabilities observed as interchangeable.
	AlternativeEdge DependencyEdgeType = "alternative"
)
