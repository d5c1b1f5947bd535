// Package store persists capabilities, dependency edges, execution traces,
// and the learning core's adaptive-threshold state in MongoDB — the
// server-side counterpart to the workspace-local `.pml/mcp.lock` file
// (internal/lockfile) and the in-process replay buffer (internal/learning).
// Adapted from features/run/mongo/clients/mongo/client.go's interface-
// wrapped-collection pattern, ported from the v1 driver to mongo-driver/v2.
package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/casys-ai/pml/internal/wire"
)

const (
	defaultCapabilitiesCollection = "pml_capabilities"
	defaultTracesCollection       = "pml_traces"
	defaultThresholdsCollection   = "pml_thresholds"
	defaultOpTimeout              = 5 * time.Second
)

// Options configures the Mongo-backed Store.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// MongoStore persists PML's server-side domain objects in MongoDB.
type MongoStore struct {
	mongo   *mongodriver.Client
	caps    collection
	traces  collection
	thresh  collection
	timeout time.Duration
}

// New returns a Store backed by MongoDB, ensuring the indexes its queries
// rely on exist.
func New(opts Options) (*MongoStore, error) {
	if opts.Client == nil {
		return nil, errors.New("store: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("store: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	caps := mongoCollection{coll: db.Collection(defaultCapabilitiesCollection)}
	traces := mongoCollection{coll: db.Collection(defaultTracesCollection)}
	thresh := mongoCollection{coll: db.Collection(defaultThresholdsCollection)}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndex(ctx, caps, "fqdn"); err != nil {
		return nil, err
	}
	if err := ensureIndex(ctx, traces, "trace_id"); err != nil {
		return nil, err
	}
	if err := ensureIndex(ctx, thresh, "workspace"); err != nil {
		return nil, err
	}

	return &MongoStore{mongo: opts.Client, caps: caps, traces: traces, thresh: thresh, timeout: timeout}, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// UpsertCapability stores or updates a capability, deduplicated by its
// CodeHash per spec.md's "two capabilities with equal CodeHash are the
// same capability" invariant.
func (s *MongoStore) UpsertCapability(ctx context.Context, cap wire.Capability) error {
	if cap.FQDN == "" {
		return errors.New("store: capability fqdn is required")
	}
	now := time.Now().UTC()
	if cap.CreatedAt.IsZero() {
		cap.CreatedAt = now
	}
	cap.UpdatedAt = now
	doc := capabilityDocument(cap)
	raw, err := bson.Marshal(doc)
	if err != nil {
		return err
	}
	var fields bson.M
	if err := bson.Unmarshal(raw, &fields); err != nil {
		return err
	}
	// created_at is written only by $setOnInsert; MongoDB rejects an
	// update that names the same path in both operators.
	delete(fields, "created_at")

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"code_hash": cap.CodeHash}
	update := bson.M{
		"$set": fields,
		"$setOnInsert": bson.M{"created_at": doc.CreatedAt},
	}
	_, err = s.caps.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadCapability fetches a capability by FQDN.
func (s *MongoStore) LoadCapability(ctx context.Context, fqdn string) (wire.Capability, bool, error) {
	if fqdn == "" {
		return wire.Capability{}, false, errors.New("store: fqdn is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc capabilityDoc
	if err := s.caps.FindOne(ctx, bson.M{"fqdn": fqdn}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return wire.Capability{}, false, nil
		}
		return wire.Capability{}, false, err
	}
	return wire.Capability(doc), true, nil
}

// InsertTrace persists one finalized execution trace for the learning
// core's offline training loop to later read in bulk.
func (s *MongoStore) InsertTrace(ctx context.Context, t wire.ExecutionTrace) error {
	if t.TraceID == "" {
		return errors.New("store: trace id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"trace_id": t.TraceID}
	update := bson.M{"$set": traceDocument(t)}
	_, err := s.traces.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// SaveThresholdState persists the learning core's adaptive-threshold state
// for workspace, so it survives across process restarts.
func (s *MongoStore) SaveThresholdState(ctx context.Context, workspace string, state wire.AdaptiveThresholdState) error {
	if workspace == "" {
		return errors.New("store: workspace is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workspace": workspace}
	update := bson.M{"$set": thresholdDocument{Workspace: workspace, State: state}}
	_, err := s.thresh.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadThresholdState fetches the persisted threshold state for workspace,
// returning ok=false when none has been saved yet (a fresh workspace
// starts from the learning core's package defaults).
func (s *MongoStore) LoadThresholdState(ctx context.Context, workspace string) (wire.AdaptiveThresholdState, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc thresholdDocument
	if err := s.thresh.FindOne(ctx, bson.M{"workspace": workspace}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return wire.AdaptiveThresholdState{}, false, nil
		}
		return wire.AdaptiveThresholdState{}, false, err
	}
	return doc.State, true, nil
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func ensureIndex(ctx context.Context, coll collection, field string) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: field, Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

type capabilityDoc struct {
	ID              string     `bson:"id"`
	FQDN            string     `bson:"fqdn"`
	Type            string     `bson:"type"`
	Intent          string     `bson:"intent"`
	IntentEmbedding []float32  `bson:"intent_embedding,omitempty"`
	CodeHash        string     `bson:"code_hash"`
	Code            string     `bson:"code"`
	ToolsUsed       []wire.Ident `bson:"tools_used,omitempty"`
	Dependencies    []string   `bson:"dependencies,omitempty"`
	RequiredEnvKeys []string   `bson:"required_env_keys,omitempty"`
	UsageCount      int        `bson:"usage_count"`
	SuccessCount    int        `bson:"success_count"`
	FailureCount    int        `bson:"failure_count"`
	SuccessRate     float64    `bson:"success_rate"`
	CreatedAt       time.Time  `bson:"created_at"`
	UpdatedAt       time.Time  `bson:"updated_at"`
}

func capabilityDocument(c wire.Capability) capabilityDoc { return capabilityDoc(c) }

type traceDoc struct {
	TraceID       string              `bson:"trace_id"`
	ParentTraceID string              `bson:"parent_trace_id,omitempty"`
	CapabilityID  string              `bson:"capability_id"`
	WorkflowID    string              `bson:"workflow_id,omitempty"`
	Success       bool                `bson:"success"`
	DurationMs    int64               `bson:"duration_ms"`
	TaskResults   []wire.TaskResult   `bson:"task_results,omitempty"`
	Decisions     []wire.Decision     `bson:"decisions,omitempty"`
	Timestamp     time.Time           `bson:"timestamp"`
	ExecutedPath  []string            `bson:"executed_path,omitempty"`
	Priority      float64             `bson:"priority"`
}

func traceDocument(t wire.ExecutionTrace) traceDoc { return traceDoc(t) }

type thresholdDocument struct {
	Workspace string                       `bson:"workspace"`
	State     wire.AdaptiveThresholdState `bson:"state"`
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return mongoSingleResult{res: c.coll.FindOne(ctx, filter, opts...)}
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoSingleResult struct {
	res *mongodriver.SingleResult
}

func (r mongoSingleResult) Decode(val any) error {
	return r.res.Decode(val)
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
