// Package learning implements the PML learning core: a graph attention
// scorer over the tools/capabilities graph (SHGAT), a prioritized
// experience replay buffer for training it, and the adaptive threshold
// controller that calibrates suggestion/execution acceptance cutoffs
// against observed success rates.
package learning

import (
	"math"
	"sync"

	"github.com/casys-ai/pml/internal/wire"
)

const (
	// DefaultHeads is the number of attention heads.
	DefaultHeads = 4
	// DefaultHeadDim is the per-head projection width; the model's output
	// dimension is Heads*HeadDim (concatenated, never averaged).
	DefaultHeadDim = 32
)

// reliability factor multipliers, spec.md §4.G.1.
const (
	reliabilityLow    = 0.1
	reliabilityHigh   = 1.2
	reliabilityNormal = 1.0
	reliabilityCap    = 0.95
)

// SHGAT is a two-sided bipartite-extended graph attention scorer over
// tool nodes T and capability nodes C, where a capability's member tools
// are drawn from T.
type SHGAT struct {
	mu sync.RWMutex

	heads   int
	headDim int
	dim     int // input embedding dimension, discovered from the first registered node

	// projections, lazily sized to dim once the first node is registered.
	wh     [][]float64 // dim x (heads*headDim), tool projection
	we     [][]float64 // dim x (heads*headDim), capability projection
	wIntent [][]float64 // dim x (heads*headDim), intent projection
	attn   []float64    // 2*(heads*headDim), attention vector `a`

	tools        map[wire.Ident]*toolNode
	capabilities map[string]*capNode
}

type toolNode struct {
	id        wire.Ident
	embedding []float64
}

type capNode struct {
	id          string
	embedding   []float64
	members     []wire.Ident
	successRate float64
	// proj is the last-computed E_new[j] for this capability, cached by
	// recomputeLocked.
	proj []float64
}

// New returns an empty SHGAT. It is "cold" (PredictPathSuccess returns
// the 0.5 neutral prior) until at least one capability is registered.
func New() *SHGAT {
	return &SHGAT{
		heads:        DefaultHeads,
		headDim:      DefaultHeadDim,
		tools:        make(map[wire.Ident]*toolNode),
		capabilities: make(map[string]*capNode),
	}
}

// RegisterTool adds or replaces a tool node.
func (g *SHGAT) RegisterTool(id wire.Ident, embedding []float32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureDim(len(embedding))
	g.tools[id] = &toolNode{id: id, embedding: toFloat64(embedding)}
}

// RegisterCapability adds or replaces a capability node with its member
// tools and current success rate.
func (g *SHGAT) RegisterCapability(c wire.Capability) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureDim(len(c.IntentEmbedding))
	g.capabilities[c.ID] = &capNode{
		id:          c.ID,
		embedding:   toFloat64(c.IntentEmbedding),
		members:     append([]wire.Ident(nil), c.ToolsUsed...),
		successRate: c.SuccessRate,
	}
}

// ensureDim lazily allocates the projection matrices once the embedding
// dimension is known. Must be called with g.mu held.
func (g *SHGAT) ensureDim(dim int) {
	if g.dim != 0 || dim == 0 {
		return
	}
	g.dim = dim
	out := g.heads * g.headDim
	g.wh = randomMatrix(dim, out)
	g.we = randomMatrix(dim, out)
	g.wIntent = randomMatrix(dim, out)
	g.attn = randomVector(2 * out)
}

// isCold reports whether the model has no capabilities registered, per
// the cold-start neutrality invariant.
func (g *SHGAT) isCold() bool {
	return len(g.capabilities) == 0
}

// recomputeLocked runs one layer of message passing, updating every
// capability's proj (E_new). Must be called with g.mu held (write lock).
func (g *SHGAT) recomputeLocked() {
	if g.dim == 0 {
		return
	}
	// Project every tool embedding once: H' = H . Wh.
	projTools := make(map[wire.Ident][]float64, len(g.tools))
	for id, t := range g.tools {
		projTools[id] = matVec(g.wh, t.embedding)
	}

	for _, c := range g.capabilities {
		members := uniqueMembers(c.members)
		if len(members) == 0 {
			c.proj = matVec(g.we, c.embedding)
			continue
		}
		ePrime := matVec(g.we, c.embedding)
		scores := make([]float64, 0, len(members))
		hs := make([][]float64, 0, len(members))
		for _, m := range members {
			hPrime, ok := projTools[m]
			if !ok {
				continue
			}
			hs = append(hs, hPrime)
			scores = append(scores, leakyReLU(dot(g.attn, concat(hPrime, ePrime))))
		}
		if len(hs) == 0 {
			c.proj = ePrime
			continue
		}
		alpha := softmax(scores)
		agg := make([]float64, len(ePrime))
		for i, hPrime := range hs {
			for k := range agg {
				agg[k] += alpha[i] * hPrime[k]
			}
		}
		c.proj = elu(agg)
	}
}

// Score evaluates intent embedding q against capability c's current
// graph-attention representation, scaled by the dependency-chain
// reliability factor. chain is the direct dependency-edge success rates
// from c down its dependency chain, used for the transitive reliability
// multiplier; pass nil when c has no dependencies.
func (g *SHGAT) Score(q []float32, capabilityID string, chain []float64) float64 {
	g.mu.Lock()
	g.recomputeLocked()
	c, ok := g.capabilities[capabilityID]
	g.mu.Unlock()
	if !ok || c.proj == nil {
		return 0
	}
	qProj := matVec(g.wIntent, toFloat64(q))
	raw := dot(qProj, c.proj) / math.Sqrt(float64(len(c.proj)))
	return raw * reliabilityFactor(c.successRate, chain)
}

// reliabilityFactor computes the scalar success-rate multiplier, then
// multiplies it by the minimum direct dependency-edge success rate down
// the chain (transitive reliability), capped at reliabilityCap.
func reliabilityFactor(successRate float64, chain []float64) float64 {
	factor := reliabilityNormal
	switch {
	case successRate < 0.5:
		factor = reliabilityLow
	case successRate > 0.9:
		factor = reliabilityHigh
	}
	minEdge := 1.0
	for _, s := range chain {
		if s < minEdge {
			minEdge = s
		}
	}
	factor *= minEdge
	if factor > reliabilityCap {
		factor = reliabilityCap
	}
	return factor
}

// PredictPathSuccess averages the embeddings of the nodes on path
// (tool or capability ids, looked up in either table), runs one forward
// pass, and returns the best sigmoid(sim*reliability) over all
// registered capabilities. Returns 0.5, the maximum-entropy prior, when
// the model is cold or path is empty.
func (g *SHGAT) PredictPathSuccess(path []string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.isCold() || len(path) == 0 || g.dim == 0 {
		return 0.5
	}
	g.recomputeLocked()

	avg := make([]float64, g.dim)
	n := 0
	for _, id := range path {
		var emb []float64
		if t, ok := g.tools[wire.Ident(id)]; ok {
			emb = t.embedding
		} else if c, ok := g.capabilities[id]; ok {
			emb = c.embedding
		}
		if emb == nil {
			continue
		}
		for i, v := range emb {
			avg[i] += v
		}
		n++
	}
	if n == 0 {
		return 0.5
	}
	for i := range avg {
		avg[i] /= float64(n)
	}
	qProj := matVec(g.wIntent, avg)

	best := math.Inf(-1)
	for _, c := range g.capabilities {
		if c.proj == nil {
			continue
		}
		sim := dot(qProj, c.proj) / math.Sqrt(float64(len(c.proj)))
		score := sim * reliabilityFactor(c.successRate, nil)
		if score > best {
			best = score
		}
	}
	if math.IsInf(best, -1) {
		return 0.5
	}
	return sigmoid(best)
}

func uniqueMembers(members []wire.Ident) []wire.Ident {
	seen := make(map[wire.Ident]struct{}, len(members))
	out := make([]wire.Ident, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}
