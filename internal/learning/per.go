package learning

import (
	"math"
	"math/rand"
	"sync"

	"github.com/casys-ai/pml/internal/wire"
)

// PER tuning constants, spec.md §4.G.2.
const (
	priorityEpsilon = 0.01
	priorityCap     = 25.0
	alphaDefault    = 0.6
	betaStart       = 0.4
	betaEnd         = 1.0
)

// ReplayBuffer is a sum-tree prioritized experience replay buffer. Every
// stored example carries a priority p_i = |tdError_i| + epsilon; sampling
// probability is p_i^alpha / sum(p_j^alpha). Sample draws from the
// math/rand package-level source; it takes no per-call source.
type ReplayBuffer struct {
	mu    sync.Mutex
	tree  *sumTree
	items []wire.TrainingExample
	alpha float64

	// uniform disables priority-weighted sampling in favor of uniform
	// sampling, per spec.md Open Question (iii) — the learning loop must
	// be able to toggle PER off via config.
	uniform bool
}

// NewReplayBuffer returns an empty buffer with the given capacity and
// priority exponent alpha (alphaDefault if <= 0).
func NewReplayBuffer(capacity int, alpha float64, uniform bool) *ReplayBuffer {
	if alpha <= 0 {
		alpha = alphaDefault
	}
	return &ReplayBuffer{
		tree:    newSumTree(capacity),
		alpha:   alpha,
		uniform: uniform,
	}
}

// Add inserts example with priority computed from tdError. The stored
// priority is always > 0 (priority positivity invariant, §8.7) because
// epsilon > 0.
func (b *ReplayBuffer) Add(example wire.TrainingExample, tdError float64) {
	priority := math.Abs(tdError) + priorityEpsilon
	if priority > priorityCap {
		priority = priorityCap
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.items)
	b.items = append(b.items, example)
	b.tree.set(idx, math.Pow(priority, b.alpha))
}

// Len returns the number of stored examples.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Sample draws n examples. beta is the importance-sampling exponent for
// this call (anneal betaStart -> betaEnd across training epochs
// externally and pass the current value in). Returns the examples, their
// buffer indices (for a later priority update), and their IS weights,
// normalized so the maximum weight is 1.
func (b *ReplayBuffer) Sample(n int, beta float64) ([]wire.TrainingExample, []int, []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := len(b.items)
	if total == 0 || n <= 0 {
		return nil, nil, nil
	}
	if n > total {
		n = total
	}

	examples := make([]wire.TrainingExample, n)
	indices := make([]int, n)
	weights := make([]float64, n)

	if b.uniform {
		perm := rand.Perm(total)[:n]
		for i, idx := range perm {
			examples[i] = b.items[idx]
			indices[i] = idx
			weights[i] = 1
		}
		return examples, indices, weights
	}

	totalPriority := b.tree.total()
	maxWeight := 0.0
	rawWeights := make([]float64, n)
	for i := 0; i < n; i++ {
		target := rand.Float64() * totalPriority
		idx, priority := b.tree.find(target)
		examples[i] = b.items[idx]
		indices[i] = idx
		prob := priority / totalPriority
		w := math.Pow(float64(total)*prob, -beta)
		rawWeights[i] = w
		if w > maxWeight {
			maxWeight = w
		}
	}
	if maxWeight == 0 {
		maxWeight = 1
	}
	for i := range rawWeights {
		weights[i] = rawWeights[i] / maxWeight
	}
	return examples, indices, weights
}

// UpdatePriority rewrites the stored priority for the example at idx
// using a freshly computed TD error, as required after a training step
// touches it.
func (b *ReplayBuffer) UpdatePriority(idx int, tdError float64) {
	priority := math.Abs(tdError) + priorityEpsilon
	if priority > priorityCap {
		priority = priorityCap
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tree.set(idx, math.Pow(priority, b.alpha))
}

// BetaForEpoch linearly anneals beta from betaStart to betaEnd over
// totalEpochs.
func BetaForEpoch(epoch, totalEpochs int) float64 {
	if totalEpochs <= 1 {
		return betaEnd
	}
	frac := float64(epoch) / float64(totalEpochs-1)
	if frac > 1 {
		frac = 1
	}
	return betaStart + frac*(betaEnd-betaStart)
}

// sumTree is a flat binary-heap-backed sum tree over leaf priorities,
// supporting O(log n) set and prefix-sum sampling.
type sumTree struct {
	size int
	tree []float64 // 1-indexed; tree[1] is the root total.
}

func newSumTree(capacity int) *sumTree {
	if capacity < 1 {
		capacity = 1
	}
	return &sumTree{size: capacity, tree: make([]float64, 2*capacity)}
}

func (t *sumTree) set(leaf int, priority float64) {
	if leaf >= t.size {
		t.grow(leaf + 1)
	}
	i := leaf + t.size
	t.tree[i] = priority
	for i > 1 {
		i /= 2
		t.tree[i] = t.tree[2*i] + t.tree[2*i+1]
	}
}

func (t *sumTree) grow(newSize int) {
	next := t.size
	for next < newSize {
		next *= 2
	}
	old := t.tree
	oldSize := t.size
	t.size = next
	t.tree = make([]float64, 2*next)
	// Re-insert every previously set leaf; oldSize leaves start at index
	// oldSize in the old tree.
	for i := 0; i < oldSize; i++ {
		if p := old[oldSize+i]; p != 0 {
			t.set(i, p)
		}
	}
}

func (t *sumTree) total() float64 {
	if len(t.tree) < 2 {
		return 0
	}
	return t.tree[1]
}

// find locates the leaf whose cumulative priority range contains target,
// returning its 0-based leaf index and its priority.
func (t *sumTree) find(target float64) (int, float64) {
	i := 1
	for i < t.size {
		left := 2 * i
		if target <= t.tree[left] || t.tree[left+1] == 0 {
			i = left
		} else {
			target -= t.tree[left]
			i = left + 1
		}
	}
	leaf := i - t.size
	return leaf, t.tree[i]
}
