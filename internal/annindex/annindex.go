// Package annindex implements an HNSW-style approximate nearest-neighbor
// overlay over quantized int8 embeddings. It mirrors a subset of the
// storage backend's state: on any storage mutation the overlay is marked
// stale and must be rebuilt before the next ANN-eligible search.
package annindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/bravo1goingdark/ucfp/internal/quantize"
)

const (
	// DefaultM is the base number of bi-directional connections per node.
	DefaultM = 16
	// DefaultEfConstruction is the size of the dynamic candidate list during build.
	DefaultEfConstruction = 200
	// DefaultEfSearch is the size of the dynamic candidate list during query.
	DefaultEfSearch = 50
	// DefaultMinVectorsForANN is the data-set size below which callers
	// should fall back to a linear scan instead of the graph.
	DefaultMinVectorsForANN = 1000
)

// Result is a single search result: a canonical_hash id and its score.
type Result struct {
	ID    string
	Score float64
}

// Entry is one (id, vector) pair fed to Build.
type Entry struct {
	ID     string
	Vector []int8
}

// node is a vertex in the graph, addressed by dense internal index.
// Neighbor edges are plain dense-index identifiers, not owning references;
// the id string for a node lives only in indexToID, keeping the graph
// itself a flat table.
type node struct {
	neighbors [][]uint32
	vec       []int8
}

// Graph is the ANN overlay.
type Graph struct {
	mu sync.RWMutex

	nodes      []node
	idToIndex  map[string]uint32
	indexToID  []string
	entryPoint uint32
	maxLayer   int

	m              int
	efConstruction int
	efSearch       int
	ml             float64
	rng            *rand.Rand
}

// New creates an empty ANN graph with the given parameters. Zero values
// fall back to the package defaults.
func New(m, efConstruction, efSearch int) *Graph {
	if m <= 0 {
		m = DefaultM
	}
	if efConstruction <= 0 {
		efConstruction = DefaultEfConstruction
	}
	if efSearch <= 0 {
		efSearch = DefaultEfSearch
	}
	return &Graph{
		m:              m,
		efConstruction: efConstruction,
		efSearch:       efSearch,
		ml:             1.0 / math.Log(float64(m)),
		rng:            rand.New(rand.NewSource(42)),
		idToIndex:      make(map[string]uint32),
	}
}

// Len returns the number of nodes currently in the graph.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) randomLevel() int {
	return int(math.Floor(-math.Log(g.rng.Float64()) * g.ml))
}

func sim(a, b []int8) float32 {
	return float32(quantize.CosineInt8(a, b))
}

// Build resets the graph and reinserts entries in ascending id order, so
// that repeated rebuilds from the same storage set are reproducible
// regardless of upsert arrival order.
func (g *Graph) Build(entries []Entry) {
	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g.mu.Lock()
	g.nodes = nil
	g.idToIndex = make(map[string]uint32, len(sorted))
	g.indexToID = nil
	g.entryPoint = 0
	g.maxLayer = 0
	g.rng = rand.New(rand.NewSource(42))
	g.mu.Unlock()

	for _, e := range sorted {
		g.Insert(e.ID, e.Vector)
	}
}

// Insert adds a single (id, vector) node to the graph. Re-inserting an
// existing id appends a duplicate node; callers that need update
// semantics should rebuild via Build instead.
func (g *Graph) Insert(id string, vec []int8) {
	g.mu.Lock()
	defer g.mu.Unlock()

	idx := uint32(len(g.nodes))
	level := g.randomLevel()

	neighbors := make([][]uint32, level+1)
	for l := 0; l <= level; l++ {
		maxConn := g.m
		if l == 0 {
			maxConn = 2 * g.m
		}
		neighbors[l] = make([]uint32, 0, maxConn)
	}

	g.nodes = append(g.nodes, node{neighbors: neighbors, vec: vec})
	g.idToIndex[id] = idx
	g.indexToID = append(g.indexToID, id)

	if idx == 0 {
		g.entryPoint = 0
		g.maxLayer = level
		return
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	for lc := epLevel; lc > level; lc-- {
		ep = g.greedySearchLayer(vec, ep, lc)
	}

	for lc := minInt(level, epLevel); lc >= 0; lc-- {
		candidates := g.searchLayer(vec, ep, g.efConstruction, lc)
		selected := g.selectNeighbours(candidates, g.m)

		g.nodes[idx].neighbors[lc] = selected

		for _, nb := range selected {
			g.nodes[nb].neighbors[lc] = append(g.nodes[nb].neighbors[lc], idx)
			maxConn := g.m
			if lc == 0 {
				maxConn = 2 * g.m
			}
			if len(g.nodes[nb].neighbors[lc]) > maxConn {
				g.nodes[nb].neighbors[lc] = g.pruneNeighbours(nb, g.nodes[nb].neighbors[lc], maxConn)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0].idx
		}
	}

	if level > epLevel {
		g.entryPoint = idx
		g.maxLayer = level
	}
}

// Search returns the k nearest neighbors of query by cosine similarity.
func (g *Graph) Search(query []int8, k int) []Result {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if len(g.nodes) == 0 {
		return nil
	}

	ep := g.entryPoint
	epLevel := g.maxLayer

	for lc := epLevel; lc > 0; lc-- {
		ep = g.greedySearchLayer(query, ep, lc)
	}

	ef := g.efSearch
	if k > ef {
		ef = k
	}
	candidates := g.searchLayer(query, ep, ef, 0)
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	results := make([]Result, len(candidates))
	for i, c := range candidates {
		results[i] = Result{ID: g.indexToID[c.idx], Score: float64(c.dist)}
	}
	return results
}

type candidate struct {
	idx  uint32
	dist float32
}

type maxHeap []candidate

func (h maxHeap) Len() int            { return len(h) }
func (h maxHeap) Less(i, j int) bool  { return h[i].dist > h[j].dist }
func (h maxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *maxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func (g *Graph) greedySearchLayer(query []int8, ep uint32, lc int) uint32 {
	best := ep
	bestSim := sim(query, g.nodes[ep].vec)

	changed := true
	for changed {
		changed = false
		if lc < len(g.nodes[best].neighbors) {
			for _, nb := range g.nodes[best].neighbors[lc] {
				s := sim(query, g.nodes[nb].vec)
				if s > bestSim {
					bestSim = s
					best = nb
					changed = true
				}
			}
		}
	}
	return best
}

// searchLayer performs an ef-bounded beam search at layer lc, returning
// candidates sorted descending by similarity.
func (g *Graph) searchLayer(query []int8, ep uint32, ef, lc int) []candidate {
	visited := make(map[uint32]bool)
	visited[ep] = true

	epSim := sim(query, g.nodes[ep].vec)

	C := &maxHeap{{idx: ep, dist: epSim}}
	heap.Init(C)

	W := []candidate{{idx: ep, dist: epSim}}
	worstSim := epSim

	minSimInW := func() float32 {
		m := W[0].dist
		for _, c := range W[1:] {
			if c.dist < m {
				m = c.dist
			}
		}
		return m
	}

	for C.Len() > 0 {
		c := heap.Pop(C).(candidate)
		if len(W) >= ef && c.dist < worstSim {
			break
		}
		if lc < len(g.nodes[c.idx].neighbors) {
			for _, nb := range g.nodes[c.idx].neighbors[lc] {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				s := sim(query, g.nodes[nb].vec)
				if len(W) < ef || s > worstSim {
					heap.Push(C, candidate{idx: nb, dist: s})
					W = append(W, candidate{idx: nb, dist: s})
					if len(W) > ef {
						minIdx := 0
						for i := 1; i < len(W); i++ {
							if W[i].dist < W[minIdx].dist {
								minIdx = i
							}
						}
						W[minIdx] = W[len(W)-1]
						W = W[:len(W)-1]
					}
					worstSim = minSimInW()
				}
			}
		}
	}

	sort.Slice(W, func(i, j int) bool { return W[i].dist > W[j].dist })
	return W
}

func (g *Graph) selectNeighbours(candidates []candidate, m int) []uint32 {
	if len(candidates) <= m {
		ids := make([]uint32, len(candidates))
		for i, c := range candidates {
			ids[i] = c.idx
		}
		return ids
	}
	ids := make([]uint32, m)
	for i := 0; i < m; i++ {
		ids[i] = candidates[i].idx
	}
	return ids
}

func (g *Graph) pruneNeighbours(id uint32, nbs []uint32, maxConn int) []uint32 {
	type scoredNb struct {
		idx  uint32
		dist float32
	}
	scored := make([]scoredNb, len(nbs))
	for i, n := range nbs {
		scored[i] = scoredNb{idx: n, dist: sim(g.nodes[id].vec, g.nodes[n].vec)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].dist > scored[j].dist })
	if len(scored) > maxConn {
		scored = scored[:maxConn]
	}
	out := make([]uint32, len(scored))
	for i, s := range scored {
		out[i] = s.idx
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
