package lineage

import (
	"sort"

	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Graph is an index-based directed view over a correlation's edge log.
// Construction sorts edges by their append id, so a rebuild from the same
// log is identical regardless of read order.
type Graph struct {
	nodes []string
	index map[string]int
	out   [][]int
	in    [][]int
	edges []store.EdgeRecord
}

// BuildGraph constructs the graph from raw edge records.
func BuildGraph(edges []store.EdgeRecord) *Graph {
	sorted := make([]store.EdgeRecord, len(edges))
	copy(sorted, edges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &Graph{index: make(map[string]int)}
	for _, e := range sorted {
		src := g.intern(e.SourceID)
		dst := g.intern(e.TargetID)
		g.out[src] = append(g.out[src], dst)
		g.in[dst] = append(g.in[dst], src)
	}
	g.edges = sorted
	return g
}

func (g *Graph) intern(node string) int {
	if i, ok := g.index[node]; ok {
		return i
	}
	i := len(g.nodes)
	g.index[node] = i
	g.nodes = append(g.nodes, node)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)
	return i
}

// Nodes returns node ids in insertion (append) order.
func (g *Graph) Nodes() []string {
	out := make([]string, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the underlying edge records in append order.
func (g *Graph) Edges() []store.EdgeRecord {
	out := make([]store.EdgeRecord, len(g.edges))
	copy(out, g.edges)
	return out
}

// Size returns node and edge counts.
func (g *Graph) Size() (nodes int, edges int) {
	return len(g.nodes), len(g.edges)
}

// HasPath reports whether a directed path from -> to exists. Iterative DFS
// with a visited set; the graph is never mutated.
func (g *Graph) HasPath(from, to string) bool {
	src, ok := g.index[from]
	if !ok {
		return false
	}
	dst, ok := g.index[to]
	if !ok {
		return false
	}
	if src == dst {
		return true
	}
	visited := make([]bool, len(g.nodes))
	stack := []int{src}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == dst {
			return true
		}
		if visited[n] {
			continue
		}
		visited[n] = true
		for _, next := range g.out[n] {
			if !visited[next] {
				stack = append(stack, next)
			}
		}
	}
	return false
}

// WouldCycle reports whether adding source->target would close a directed
// cycle: true when target already reaches source (or the edge is a self
// loop). Pure check; nothing is added.
func (g *Graph) WouldCycle(source, target string) bool {
	if source == target {
		return true
	}
	return g.HasPath(target, source)
}

// DetectCycles returns every directed cycle reachable in the graph, each as
// a node sequence with the entry node repeated at the end. Iterative DFS
// with three-state marking.
func (g *Graph) DetectCycles() [][]string {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	state := make([]int, len(g.nodes))
	onPath := make([]bool, len(g.nodes))
	var cycles [][]string

	type frame struct {
		node int
		next int
	}
	for start := range g.nodes {
		if state[start] != white {
			continue
		}
		stack := []frame{{node: start}}
		path := []int{start}
		state[start] = grey
		onPath[start] = true
		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(g.out[f.node]) {
				next := g.out[f.node][f.next]
				f.next++
				if state[next] == grey && onPath[next] {
					// Back edge: slice the cycle out of the current path.
					var cycle []string
					for i := len(path) - 1; i >= 0; i-- {
						cycle = append([]string{g.nodes[path[i]]}, cycle...)
						if path[i] == next {
							break
						}
					}
					cycle = append(cycle, g.nodes[next])
					cycles = append(cycles, cycle)
					continue
				}
				if state[next] == white {
					state[next] = grey
					onPath[next] = true
					stack = append(stack, frame{node: next})
					path = append(path, next)
				}
				continue
			}
			state[f.node] = black
			onPath[f.node] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
		}
	}
	return cycles
}

// FindAllPaths enumerates simple paths from -> to, bounded by maxPaths and
// maxDepth so pathological graphs cannot blow up the caller. Iterative
// backtracking over the adjacency arena.
func (g *Graph) FindAllPaths(from, to string, maxPaths, maxDepth int) [][]string {
	src, ok := g.index[from]
	if !ok {
		return nil
	}
	dst, ok := g.index[to]
	if !ok {
		return nil
	}
	if maxPaths <= 0 {
		maxPaths = 100
	}
	if maxDepth <= 0 {
		maxDepth = len(g.nodes)
	}

	type frame struct {
		node int
		next int
	}
	var paths [][]string
	onPath := make([]bool, len(g.nodes))
	stack := []frame{{node: src}}
	path := []int{src}
	onPath[src] = true
	for len(stack) > 0 && len(paths) < maxPaths {
		f := &stack[len(stack)-1]
		if f.node == dst {
			nodes := make([]string, len(path))
			for i, n := range path {
				nodes[i] = g.nodes[n]
			}
			paths = append(paths, nodes)
			onPath[f.node] = false
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}
		if f.next < len(g.out[f.node]) && len(path) <= maxDepth {
			next := g.out[f.node][f.next]
			f.next++
			if onPath[next] {
				continue
			}
			onPath[next] = true
			stack = append(stack, frame{node: next})
			path = append(path, next)
			continue
		}
		onPath[f.node] = false
		stack = stack[:len(stack)-1]
		path = path[:len(path)-1]
	}
	return paths
}

// Depth returns the longest directed path (in edges) ending at node,
// walking ancestors iteratively. Cyclic regions are truncated by the
// visited guard rather than recursed into; the depth guard upstream treats
// anything at the node-count bound as over-limit.
func (g *Graph) Depth(node string) int {
	n, ok := g.index[node]
	if !ok {
		return 0
	}
	memo := make([]int, len(g.nodes))
	for i := range memo {
		memo[i] = -1
	}
	onPath := make([]bool, len(g.nodes))

	type frame struct {
		node int
		next int
		best int
	}
	stack := []frame{{node: n}}
	onPath[n] = true
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.next < len(g.in[f.node]) {
			parent := g.in[f.node][f.next]
			f.next++
			if onPath[parent] {
				// Ancestor cycle: cap at the node count.
				if d := len(g.nodes); d > f.best-1 {
					f.best = d - 1
				}
				continue
			}
			if memo[parent] >= 0 {
				if memo[parent]+1 > f.best {
					f.best = memo[parent] + 1
				}
				continue
			}
			onPath[parent] = true
			stack = append(stack, frame{node: parent})
			continue
		}
		memo[f.node] = f.best
		onPath[f.node] = false
		stack = stack[:len(stack)-1]
		if len(stack) > 0 {
			top := &stack[len(stack)-1]
			if memo[f.node]+1 > top.best {
				top.best = memo[f.node] + 1
			}
		}
	}
	return memo[n]
}
