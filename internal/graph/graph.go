// Package graph holds the "needs" graph accumulated while a change and its
// prerequisites are enqueued, and finds dependency cycles in it.
package graph

// Graph is a directed graph keyed by node identity. An edge a→b means a
// needs b. Nodes keep insertion order so traversals are deterministic.
type Graph struct {
	nodes []string
	index map[string]int
	edges map[string][]string
}

func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		edges: make(map[string][]string),
	}
}

// AddNode registers a node without edges. Adding an existing node is a no-op.
func (g *Graph) AddNode(n string) {
	if _, ok := g.index[n]; ok {
		return
	}
	g.index[n] = len(g.nodes)
	g.nodes = append(g.nodes, n)
}

// AddEdge records that from needs to. Duplicate edges are ignored.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	for _, existing := range g.edges[from] {
		if existing == to {
			return
		}
	}
	g.edges[from] = append(g.edges[from], to)
}

func (g *Graph) HasNode(n string) bool {
	_, ok := g.index[n]
	return ok
}

func (g *Graph) Len() int {
	return len(g.nodes)
}

// Needs returns the direct successors of n.
func (g *Graph) Needs(n string) []string {
	return append([]string(nil), g.edges[n]...)
}

// StronglyConnectedComponents runs Tarjan's algorithm over the whole graph.
// Components are emitted in the order Tarjan completes them, which is a
// reverse topological order of the condensation.
func (g *Graph) StronglyConnectedComponents() [][]string {
	t := tarjan{
		g:       g,
		index:   make(map[string]int, len(g.nodes)),
		lowlink: make(map[string]int, len(g.nodes)),
		onStack: make(map[string]bool, len(g.nodes)),
	}
	for _, n := range g.nodes {
		if _, visited := t.index[n]; !visited {
			t.strongConnect(n)
		}
	}
	return t.components
}

// CycleFor returns the strongly connected component containing n when it
// has more than one member, or nil when n is not part of a cycle. Member
// order is not significant.
func (g *Graph) CycleFor(n string) []string {
	if !g.HasNode(n) {
		return nil
	}
	for _, scc := range g.StronglyConnectedComponents() {
		if len(scc) < 2 {
			continue
		}
		for _, member := range scc {
			if member == n {
				return scc
			}
		}
	}
	return nil
}

type tarjan struct {
	g          *Graph
	counter    int
	index      map[string]int
	lowlink    map[string]int
	stack      []string
	onStack    map[string]bool
	components [][]string
}

// strongConnect is the recursive step of Tarjan's algorithm. Dependency
// chains are short (tens of changes) so recursion depth is not a concern.
func (t *tarjan) strongConnect(v string) {
	t.index[v] = t.counter
	t.lowlink[v] = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	t.onStack[v] = true

	for _, w := range t.g.edges[v] {
		if _, visited := t.index[w]; !visited {
			t.strongConnect(w)
			t.lowlink[v] = min(t.lowlink[v], t.lowlink[w])
		} else if t.onStack[w] {
			t.lowlink[v] = min(t.lowlink[v], t.index[w])
		}
	}

	if t.lowlink[v] != t.index[v] {
		return
	}
	var scc []string
	for {
		w := t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
		t.onStack[w] = false
		scc = append(scc, w)
		if w == v {
			break
		}
	}
	t.components = append(t.components, scc)
}
