package graph

import (
	"fmt"
	"sort"

	"github.com/tailored-agentic-units/superstep/channel"
)

// Graph is the mutable builder for a workflow topology.
//
// Example:
//
//	g := graph.New("pipeline")
//	g.AddChannel("count", channel.Spec{Variant: channel.VariantBinaryOperator, Reducer: sum, Seed: 0, HasSeed: true})
//	g.AddNode("start", graph.NodeSpec{Handler: startNode, Writes: []string{"count"}})
//	g.AddNode("end", graph.NodeSpec{Handler: endNode, Reads: []string{"count"}})
//	g.AddEdge("start", "end")
//	g.AddEntryPoint("start")
//	compiled, err := g.Compile()
type Graph struct {
	name      string
	nodes     map[string]*Node
	nodeOrder []string
	channels  map[string]channel.Spec
	chanOrder []string
	edges     []Edge
	entries   []string
}

// New creates an empty graph builder with the given name.
func New(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[string]*Node),
		channels: make(map[string]channel.Spec),
	}
}

// Name returns the graph identifier used in events and errors.
func (g *Graph) Name() string { return g.name }

// AddChannel declares a named channel. Names must be unique.
func (g *Graph) AddChannel(name string, spec channel.Spec) error {
	if name == "" {
		return fmt.Errorf("channel name cannot be empty")
	}
	if _, exists := g.channels[name]; exists {
		return fmt.Errorf("channel %s already declared", name)
	}
	g.channels[name] = spec
	g.chanOrder = append(g.chanOrder, name)
	return nil
}

// AddNode registers a node. Nodes must have unique, non-empty ids and a
// handler.
func (g *Graph) AddNode(id string, spec NodeSpec) error {
	if id == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if spec.Handler == nil {
		return fmt.Errorf("node %s handler cannot be nil", id)
	}
	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("node %s already exists", id)
	}
	g.nodes[id] = spec.node(id)
	g.nodeOrder = append(g.nodeOrder, id)
	return nil
}

// AddEdge creates a direct control edge ordering from before to.
func (g *Graph) AddEdge(from, to string) error {
	return g.addEdge(Edge{From: from, To: to})
}

// AddConditionalEdge creates a control edge whose activation is gated by
// predicate, evaluated against post-write channel values.
func (g *Graph) AddConditionalEdge(from, to string, predicate Predicate) error {
	return g.addEdge(Edge{From: from, To: to, Predicate: predicate})
}

func (g *Graph) addEdge(edge Edge) error {
	if edge.From == "" || edge.To == "" {
		return fmt.Errorf("edge endpoints cannot be empty")
	}
	if _, exists := g.nodes[edge.From]; !exists {
		return fmt.Errorf("edge from unknown node %s", edge.From)
	}
	if _, exists := g.nodes[edge.To]; !exists {
		return fmt.Errorf("edge to unknown node %s", edge.To)
	}
	g.edges = append(g.edges, edge)
	return nil
}

// AddEntryPoint marks a node as eligible in the first superstep. Multiple
// entry points are allowed.
func (g *Graph) AddEntryPoint(node string) error {
	if _, exists := g.nodes[node]; !exists {
		return fmt.Errorf("entry point node %s does not exist", node)
	}
	for _, e := range g.entries {
		if e == node {
			return fmt.Errorf("entry point %s already set", node)
		}
	}
	g.entries = append(g.entries, node)
	return nil
}

// Compiled is a validated, immutable graph ready for execution.
type Compiled struct {
	name      string
	nodes     map[string]*Node
	nodeOrder []string
	channels  map[string]channel.Spec
	chanOrder []string
	edges     []Edge
	edgesFrom map[string][]Edge
	entries   []string

	// readers and writers index node ids by channel name, in node
	// declaration order, for deterministic planning.
	readers map[string][]string
	writers map[string][]string
}

// Compile validates the graph and freezes it for execution. All failures
// are *ValidationError and fatal: no partially-validated graph executes.
//
// Checks:
//   - at least one node and one entry point;
//   - every declared read/write names a declared channel;
//   - control edges form no cycle (multi-superstep loops belong in
//     Result.Next or channel triggers, not structural edges);
//   - no two unordered nodes write the same non-reducing channel.
func (g *Graph) Compile() (*Compiled, error) {
	if len(g.nodes) == 0 {
		return nil, &ValidationError{Graph: g.name, Reason: "graph has no nodes"}
	}
	if len(g.entries) == 0 {
		return nil, &ValidationError{Graph: g.name, Reason: "no entry point set"}
	}

	for _, id := range g.nodeOrder {
		node := g.nodes[id]
		for _, ch := range node.Reads {
			if _, ok := g.channels[ch]; !ok {
				return nil, &ValidationError{
					Graph: g.name, Nodes: []string{id},
					Reason: fmt.Sprintf("node reads undeclared channel %s", ch),
				}
			}
		}
		for _, ch := range node.Writes {
			if _, ok := g.channels[ch]; !ok {
				return nil, &ValidationError{
					Graph: g.name, Nodes: []string{id},
					Reason: fmt.Sprintf("node writes undeclared channel %s", ch),
				}
			}
		}
	}

	if cycle := g.findControlCycle(); cycle != nil {
		return nil, &ValidationError{
			Graph: g.name, Nodes: cycle,
			Reason: "control edges form a cycle",
		}
	}

	c := &Compiled{
		name:      g.name,
		nodes:     g.nodes,
		nodeOrder: append([]string(nil), g.nodeOrder...),
		channels:  g.channels,
		chanOrder: append([]string(nil), g.chanOrder...),
		edges:     append([]Edge(nil), g.edges...),
		edgesFrom: make(map[string][]Edge),
		entries:   append([]string(nil), g.entries...),
		readers:   make(map[string][]string),
		writers:   make(map[string][]string),
	}
	for _, edge := range c.edges {
		c.edgesFrom[edge.From] = append(c.edgesFrom[edge.From], edge)
	}
	for _, id := range c.nodeOrder {
		node := c.nodes[id]
		for _, ch := range node.Reads {
			c.readers[ch] = append(c.readers[ch], id)
		}
		for _, ch := range node.Writes {
			c.writers[ch] = append(c.writers[ch], id)
		}
	}

	if err := c.checkWriteConflicts(); err != nil {
		return nil, err
	}

	return c, nil
}

// findControlCycle runs a three-color DFS over control edges only and
// returns the members of the first cycle found, or nil.
func (g *Graph) findControlCycle() []string {
	succ := make(map[string][]string)
	for _, edge := range g.edges {
		succ[edge.From] = append(succ[edge.From], edge.To)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range succ[id] {
			switch color[next] {
			case gray:
				// Extract the cycle suffix from the stack.
				for i, n := range stack {
					if n == next {
						cycle = append([]string(nil), stack[i:]...)
						return true
					}
				}
				cycle = []string{next}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range g.nodeOrder {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// checkWriteConflicts rejects unordered multi-writer access to
// non-reducing channels. Two writers are ordered when a path of control
// or data edges runs between them; anything else could race within a
// single superstep and is a compile-time failure, never a runtime
// resolution.
func (c *Compiled) checkWriteConflicts() error {
	for _, ch := range c.chanOrder {
		spec := c.channels[ch]
		if spec.Variant.Reducing() {
			continue
		}
		writers := c.writers[ch]
		if len(writers) < 2 {
			continue
		}
		for i := 0; i < len(writers); i++ {
			for j := i + 1; j < len(writers); j++ {
				if !c.ordered(writers[i], writers[j]) && !c.ordered(writers[j], writers[i]) {
					conflict := []string{writers[i], writers[j]}
					sort.Strings(conflict)
					return &ValidationError{
						Graph: c.name, Nodes: conflict,
						Reason: fmt.Sprintf("unordered writers of non-reducing channel %s (%s)", ch, spec.Variant),
					}
				}
			}
		}
	}
	return nil
}

// ordered reports whether a path of control or data edges leads from a
// to b.
func (c *Compiled) ordered(a, b string) bool {
	seen := map[string]bool{a: true}
	frontier := []string{a}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		for _, next := range c.successors(id) {
			if next == b {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

// successors returns the combined control- and data-edge successors of a
// node: control targets plus every reader of a channel the node writes.
func (c *Compiled) successors(id string) []string {
	var out []string
	for _, edge := range c.edgesFrom[id] {
		out = append(out, edge.To)
	}
	node := c.nodes[id]
	for _, ch := range node.Writes {
		out = append(out, c.readers[ch]...)
	}
	return out
}

// Name returns the graph identifier.
func (c *Compiled) Name() string { return c.name }

// Node returns the node registered under id.
func (c *Compiled) Node(id string) (*Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// Nodes returns node ids in declaration order.
func (c *Compiled) Nodes() []string {
	return append([]string(nil), c.nodeOrder...)
}

// Channels returns declared channel names in declaration order.
func (c *Compiled) Channels() []string {
	return append([]string(nil), c.chanOrder...)
}

// ChannelSpec returns the declaration of the named channel.
func (c *Compiled) ChannelSpec(name string) (channel.Spec, bool) {
	spec, ok := c.channels[name]
	return spec, ok
}

// EntryPoints returns the declared entry nodes.
func (c *Compiled) EntryPoints() []string {
	return append([]string(nil), c.entries...)
}

// EdgesFrom returns the control edges leaving a node.
func (c *Compiled) EdgesFrom(id string) []Edge {
	return append([]Edge(nil), c.edgesFrom[id]...)
}
