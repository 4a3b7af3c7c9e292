package graph

// TaskSpec is one node scheduled for a superstep, with the other nodes of
// the same superstep that must complete before it may execute.
type TaskSpec struct {
	Node *Node

	// DependsOn lists node ids within the same superstep whose writes
	// must settle before this task runs: control-edge predecessors and
	// writers of this node's read-set channels.
	DependsOn []string
}

// Plan resolves the task set for one superstep.
//
// A node is eligible when a channel in its read-set was updated in the
// previous superstep (triggers), or a completed node requested it by name
// (requested), or it is an entry point at superstep 0. A node with no
// declared reads carries no intra-superstep dependencies and is ready
// immediately.
//
// Plan never reports structural failure: illegal topologies are rejected
// by Compile before any superstep runs. An empty plan signals quiescence
// to the caller.
func (c *Compiled) Plan(superstep int, triggers, requested []string) []TaskSpec {
	active := make(map[string]bool)

	if superstep == 0 {
		for _, id := range c.entries {
			active[id] = true
		}
	}
	for _, ch := range triggers {
		for _, id := range c.readers[ch] {
			active[id] = true
		}
	}
	for _, id := range requested {
		if _, ok := c.nodes[id]; ok {
			active[id] = true
		}
	}

	if len(active) == 0 {
		return nil
	}

	// Deterministic order: node declaration order.
	var planned []string
	for _, id := range c.nodeOrder {
		if active[id] {
			planned = append(planned, id)
		}
	}

	specs := make([]TaskSpec, 0, len(planned))
	for _, id := range planned {
		node := c.nodes[id]
		deps := make(map[string]bool)

		// Control-edge predecessors scheduled this superstep.
		for _, edge := range c.edges {
			if edge.To == id && active[edge.From] && edge.From != id {
				deps[edge.From] = true
			}
		}

		// Writers of this node's read-set scheduled this superstep.
		for _, ch := range node.Reads {
			for _, writer := range c.writers[ch] {
				if writer != id && active[writer] {
					deps[writer] = true
				}
			}
		}

		spec := TaskSpec{Node: node}
		for _, other := range planned {
			if deps[other] {
				spec.DependsOn = append(spec.DependsOn, other)
			}
		}
		specs = append(specs, spec)
	}

	return normalize(specs)
}

// normalize breaks dependency cycles introduced by mutual data edges
// (node A reading what B writes while B reads what A writes in the same
// superstep). Such pairs are unorderable; both read their superstep-start
// snapshots regardless, so the resolver releases the cyclic task earliest
// in declaration order and drops only the dependencies that close the
// cycle. Control-edge dependencies are acyclic by compilation and always
// survive.
func normalize(specs []TaskSpec) []TaskSpec {
	remaining := make([]map[string]bool, len(specs))
	for i, spec := range specs {
		remaining[i] = make(map[string]bool, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			remaining[i][dep] = true
		}
	}

	done := make([]bool, len(specs))
	resolved := make([]map[string]bool, len(specs))
	for processed := 0; processed < len(specs); {
		progressed := false
		for i := range specs {
			if done[i] || len(remaining[i]) > 0 {
				continue
			}
			done[i] = true
			processed++
			progressed = true
			for j := range specs {
				delete(remaining[j], specs[i].Node.ID)
			}
		}
		if progressed {
			continue
		}

		// Every unprocessed task waits on another unprocessed one: a
		// cycle. Release the earliest-declared member by dropping its
		// unsatisfied dependencies.
		for i := range specs {
			if done[i] {
				continue
			}
			if resolved[i] == nil {
				resolved[i] = make(map[string]bool)
			}
			for dep := range remaining[i] {
				resolved[i][dep] = true
				delete(remaining[i], dep)
			}
			break
		}
	}

	for i := range specs {
		if len(resolved[i]) == 0 {
			continue
		}
		kept := specs[i].DependsOn[:0]
		for _, dep := range specs[i].DependsOn {
			if !resolved[i][dep] {
				kept = append(kept, dep)
			}
		}
		specs[i].DependsOn = kept
	}
	return specs
}
