// Package graph implements the checkpointed execution engine that drives a
// pipeline: a directed graph of node functions with conditional routing,
// per-node checkpointing, and resume-from-latest-checkpoint semantics.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/connectorforge/forge/pkg/checkpoint"
	"github.com/connectorforge/forge/pkg/state"
)

// End is the terminal sentinel. An edge routed to End completes the run.
const End = "__end__"

// NodeFunc executes one pipeline phase against the current state and returns
// a partial update. It must not mutate the input state.
type NodeFunc func(ctx context.Context, st state.PipelineState) (state.Update, error)

// Router selects the next node name from state. The returned name must be a
// member of the target set declared when the conditional edge was added.
type Router func(st state.PipelineState) string

type edge struct {
	to      string          // static target, empty for conditional edges
	router  Router          // nil for static edges
	targets map[string]bool // declared router outputs
}

// Builder accumulates nodes and edges before compilation.
type Builder struct {
	nodes map[string]NodeFunc
	edges map[string]edge
	entry string
}

// NewBuilder creates an empty graph builder.
func NewBuilder() *Builder {
	return &Builder{
		nodes: make(map[string]NodeFunc),
		edges: make(map[string]edge),
	}
}

// AddNode registers a node function under a unique name.
func (b *Builder) AddNode(name string, fn NodeFunc) error {
	if name == "" || name == End {
		return fmt.Errorf("invalid node name %q", name)
	}
	if fn == nil {
		return fmt.Errorf("node %q: nil function", name)
	}
	if _, exists := b.nodes[name]; exists {
		return fmt.Errorf("duplicate node %q", name)
	}
	b.nodes[name] = fn
	return nil
}

// AddEdge declares an unconditional transition from one node to another
// (or to End).
func (b *Builder) AddEdge(from, to string) error {
	if _, exists := b.edges[from]; exists {
		return fmt.Errorf("node %q already has an outgoing edge", from)
	}
	b.edges[from] = edge{to: to}
	return nil
}

// AddConditionalEdges declares a router-driven transition. The router's
// output is validated at runtime against the declared target set; an
// undeclared output is fatal.
func (b *Builder) AddConditionalEdges(from string, router Router, targets []string) error {
	if router == nil {
		return fmt.Errorf("node %q: nil router", from)
	}
	if len(targets) == 0 {
		return fmt.Errorf("node %q: conditional edge needs at least one target", from)
	}
	if _, exists := b.edges[from]; exists {
		return fmt.Errorf("node %q already has an outgoing edge", from)
	}
	set := make(map[string]bool, len(targets))
	for _, t := range targets {
		set[t] = true
	}
	b.edges[from] = edge{router: router, targets: set}
	return nil
}

// SetEntry names the node execution starts at.
func (b *Builder) SetEntry(name string) { b.entry = name }

// Compile validates the graph topology and binds it to a checkpoint store.
func (b *Builder) Compile(store checkpoint.Store) (*App, error) {
	if store == nil {
		return nil, fmt.Errorf("compile: checkpoint store is required")
	}
	if b.entry == "" {
		return nil, fmt.Errorf("compile: entry node not set")
	}
	if _, ok := b.nodes[b.entry]; !ok {
		return nil, fmt.Errorf("compile: entry node %q does not exist", b.entry)
	}

	// Every declared target must be a known node or End.
	for from, e := range b.edges {
		if _, ok := b.nodes[from]; !ok {
			return nil, fmt.Errorf("compile: edge from unknown node %q", from)
		}
		for _, target := range edgeTargets(e) {
			if target == End {
				continue
			}
			if _, ok := b.nodes[target]; !ok {
				return nil, fmt.Errorf("compile: edge %s -> %s references unknown node", from, target)
			}
		}
	}

	// Every node needs a way out and must be reachable from the entry.
	reachable := map[string]bool{b.entry: true}
	frontier := []string{b.entry}
	for len(frontier) > 0 {
		node := frontier[0]
		frontier = frontier[1:]
		e, ok := b.edges[node]
		if !ok {
			return nil, fmt.Errorf("compile: node %q has no outgoing edge", node)
		}
		for _, target := range edgeTargets(e) {
			if target == End || reachable[target] {
				continue
			}
			reachable[target] = true
			frontier = append(frontier, target)
		}
	}
	for name := range b.nodes {
		if !reachable[name] {
			return nil, fmt.Errorf("compile: node %q is unreachable from entry", name)
		}
	}

	return &App{
		nodes: b.nodes,
		edges: b.edges,
		entry: b.entry,
		store: store,
	}, nil
}

func edgeTargets(e edge) []string {
	if e.router == nil {
		return []string{e.to}
	}
	targets := make([]string, 0, len(e.targets))
	for t := range e.targets {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// EdgeView is one transition in the compiled topology, used for rendering
// the pipeline diagram.
type EdgeView struct {
	From        string
	To          string
	Conditional bool
}

// Topology returns the entry node, node names, and edges of the compiled
// graph in deterministic order.
func (a *App) Topology() (entry string, nodes []string, edges []EdgeView) {
	nodes = make([]string, 0, len(a.nodes))
	for name := range a.nodes {
		nodes = append(nodes, name)
	}
	sort.Strings(nodes)

	for _, from := range nodes {
		e, ok := a.edges[from]
		if !ok {
			continue
		}
		for _, target := range edgeTargets(e) {
			edges = append(edges, EdgeView{From: from, To: target, Conditional: e.router != nil})
		}
	}
	return a.entry, nodes, edges
}
