package pipeline

import (
	"context"
	"fmt"

	"github.com/dschulmeist/slide2anki/internal/config"
)

// NodeKind distinguishes how the orchestrator drives a node.
type NodeKind string

const (
	// KindPure is a deterministic in-memory transform.
	KindPure NodeKind = "pure"
	// KindCapability delegates to an external inference capability.
	KindCapability NodeKind = "capability"
	// KindFanOut dispatches parallel branches and merges at fan-in.
	KindFanOut NodeKind = "fanout"
)

// NodeSpec declares one pipeline step. Fan-out nodes provide Route,
// Branch and Merge; all other nodes provide Run. Routing functions are
// pure over state and config so dispatch lists are serializable and
// replay identically on resume.
type NodeSpec struct {
	Name string
	Kind NodeKind
	// Required marks nodes whose failure (or fully failed fan-out)
	// fails the run. Optional nodes degrade and record instead.
	Required bool

	Run func(ctx context.Context, ex *Executor, st State) (State, error)

	Route  func(st State, cfg config.PipelineConfig) ([]DispatchUnit, error)
	Branch func(ctx context.Context, ex *Executor, st State, du DispatchUnit) (BranchResult, error)
	Merge  func(st State, results []BranchResult, failures []BranchError) (State, error)

	// Next names the following node; NextFunc, when set, decides the
	// edge from current state (conditional routing). Empty means the
	// graph ends after this node.
	Next     string
	NextFunc func(st State) string
}

// Graph is a directed acyclic pipeline definition.
type Graph struct {
	entry string
	nodes map[string]NodeSpec
	order []string
}

// NewGraph creates an empty graph with the given entry node name.
func NewGraph(entry string) *Graph {
	return &Graph{entry: entry, nodes: make(map[string]NodeSpec)}
}

// Entry returns the entry node name.
func (g *Graph) Entry() string { return g.entry }

// AddNode registers a node spec. Duplicate names are a programming
// error and panic at graph construction time.
func (g *Graph) AddNode(spec NodeSpec) *Graph {
	if _, dup := g.nodes[spec.Name]; dup {
		panic(fmt.Sprintf("pipeline: duplicate node %q", spec.Name))
	}
	g.nodes[spec.Name] = spec
	g.order = append(g.order, spec.Name)
	return g
}

// Node looks up a spec by name.
func (g *Graph) Node(name string) (NodeSpec, error) {
	spec, ok := g.nodes[name]
	if !ok {
		return NodeSpec{}, fmt.Errorf("pipeline: unknown node %q", name)
	}
	return spec, nil
}

// NextOf evaluates the edge out of name for the given state. Empty
// string means the pipeline is complete.
func (g *Graph) NextOf(name string, st State) (string, error) {
	spec, err := g.Node(name)
	if err != nil {
		return "", err
	}
	next := spec.Next
	if spec.NextFunc != nil {
		next = spec.NextFunc(st)
	}
	if next == "" {
		return "", nil
	}
	if _, ok := g.nodes[next]; !ok {
		return "", fmt.Errorf("pipeline: node %q routes to unknown node %q", name, next)
	}
	return next, nil
}

// Validate checks the graph is well-formed: entry exists, every static
// edge resolves, fan-out nodes carry the fan-out contract and nothing
// else, and the static edges are acyclic.
func (g *Graph) Validate() error {
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("pipeline: entry node %q not registered", g.entry)
	}
	for _, name := range g.order {
		spec := g.nodes[name]
		switch spec.Kind {
		case KindFanOut:
			if spec.Route == nil || spec.Branch == nil || spec.Merge == nil {
				return fmt.Errorf("pipeline: fan-out node %q needs Route, Branch and Merge", name)
			}
			if spec.Run != nil {
				return fmt.Errorf("pipeline: fan-out node %q must not define Run", name)
			}
		case KindPure, KindCapability:
			if spec.Run == nil {
				return fmt.Errorf("pipeline: node %q needs Run", name)
			}
		default:
			return fmt.Errorf("pipeline: node %q has unknown kind %q", name, spec.Kind)
		}
		if spec.Next != "" {
			if _, ok := g.nodes[spec.Next]; !ok {
				return fmt.Errorf("pipeline: node %q routes to unknown node %q", name, spec.Next)
			}
		}
	}
	// Static-edge cycle check; conditional edges are the caller's
	// responsibility and only ever skip forward in this pipeline.
	seen := make(map[string]bool)
	node := g.entry
	for node != "" {
		if seen[node] {
			return fmt.Errorf("pipeline: cycle through node %q", node)
		}
		seen[node] = true
		node = g.nodes[node].Next
	}
	return nil
}
