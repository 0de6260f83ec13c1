// Package workflow provides the immutable successor graph that drives a
// pipeline run, plus loading of built-in and user-defined definitions.
package workflow

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/zjrosen/quill/internal/orchestration/message"
)

// Source indicates where a workflow definition originated from.
type Source int

const (
	// SourceBuiltIn indicates a workflow bundled with the application.
	SourceBuiltIn Source = iota
	// SourceUser indicates a workflow loaded from a user file.
	SourceUser
)

// String returns a human-readable representation of the Source.
func (s Source) String() string {
	switch s {
	case SourceBuiltIn:
		return "built-in"
	case SourceUser:
		return "user"
	default:
		return "unknown"
	}
}

var (
	// ErrNoStart is returned when a workflow has no start stage.
	ErrNoStart = errors.New("workflow has no start stage")

	// ErrCycle is returned when the successor graph contains a cycle.
	ErrCycle = errors.New("workflow contains a cycle")
)

// Workflow is a directed acyclic successor graph over stage ids with a single
// start stage. It is immutable after construction.
type Workflow struct {
	name        string
	description string
	start       message.StageID
	edges       map[message.StageID][]message.StageID
	order       []message.StageID
	source      Source
	path        string
}

// New validates and builds a Workflow. Every stage named as a successor must
// also appear as a key of edges (terminal stages map to an empty list).
// The graph must be acyclic, every stage must be reachable from start, and
// no stage may have more than one predecessor.
func New(name string, start message.StageID, edges map[message.StageID][]message.StageID) (*Workflow, error) {
	if start == "" {
		return nil, ErrNoStart
	}
	if _, ok := edges[start]; !ok {
		return nil, fmt.Errorf("workflow %s: start stage %q is not defined", name, start)
	}

	clean := make(map[message.StageID][]message.StageID, len(edges))
	preds := make(map[message.StageID]message.StageID, len(edges))
	for stage, next := range edges {
		if stage == "" || stage == message.None {
			return nil, fmt.Errorf("workflow %s: invalid stage id %q", name, stage)
		}
		var succ []message.StageID
		for _, s := range next {
			if slices.Contains(succ, s) {
				continue
			}
			if _, ok := edges[s]; !ok {
				return nil, fmt.Errorf("workflow %s: stage %q names unknown successor %q", name, stage, s)
			}
			if p, seen := preds[s]; seen {
				return nil, fmt.Errorf("workflow %s: stage %q has two predecessors (%s, %s)", name, s, p, stage)
			}
			preds[s] = stage
			succ = append(succ, s)
		}
		clean[stage] = succ
	}
	if _, ok := preds[start]; ok {
		return nil, fmt.Errorf("workflow %s: %w through start stage %q", name, ErrCycle, start)
	}

	order, err := bfsOrder(start, clean)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", name, err)
	}
	if len(order) != len(clean) {
		var unreachable []string
		for s := range clean {
			if !slices.Contains(order, s) {
				unreachable = append(unreachable, string(s))
			}
		}
		sort.Strings(unreachable)
		return nil, fmt.Errorf("workflow %s: stages unreachable from %s: %s", name, start, strings.Join(unreachable, ", "))
	}

	return &Workflow{name: name, start: start, edges: clean, order: order}, nil
}

// Chain builds a linear workflow s[0] -> s[1] -> ... -> s[n-1].
func Chain(name string, stages ...message.StageID) (*Workflow, error) {
	if len(stages) == 0 {
		return nil, ErrNoStart
	}
	edges := make(map[message.StageID][]message.StageID, len(stages))
	for i, s := range stages {
		if i+1 < len(stages) {
			edges[s] = []message.StageID{stages[i+1]}
		} else {
			edges[s] = nil
		}
	}
	if len(edges) != len(stages) {
		return nil, fmt.Errorf("workflow %s: %w", name, ErrCycle)
	}
	return New(name, stages[0], edges)
}

// bfsOrder returns stages in breadth-first order from start. With at most one
// predecessor per stage, revisiting a stage implies a cycle.
func bfsOrder(start message.StageID, edges map[message.StageID][]message.StageID) ([]message.StageID, error) {
	seen := map[message.StageID]bool{start: true}
	order := []message.StageID{start}
	for i := 0; i < len(order); i++ {
		for _, next := range edges[order[i]] {
			if seen[next] {
				return nil, ErrCycle
			}
			seen[next] = true
			order = append(order, next)
		}
	}
	return order, nil
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns the optional human description.
func (w *Workflow) Description() string { return w.description }

// Source reports where the workflow was loaded from.
func (w *Workflow) Source() Source { return w.source }

// Path is the file a user workflow was loaded from; empty for built-ins.
func (w *Workflow) Path() string { return w.path }

// Start returns the start stage.
func (w *Workflow) Start() message.StageID { return w.start }

// Successors returns a copy of the successors of s. Unknown stages have none.
func (w *Workflow) Successors(s message.StageID) []message.StageID {
	return slices.Clone(w.edges[s])
}

// Contains reports whether s is a stage of the workflow.
func (w *Workflow) Contains(s message.StageID) bool {
	_, ok := w.edges[s]
	return ok
}

// IsTerminal reports whether s is a known stage with no successors.
func (w *Workflow) IsTerminal(s message.StageID) bool {
	next, ok := w.edges[s]
	return ok && len(next) == 0
}

// Stages returns every stage in breadth-first order from Start.
func (w *Workflow) Stages() []message.StageID {
	return slices.Clone(w.order)
}

// Terminals returns the stages with no successors, in breadth-first order.
func (w *Workflow) Terminals() []message.StageID {
	var out []message.StageID
	for _, s := range w.order {
		if len(w.edges[s]) == 0 {
			out = append(out, s)
		}
	}
	return out
}

// IsChain reports whether every stage has at most one successor.
func (w *Workflow) IsChain() bool {
	for _, next := range w.edges {
		if len(next) > 1 {
			return false
		}
	}
	return true
}

// IsPrefix reports whether completed is a valid completion order: each stage
// appears once and its predecessor completed before it. For a chain this is
// exactly "completed is a prefix of Stages()".
func (w *Workflow) IsPrefix(completed []message.StageID) bool {
	done := make(map[message.StageID]bool, len(completed))
	for _, s := range completed {
		if done[s] || !w.Contains(s) {
			return false
		}
		if s != w.start && !done[w.predecessor(s)] {
			return false
		}
		done[s] = true
	}
	return true
}

func (w *Workflow) predecessor(s message.StageID) message.StageID {
	for from, next := range w.edges {
		if slices.Contains(next, s) {
			return from
		}
	}
	return ""
}

// String renders the graph as "a -> b -> c" for chains or one edge list per
// stage otherwise.
func (w *Workflow) String() string {
	if w.IsChain() {
		parts := make([]string, len(w.order))
		for i, s := range w.order {
			parts[i] = string(s)
		}
		return strings.Join(parts, " -> ")
	}
	var b strings.Builder
	for i, s := range w.order {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(string(s))
		if next := w.edges[s]; len(next) > 0 {
			b.WriteString(" -> ")
			for j, n := range next {
				if j > 0 {
					b.WriteString(", ")
				}
				b.WriteString(string(n))
			}
		}
	}
	return b.String()
}
