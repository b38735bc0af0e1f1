package workflow

import (
	"fmt"
	"strings"

	"github.com/roach88/toolrun/internal/toolerr"
	"github.com/roach88/toolrun/internal/toolspec"
)

// Plan is a workflow whose graph has been checked and ordered. It is
// immutable and safe to share between runs.
type Plan struct {
	Spec     *toolspec.Spec
	Workflow toolspec.Workflow

	// Start is the single node with no incoming edges.
	Start string

	// Order is the execution order: topological, ties broken by
	// declaration order.
	Order []string

	nodes map[string]toolspec.Node
	out   map[string][]toolspec.Edge
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (toolspec.Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Successors returns the edges leaving id in declaration order.
func (p *Plan) Successors(id string) []toolspec.Edge {
	return p.out[id]
}

// Compile validates workflowID in spec and computes its execution order.
//
// Every failure is a SPECIFICATION error: an invalid spec, an unknown
// workflow, a dangling edge, a `when` label on an edge not leaving a
// condition node, a cycle (reported with its path), or a start node count
// other than one.
func Compile(spec *toolspec.Spec, workflowID string) (*Plan, error) {
	if spec == nil {
		return nil, toolerr.Specification("no spec given")
	}
	if errs := toolspec.Validate(spec); len(errs) > 0 {
		first := errs[0]
		return nil, toolerr.Specification("invalid spec %q: %s", spec.ID, first.Error()).
			WithDetail("field", first.Field).
			WithDetail("validation_code", first.Code)
	}
	w, ok := spec.Workflow(workflowID)
	if !ok {
		return nil, toolerr.Specification("workflow %q is not declared in spec %q", workflowID, spec.ID).
			WithDetail("workflow", workflowID)
	}

	p := &Plan{
		Spec:     spec,
		Workflow: w,
		nodes:    make(map[string]toolspec.Node, len(w.Nodes)),
		out:      make(map[string][]toolspec.Edge, len(w.Nodes)),
	}
	for _, n := range w.Nodes {
		if _, dup := p.nodes[n.ID]; dup {
			return nil, specErr(w.ID, "duplicate node %q", n.ID)
		}
		p.nodes[n.ID] = n
	}

	inDegree := make(map[string]int, len(w.Nodes))
	for _, e := range w.Edges {
		from, ok := p.nodes[e.From]
		if !ok {
			return nil, specErr(w.ID, "edge from undeclared node %q", e.From)
		}
		if _, ok := p.nodes[e.To]; !ok {
			return nil, specErr(w.ID, "edge to undeclared node %q", e.To)
		}
		if e.When != "" && from.Type != toolspec.NodeCondition {
			return nil, specErr(w.ID, "edge %s -> %s has a when label but %q is not a condition node", e.From, e.To, e.From)
		}
		p.out[e.From] = append(p.out[e.From], e)
		inDegree[e.To]++
	}

	if cycle := findCycle(w.Nodes, p.out); cycle != nil {
		return nil, specErr(w.ID, "cycle detected: %s", strings.Join(cycle, " -> ")).
			WithDetail("cycle", strings.Join(cycle, ","))
	}

	var starts []string
	for _, n := range w.Nodes {
		if inDegree[n.ID] == 0 {
			starts = append(starts, n.ID)
		}
	}
	if len(starts) != 1 {
		return nil, specErr(w.ID, "workflow must have exactly one start node, found %d (%s)", len(starts), strings.Join(starts, ", "))
	}
	p.Start = starts[0]
	p.Order = topoOrder(w.Nodes, p.out, inDegree)
	return p, nil
}

func specErr(workflowID, format string, args ...any) *toolerr.Error {
	return toolerr.Specification("workflow %q: %s", workflowID, fmt.Sprintf(format, args...)).
		WithDetail("workflow", workflowID)
}

// topoOrder is Kahn's algorithm. Among ready nodes the earliest declared
// runs first, so the order is deterministic for a given spec.
func topoOrder(nodes []toolspec.Node, out map[string][]toolspec.Edge, inDegree map[string]int) []string {
	remaining := make(map[string]int, len(inDegree))
	for k, v := range inDegree {
		remaining[k] = v
	}
	done := make(map[string]bool, len(nodes))
	order := make([]string, 0, len(nodes))
	for len(order) < len(nodes) {
		for _, n := range nodes {
			if done[n.ID] || remaining[n.ID] > 0 {
				continue
			}
			done[n.ID] = true
			order = append(order, n.ID)
			for _, e := range out[n.ID] {
				remaining[e.To]--
			}
			break
		}
	}
	return order
}

// findCycle returns a cycle path such as [a b a], or nil for a DAG.
//
// Strongly connected components are found with Tarjan's algorithm; the
// first component (in declaration order of its root) with more than one
// node or a self-loop is reported.
func findCycle(nodes []toolspec.Node, out map[string][]toolspec.Edge) []string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range out[v] {
			w := e.To
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, n := range nodes {
		if _, visited := indices[n.ID]; !visited {
			strongConnect(n.ID)
		}
	}

	for _, scc := range sccs {
		if len(scc) == 1 && !hasSelfLoop(scc[0], out) {
			continue
		}
		return cyclePath(scc, out)
	}
	return nil
}

func hasSelfLoop(node string, out map[string][]toolspec.Edge) bool {
	for _, e := range out[node] {
		if e.To == node {
			return true
		}
	}
	return false
}

// cyclePath walks edges inside scc from its first member until it returns
// to the start.
func cyclePath(scc []string, out map[string][]toolspec.Edge) []string {
	members := make(map[string]bool, len(scc))
	for _, n := range scc {
		members[n] = true
	}
	start := scc[len(scc)-1]
	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, e := range out[current] {
			if e.To == start {
				next = start
				break
			}
			if members[e.To] && !visited[e.To] && next == "" {
				next = e.To
			}
		}
		if next == "" {
			return path
		}
		path = append(path, next)
		if next == start {
			return path
		}
		visited[next] = true
		current = next
	}
}
