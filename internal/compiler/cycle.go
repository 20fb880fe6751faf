package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/denorm/internal/join"
	"github.com/roach88/denorm/internal/pathtmpl"
)

// CycleWarning represents a potential propagation cycle between queries.
//
// Cycles are warnings, not errors, because most of them converge: a write
// whose normalized content did not change is skipped, which ends the loop.
// Self-joins (a query whose target is its own source) are the common case.
type CycleWarning struct {
	Path    []string `json:"path"`    // Cycle path: ["query-a", "query-b", "query-a"]
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// AnalyzeCycles performs static cycle analysis on join queries.
//
// Query a feeds query b when documents written by a can trigger b: a's
// target template overlaps b's source template (b re-joins), or a's target
// collection overlaps one of b's referenced collections (b's dependents
// are patched). Tarjan's algorithm finds the strongly connected components
// of that graph; each SCC with more than one node, or with a self-loop, is
// reported.
//
// Queries are visited in declaration order, so the output is stable.
func AnalyzeCycles(queries []join.Query) []CycleWarning {
	if len(queries) == 0 {
		return []CycleWarning{}
	}

	graph, order := buildDependencyGraph(queries)
	sccs := tarjanSCC(graph, order)

	var warnings []CycleWarning
	for _, scc := range sccs {
		if len(scc) > 1 || (len(scc) == 1 && hasSelfLoop(scc[0], graph)) {
			warnings = append(warnings, cycleSCCToWarning(scc, graph))
		}
	}
	return warnings
}

// dependencyGraph maps query name → names of queries its writes can trigger.
type dependencyGraph map[string][]string

func buildDependencyGraph(queries []join.Query) (dependencyGraph, []string) {
	graph := make(dependencyGraph, len(queries))
	order := make([]string, 0, len(queries))

	for _, a := range queries {
		// Ensure the node exists even without edges.
		if _, ok := graph[a.Name]; !ok {
			order = append(order, a.Name)
			graph[a.Name] = []string{}
		}
		written := pathtmpl.Parent(a.To)
		for _, b := range queries {
			if feeds(a.To, written, b) {
				graph[a.Name] = append(graph[a.Name], b.Name)
			}
		}
	}
	return graph, order
}

func feeds(to, written string, b join.Query) bool {
	if overlaps(to, b.From) {
		return true
	}
	for _, ref := range b.References {
		if overlaps(written, ref.Collection) {
			return true
		}
	}
	return false
}

// overlaps reports whether some concrete path could match both templates:
// same segment count, and every segment pair is equal or has a
// placeholder on either side.
func overlaps(a, b string) bool {
	as, bs := pathtmpl.Segments(a), pathtmpl.Segments(b)
	if len(as) != len(bs) || len(as) == 0 {
		return false
	}
	for i := range as {
		if as[i] == bs[i] || isPlaceholder(as[i]) || isPlaceholder(bs[i]) {
			continue
		}
		return false
	}
	return true
}

func isPlaceholder(seg string) bool {
	return len(pathtmpl.ExtractPlaceholders(seg)) > 0
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of query names.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
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
		// Set the depth index for v
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		// Consider successors of v
		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				// Successor w has not yet been visited; recurse on it
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				// Successor w is on stack and hence in the current SCC
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
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

	// Visit all nodes
	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// cycleSCCToWarning converts an SCC to a CycleWarning.
//
// The path shows the cycle sequence by reconstructing a path through the SCC.
// For self-loops, the path is [query, query].
// For multi-node cycles, the path shows a cycle traversal.
func cycleSCCToWarning(scc []string, graph dependencyGraph) CycleWarning {
	if len(scc) == 1 {
		// Self-loop
		name := scc[0]
		return CycleWarning{
			Path:    []string{name, name},
			Message: fmt.Sprintf("Self-triggering query detected: %s → %s", name, name),
			Level:   "warning",
		}
	}

	// Multi-node cycle - reconstruct a cycle path
	path := reconstructCyclePath(scc, graph)

	pathStr := strings.Join(path, " → ")
	return CycleWarning{
		Path:    path,
		Message: fmt.Sprintf("Potential propagation cycle detected: %s", pathStr),
		Level:   "warning",
	}
}

// reconstructCyclePath builds a cycle path from an SCC.
//
// Strategy: Start at first node in SCC, follow edges to other SCC members,
// continue until we return to start node.
func reconstructCyclePath(scc []string, graph dependencyGraph) []string {
	if len(scc) == 0 {
		return []string{}
	}

	// Build set of SCC members for fast lookup
	sccSet := make(map[string]bool)
	for _, node := range scc {
		sccSet[node] = true
	}

	// Start at first node
	start := scc[0]
	current := start
	path := []string{current}
	visited := make(map[string]bool)

	// Follow edges within SCC until we return to start
	for {
		visited[current] = true

		// Find next SCC member reachable from current
		var next string
		for _, neighbor := range graph[current] {
			if sccSet[neighbor] && (!visited[neighbor] || neighbor == start) {
				next = neighbor
				break
			}
		}

		if next == "" {
			// No more unvisited neighbors in SCC
			break
		}

		path = append(path, next)

		if next == start {
			// Completed the cycle
			break
		}

		current = next
	}

	return path
}
