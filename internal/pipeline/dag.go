package pipeline

import (
	"fmt"
	"strings"
)

// ExecutionOrder computes the staged execution order for a definition using
// Kahn's algorithm: repeatedly peel off every zero-in-degree task as one
// stage and decrement in-degrees of its dependents. Tasks within a stage
// carry no implicit ordering and may run concurrently. A cycle leaves tasks
// unpeeled and is reported with its path.
func ExecutionOrder(def *Definition) ([][]string, error) {
	if len(def.Tasks) == 0 {
		return nil, nil
	}

	names := make([]string, 0, len(def.Tasks))
	edges := make(map[string][]string, len(def.Tasks))
	for _, t := range def.Tasks {
		names = append(names, t.Name)
		edges[t.Name] = t.Dependencies
	}
	return stageOrder(names, edges)
}

// stageOrder peels zero-in-degree nodes level by level. edges maps a node to
// the nodes it depends on (dependency direction, not adjacency).
func stageOrder(nodeNames []string, edges map[string][]string) ([][]string, error) {
	nodeSet := make(map[string]bool, len(nodeNames))
	for _, n := range nodeNames {
		nodeSet[n] = true
	}

	// Build in-degree map and forward adjacency (dependency → dependent)
	inDegree := make(map[string]int, len(nodeNames))
	forward := make(map[string][]string)
	for _, n := range nodeNames {
		inDegree[n] = 0
	}

	for node, deps := range edges {
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue // unknown refs are caught by field validation
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	var ready []string
	for _, n := range nodeNames {
		if inDegree[n] == 0 {
			ready = append(ready, n)
		}
	}

	var stages [][]string
	peeled := 0
	for len(ready) > 0 {
		stage := ready
		ready = nil
		peeled += len(stage)
		stages = append(stages, stage)

		for _, node := range stage {
			for _, dependent := range forward[node] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready = append(ready, dependent)
				}
			}
		}
	}

	if peeled == len(nodeNames) {
		return stages, nil
	}

	cyclePath := findCyclePath(nodeNames, edges, inDegree)
	return nil, fmt.Errorf("circular dependency detected: %s", strings.Join(cyclePath, " -> "))
}

// findCyclePath finds a cycle path among nodes with non-zero in-degree via DFS.
func findCyclePath(nodeNames []string, edges map[string][]string, inDegree map[string]int) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				// Found cycle: reconstruct path
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				// Reverse to get forward order
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	// Start DFS from nodes still in the cycle (non-zero in-degree)
	for _, n := range nodeNames {
		if inDegree[n] > 0 && color[n] == white {
			if dfs(n) {
				return cyclePath
			}
		}
	}

	return []string{"(cycle detected)"}
}
