package store

import (
	"fmt"
	"sort"

	"github.com/planforge/planforge/types"
)

// validateGraph checks that every dependency references a known node
// and that the dependency graph is acyclic, using Kahn's algorithm.
// The graph passed in is the union of already-persisted nodes and the
// batch being inserted.
func validateGraph(deps map[string][]string) error {
	indegree := make(map[string]int, len(deps))
	dependents := make(map[string][]string, len(deps))

	for nodeID, nodeDeps := range deps {
		if _, ok := indegree[nodeID]; !ok {
			indegree[nodeID] = 0
		}
		for _, dep := range nodeDeps {
			if _, ok := deps[dep]; !ok {
				return types.NewError(types.ErrCodeUnknownDependency,
					fmt.Sprintf("node %s depends on unknown node %s", nodeID, dep))
			}
			if dep == nodeID {
				return types.NewError(types.ErrCodeCyclicDependency,
					fmt.Sprintf("node %s depends on itself", nodeID))
			}
			indegree[nodeID]++
			dependents[dep] = append(dependents[dep], nodeID)
		}
	}

	// Deterministic processing order keeps error output stable.
	queue := make([]string, 0, len(indegree))
	for nodeID, deg := range indegree {
		if deg == 0 {
			queue = append(queue, nodeID)
		}
	}
	sort.Strings(queue)

	processed := 0
	for len(queue) > 0 {
		nodeID := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range dependents[nodeID] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if processed != len(deps) {
		remaining := make([]string, 0)
		for nodeID, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, nodeID)
			}
		}
		sort.Strings(remaining)
		return types.NewError(types.ErrCodeCyclicDependency,
			fmt.Sprintf("dependency cycle involving nodes %v", remaining))
	}
	return nil
}
