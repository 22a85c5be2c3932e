package orchestrator

import (
	"fmt"
	"sort"

	wetwire "github.com/lex00/wetwire-vpn-go"
)

// producers maps every produced handle to the stage that produces it.
func (o *Orchestrator) producers() (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range o.names {
		for _, h := range o.stages[name].Produces {
			if prev, ok := out[h]; ok {
				return nil, fmt.Errorf("%w: %s (stages %s and %s)", wetwire.ErrDuplicateHandle, h, prev, name)
			}
			out[h] = name
		}
	}
	return out, nil
}

// dependencies returns the stages each stage must follow, sorted.
func (o *Orchestrator) dependencies() (map[string][]string, error) {
	producers, err := o.producers()
	if err != nil {
		return nil, err
	}

	deps := make(map[string][]string, len(o.names))
	for _, name := range o.names {
		st := o.stages[name]
		set := make(map[string]bool)
		for _, h := range st.Consumes {
			p, ok := producers[h]
			if !ok {
				return nil, &wetwire.UnresolvedHandleError{Stage: name, Handle: h}
			}
			set[p] = true
		}
		for _, d := range st.DependsOn {
			if _, ok := o.stages[d]; !ok {
				return nil, fmt.Errorf("stage %s depends on unknown stage %s", name, d)
			}
			set[d] = true
		}
		list := make([]string, 0, len(set))
		for d := range set {
			list = append(list, d)
		}
		sort.Strings(list)
		deps[name] = list
	}
	return deps, nil
}

// ResolveOrder returns the stages in dependency order. Stages that become
// ready at the same time are ordered by name, so the result is stable.
// A cycle yields a *wetwire.CycleError and no order at all.
func (o *Orchestrator) ResolveOrder() ([]string, error) {
	deps, err := o.dependencies()
	if err != nil {
		return nil, err
	}

	// Build adjacency list
	graph := make(map[string][]string)
	inDegree := make(map[string]int)
	for _, name := range o.names {
		graph[name] = nil
		inDegree[name] = 0
	}
	for name, ds := range deps {
		for _, dep := range ds {
			graph[dep] = append(graph[dep], name)
			inDegree[name]++
		}
	}

	// Kahn's algorithm
	var queue []string
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		result = append(result, node)

		for _, neighbor := range graph[node] {
			inDegree[neighbor]--
			if inDegree[neighbor] == 0 {
				queue = append(queue, neighbor)
				sort.Strings(queue)
			}
		}
	}

	if len(result) != len(o.names) {
		return nil, detectCycle(o.names, deps)
	}
	return result, nil
}

// detectCycle finds one cycle in the dependency graph.
func detectCycle(names []string, deps map[string][]string) error {
	visited := make(map[string]bool)
	path := make(map[string]bool)
	var stack []string
	var cycle []string

	var findCycle func(node string) bool
	findCycle = func(node string) bool {
		visited[node] = true
		path[node] = true
		stack = append(stack, node)

		for _, dep := range deps[node] {
			if !visited[dep] {
				if findCycle(dep) {
					return true
				}
			} else if path[dep] {
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string{}, stack[i:]...), dep)
						break
					}
				}
				return true
			}
		}

		path[node] = false
		stack = stack[:len(stack)-1]
		return false
	}

	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, name := range sorted {
		if !visited[name] && findCycle(name) {
			break
		}
	}
	return &wetwire.CycleError{Cycle: cycle}
}
