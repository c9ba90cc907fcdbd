package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/stackup/internal/core/domain"
)

// =============================================================================
// Graph Validation
// =============================================================================

// Validate checks each unit and the edges between them. Cycles are detected
// by Layers, since Kahn's algorithm finds them for free.
func Validate(units []domain.ServiceUnit) error {
	seen := make(map[string]bool, len(units))
	for _, u := range units {
		if err := u.Validate(); err != nil {
			return err
		}
		if seen[u.Name] {
			return domain.NewConfigError("ValidateGraph", u.Name, "unit defined twice", domain.ErrDuplicateUnit)
		}
		seen[u.Name] = true
	}

	for _, u := range units {
		for _, dep := range u.DependsOn {
			if !seen[dep] {
				return domain.NewConfigError("ValidateGraph", u.Name,
					fmt.Sprintf("depends on unknown unit %q", dep), domain.ErrUnknownDependency)
			}
		}
	}
	return nil
}

// =============================================================================
// Topological Layering
// =============================================================================

// Layers groups units into stages using Kahn's algorithm. Every unit in stage
// N depends only on units in stages < N. Units within a stage are sorted by
// name so plans are reproducible.
//
// A cycle is a configuration error: the graph is fixed at design time and
// must be acyclic by construction.
//
// Example:
//
//	// edge_router <- admin_console <- {postgres, redis} <- app
//	stages, _ := Layers(units)
//	// [[edge_router] [admin_console] [postgres redis] [app]]
func Layers(units []domain.ServiceUnit) ([]domain.DeploymentStage, error) {
	if err := Validate(units); err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, nil
	}

	byName := make(map[string]domain.ServiceUnit, len(units))
	inDegree := make(map[string]int, len(units))
	dependents := make(map[string][]string)

	for _, u := range units {
		byName[u.Name] = u
		deps := uniq(u.DependsOn)
		inDegree[u.Name] = len(deps)
		for _, dep := range deps {
			dependents[dep] = append(dependents[dep], u.Name)
		}
	}

	// Start with units that have no dependencies
	var frontier []string
	for name, degree := range inDegree {
		if degree == 0 {
			frontier = append(frontier, name)
		}
	}

	var stages []domain.DeploymentStage
	placed := 0
	for len(frontier) > 0 {
		sort.Strings(frontier)

		stage := domain.DeploymentStage{Index: len(stages)}
		var next []string
		for _, name := range frontier {
			stage.Units = append(stage.Units, byName[name])
			placed++
			for _, dep := range dependents[name] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		stages = append(stages, stage)
		frontier = next
	}

	if placed < len(units) {
		var stuck []string
		for name, degree := range inDegree {
			if degree > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, domain.NewConfigError("Layers", "",
			"cycle among units "+strings.Join(stuck, ", "), domain.ErrCircularDependency)
	}

	return stages, nil
}

// Order flattens stages into a single deployment order.
func Order(stages []domain.DeploymentStage) []domain.ServiceUnit {
	var out []domain.ServiceUnit
	for _, s := range stages {
		out = append(out, s.Units...)
	}
	return out
}

// Dependents returns, for every unit, the names of units that transitively
// depend on it.
func Dependents(units []domain.ServiceUnit) map[string][]string {
	direct := make(map[string][]string)
	for _, u := range units {
		for _, dep := range u.DependsOn {
			direct[dep] = append(direct[dep], u.Name)
		}
	}

	out := make(map[string][]string, len(units))
	for _, u := range units {
		seen := make(map[string]bool)
		queue := append([]string(nil), direct[u.Name]...)
		for len(queue) > 0 {
			name := queue[0]
			queue = queue[1:]
			if seen[name] {
				continue
			}
			seen[name] = true
			queue = append(queue, direct[name]...)
		}
		names := make([]string, 0, len(seen))
		for name := range seen {
			names = append(names, name)
		}
		sort.Strings(names)
		out[u.Name] = names
	}
	return out
}

func uniq(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
