// Package graph derives deployment stages from the unit dependency graph.
//
// This package is part of the functional core: all functions are pure.
//
// # Functions
//
//   - Validate: reject duplicate names and dependencies on unknown units
//   - Layers: Kahn topological layering into DeploymentStages
//   - Order: the flattened stage order
//   - Dependents: reverse edges, used to skip units whose dependency failed
//
// # Usage
//
//	stages, err := graph.Layers(units)
//	// edge_router -> admin_console -> {data_store} -> {app}
//	// stages[0] = [edge_router], stages[1] = [admin_console], ...
package graph
