// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gradlab/dataparallel/graph"
)

// Model is the pair of nets a training job builds into -- the one-time
// initialization net and the per-step net -- plus the registry of the
// parameters the builders created.
//
// Builders receive the model together with the BuildContext of the device
// they should build for, and register every trainable parameter with
// AddParam (or AddComputedParam for values derived from data rather than
// optimized, e.g. running statistics).
type Model struct {
	Name string

	// Init is run once, before training, to create parameter values.
	Init *graph.Net

	// Step is run once per training step.
	Step *graph.Net

	params         []graph.BlobRef
	computedParams []graph.BlobRef

	// paramToGrad is populated by the orchestrator after differentiation,
	// keyed by full parameter blob name.
	paramToGrad map[string]graph.Ref
}

// NewModel returns an empty model with the given name.
func NewModel(name string) *Model {
	return &Model{
		Name: name,
		Init: graph.NewNet(name + "_init"),
		Step: graph.NewNet(name),
	}
}

// AddParam registers a trainable parameter, in construction order. The order
// matters: replica grouping partitions the parameter list by that order.
func (m *Model) AddParam(param graph.BlobRef) {
	m.params = append(m.params, param)
}

// AddComputedParam registers a computed (non-gradient-optimized) parameter.
func (m *Model) AddComputedParam(param graph.BlobRef) {
	m.computedParams = append(m.computedParams, param)
}

// Params returns the registered trainable parameters in construction order.
// The returned slice is owned by the model.
func (m *Model) Params() []graph.BlobRef { return m.params }

// ComputedParams returns the registered computed parameters.
func (m *Model) ComputedParams() []graph.BlobRef { return m.computedParams }

// GradientOf returns the gradient of the parameter, if one was produced by
// differentiation.
func (m *Model) GradientOf(param graph.BlobRef) (graph.Ref, bool) {
	grad, found := m.paramToGrad[param.String()]
	return grad, found
}
