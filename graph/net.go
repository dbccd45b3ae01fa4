// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements an append-only operator net: the computation
// graph representation the data-parallel orchestrator builds into.
//
// A Net is a list of operators over named blobs. Construction is explicit:
// every AddOp call receives a BuildContext carrying the device and
// name-scope it builds under -- there is no ambient "current scope" state.
// Operator types come from a fixed, registered allow-list; adding an unknown
// type panics with ErrUnknownOperator.
//
// Building a net never executes anything. The net is a description consumed
// later by an executor (see graph/workspace for the in-process one).
//
// Errors follow the deferred style used across the module: construction
// functions panic with a wrapped sentinel error and a stack trace, and
// public entry points convert the panic back to an error with
// exceptions.TryCatch.
package graph

// Net is an append-only list of operators plus execution hints.
type Net struct {
	name       string
	netType    string
	numWorkers int
	args       map[string]int64

	ops            []*Operator
	differentiated bool
}

// NewNet returns an empty net with the given name.
func NewNet(name string) *Net {
	return &Net{
		name: name,
		args: make(map[string]int64),
	}
}

// Name of the net.
func (n *Net) Name() string { return n.name }

// SetType sets the execution-engine hint (e.g. "dag", "simple").
func (n *Net) SetType(netType string) { n.netType = netType }

// Type returns the execution-engine hint.
func (n *Net) Type() string { return n.netType }

// SetNumWorkers sets the worker-count hint for the executor.
func (n *Net) SetNumWorkers(numWorkers int) { n.numWorkers = numWorkers }

// NumWorkers returns the worker-count hint.
func (n *Net) NumWorkers() int { return n.numWorkers }

// SetArg sets a named execution argument on the net itself (as opposed to on
// one of its operators).
func (n *Net) SetArg(name string, value int64) { n.args[name] = value }

// Arg returns a named execution argument.
func (n *Net) Arg(name string) (int64, bool) {
	v, found := n.args[name]
	return v, found
}

// Operators returns the operators in emission order. The returned slice is
// owned by the net; callers must treat it as read-only.
func (n *Net) Operators() []*Operator { return n.ops }

// OperatorsByType returns the operators of the given type, in emission order.
func (n *Net) OperatorsByType(opType string) []*Operator {
	var ops []*Operator
	for _, op := range n.ops {
		if op.Type == opType {
			ops = append(ops, op)
		}
	}
	return ops
}

// AddOp appends an operator to the net, pinned to the context's device.
// The operator type must be registered in the allow-list, otherwise AddOp
// panics with ErrUnknownOperator.
//
// The returned operator can be further configured (engine, control inputs,
// arguments) before the next AddOp call.
func (n *Net) AddOp(ctx BuildContext, opType string, inputs, outputs []BlobRef) *Operator {
	if _, found := OperatorDefByType(opType); !found {
		panicf(ErrUnknownOperator, "operator type %q is not in the allow-list (net %q)", opType, n.name)
	}
	op := &Operator{
		Type:     opType,
		Inputs:   inputs,
		Outputs:  outputs,
		DeviceOf: ctx.Device,
	}
	n.ops = append(n.ops, op)
	return op
}
