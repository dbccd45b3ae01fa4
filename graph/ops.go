// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/pkg/errors"
)

var (
	// ErrUnknownOperator is raised when an operator type outside the
	// registered allow-list is added to a net.
	ErrUnknownOperator = errors.New("unknown operator type")

	// ErrAlreadyDifferentiated is raised when AddGradientOperators is called
	// a second time on the same net: the net does not support incremental
	// re-differentiation.
	ErrAlreadyDifferentiated = errors.New("net already differentiated")

	// ErrGradient is raised for malformed backward-pass constructions, e.g.
	// accumulating into a sparse gradient.
	ErrGradient = errors.New("gradient construction error")
)

// panicf panics with the sentinel wrapped in a formatted message and a stack
// trace. Public entry points recover it with exceptions.TryCatch.
func panicf(sentinel error, format string, args ...any) {
	panic(errors.Wrapf(sentinel, format, args...))
}

// GradientFn emits the gradient operators of one operator into the net being
// differentiated. It reads the output gradients from the builder and
// registers input gradients back into it.
type GradientFn func(op *Operator, g *GradientBuilder)

// OperatorDef describes one operator type of the allow-list.
//
// Operator types outside the registry are a hard error at graph-construction
// time, not a permissive pass-through.
type OperatorDef struct {
	// Type is the operator type name, e.g. "Sum".
	Type string

	// CrossDevice marks operators that legitimately reference blobs of more
	// than one device scope (copies, concatenations, collectives). All other
	// operators must stay within their own device scope.
	CrossDevice bool

	// Gradient emits the backward operators for this type. Nil means the
	// operator stops gradients (e.g. fills, counters).
	Gradient GradientFn
}

var operatorRegistry = make(map[string]OperatorDef)

// RegisterOperator adds an operator type to the allow-list. Registering the
// same type twice panics: the registry is meant to be populated once, at
// package initialization.
func RegisterOperator(def OperatorDef) {
	if _, found := operatorRegistry[def.Type]; found {
		panicf(ErrUnknownOperator, "operator type %q registered twice", def.Type)
	}
	operatorRegistry[def.Type] = def
}

// OperatorDefByType looks up the definition of a registered operator type.
func OperatorDefByType(opType string) (OperatorDef, bool) {
	def, found := operatorRegistry[opType]
	return def, found
}

// Operator is one node of a Net: an operation over named blobs, pinned to a
// device.
type Operator struct {
	Type    string
	Inputs  []BlobRef
	Outputs []BlobRef

	// ControlInputs order this operator after the producers of the given
	// blobs without consuming their values. This is the only ordering
	// primitive the builder has: there are no locks at execution time.
	ControlInputs []BlobRef

	// DeviceOf is the device the operator executes on.
	DeviceOf Device

	// Engine selects the collective engine for distributed operators.
	Engine string

	// Annotation tags the operator for scope analysis (e.g. reduction sums
	// that legitimately touch several device scopes).
	Annotation string

	FloatArgs map[string]float64
	IntArgs   map[string]int64
	StrArgs   map[string]string
}

// WithEngine sets the collective engine and returns the operator.
func (op *Operator) WithEngine(engine string) *Operator {
	op.Engine = engine
	return op
}

// WithControlInput appends a control dependency and returns the operator.
func (op *Operator) WithControlInput(refs ...BlobRef) *Operator {
	op.ControlInputs = append(op.ControlInputs, refs...)
	return op
}

// WithAnnotation sets the analysis annotation and returns the operator.
func (op *Operator) WithAnnotation(annotation string) *Operator {
	op.Annotation = annotation
	return op
}

// WithFloatArg sets a float argument and returns the operator.
func (op *Operator) WithFloatArg(name string, value float64) *Operator {
	if op.FloatArgs == nil {
		op.FloatArgs = make(map[string]float64)
	}
	op.FloatArgs[name] = value
	return op
}

// WithIntArg sets an integer argument and returns the operator.
func (op *Operator) WithIntArg(name string, value int64) *Operator {
	if op.IntArgs == nil {
		op.IntArgs = make(map[string]int64)
	}
	op.IntArgs[name] = value
	return op
}

// WithStrArg sets a string argument and returns the operator.
func (op *Operator) WithStrArg(name, value string) *Operator {
	if op.StrArgs == nil {
		op.StrArgs = make(map[string]string)
	}
	op.StrArgs[name] = value
	return op
}

// FloatArg returns a float argument, or the given default when absent.
func (op *Operator) FloatArg(name string, defaultValue float64) float64 {
	if v, found := op.FloatArgs[name]; found {
		return v
	}
	return defaultValue
}

// IntArg returns an integer argument, or the given default when absent.
func (op *Operator) IntArg(name string, defaultValue int64) int64 {
	if v, found := op.IntArgs[name]; found {
		return v
	}
	return defaultValue
}

// StrArg returns a string argument, or the given default when absent.
func (op *Operator) StrArg(name, defaultValue string) string {
	if v, found := op.StrArgs[name]; found {
		return v
	}
	return defaultValue
}
