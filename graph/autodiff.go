// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "fmt"

// GradientSeed pairs a loss blob with its seed gradient (usually a
// unit-valued tensor of the loss's shape).
type GradientSeed struct {
	Loss BlobRef
	Seed BlobRef
}

// GradientBuilder accumulates the blob-to-gradient mapping while the
// backward pass is being emitted. It is handed to each operator's GradientFn
// in reverse emission order.
type GradientBuilder struct {
	net    *Net
	grads  map[string]Ref // keyed by full blob name
	splits map[string]int
}

// DenseGradOf returns the dense gradient registered for the blob, if any.
// Operators whose outputs carry no gradient are skipped by their GradientFn.
func (g *GradientBuilder) DenseGradOf(b BlobRef) (BlobRef, bool) {
	grad, found := g.grads[b.String()]
	if !found {
		return BlobRef{}, false
	}
	dense, ok := grad.(BlobRef)
	if !ok {
		panicf(ErrGradient, "blob %s carries a sparse gradient where a dense one is required", b)
	}
	return dense, true
}

// GradOf returns the gradient registered for the blob, dense or sparse.
func (g *GradientBuilder) GradOf(b BlobRef) (Ref, bool) {
	grad, found := g.grads[b.String()]
	return grad, found
}

// GradRef returns the blob the gradient of b should be written to. The first
// gradient of a blob is named "<blob>_grad"; further contributions get an
// autosplit name and are summed into the first by SetGrad.
func (g *GradientBuilder) GradRef(b BlobRef) BlobRef {
	if _, found := g.grads[b.String()]; !found {
		return b.WithSuffix("_grad")
	}
	g.splits[b.String()]++
	return b.WithSuffix(fmt.Sprintf("_grad_autosplit_%d", g.splits[b.String()]))
}

// SetGrad registers grad as the gradient of b. A second registration for the
// same blob accumulates: an Add of the two contributions is emitted into the
// original gradient blob. Sparse gradients cannot be accumulated.
func (g *GradientBuilder) SetGrad(b BlobRef, grad Ref) {
	existing, found := g.grads[b.String()]
	if !found {
		g.grads[b.String()] = grad
		return
	}
	existingDense, ok1 := existing.(BlobRef)
	newDense, ok2 := grad.(BlobRef)
	if !ok1 || !ok2 {
		panicf(ErrGradient, "cannot accumulate sparse gradients for blob %s", b)
	}
	g.Emit(b.Device(), OpAdd, []BlobRef{existingDense, newDense}, []BlobRef{existingDense})
}

// Emit appends a backward operator to the net being differentiated.
func (g *GradientBuilder) Emit(device Device, opType string, inputs, outputs []BlobRef) *Operator {
	return g.net.AddOp(BuildContext{Device: device}, opType, inputs, outputs)
}

// AddGradientOperators runs the backward pass over the net: operators are
// visited in reverse emission order and each emits its gradient operators
// through its registered GradientFn. Seeds provide the gradients of the loss
// blobs the walk starts from.
//
// The returned map is keyed by full blob name and holds the gradient (dense
// BlobRef or sparse GradientSlice) of every blob reached by the walk.
//
// A net can only be differentiated once; a second call panics with
// ErrAlreadyDifferentiated. The emitted backward operators become part of
// the net, and there is no supported way to unpick them.
func (n *Net) AddGradientOperators(seeds []GradientSeed) map[string]Ref {
	if n.differentiated {
		panicf(ErrAlreadyDifferentiated, "net %q", n.name)
	}
	n.differentiated = true

	g := &GradientBuilder{
		net:    n,
		grads:  make(map[string]Ref),
		splits: make(map[string]int),
	}
	for _, seed := range seeds {
		g.grads[seed.Loss.String()] = seed.Seed
	}

	forwardOps := n.ops // Backward ops are appended; walk only the forward prefix.
	for ii := len(forwardOps) - 1; ii >= 0; ii-- {
		op := forwardOps[ii]
		def, found := OperatorDefByType(op.Type)
		if !found {
			panicf(ErrUnknownOperator, "operator type %q in net %q", op.Type, n.name)
		}
		if def.Gradient != nil {
			def.Gradient(op, g)
		}
	}
	return g.grads
}
