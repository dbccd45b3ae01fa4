// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package graph

// The operator allow-list. Everything the orchestrator, the builders used in
// tests, and the in-process executor understand is registered here; an
// operator type outside this list is rejected at AddOp time.

// Names of operator arguments used across the module.
const (
	ArgValue = "value" // ConstantFill fill value
	ArgSize  = "size"  // ConstantFill output size when there is no shape input
	ArgScale = "scale" // Scale multiplier
	ArgAxis  = "axis"  // Concat axis

	ArgWorldName = "world_name" // CreateCommonWorld: logical world name
	ArgWorldSize = "world_size" // CreateCommonWorld: number of shards
	ArgWorldRank = "world_rank" // CreateCommonWorld: this process's rank
	ArgRunID     = "run_id"     // CreateCommonWorld: rendezvous run identifier
)

// Operator type names.
const (
	OpConstantFill = "ConstantFill"
	OpIter         = "Iter"

	OpSum                 = "Sum"
	OpAdd                 = "Add"
	OpSub                 = "Sub"
	OpNegative            = "Negative"
	OpMul                 = "Mul"
	OpScale               = "Scale"
	OpSumElements         = "SumElements"
	OpSumElementsGradient = "SumElementsGradient"
	OpGather              = "Gather"

	OpCopy             = "Copy"
	OpConcat           = "Concat"
	OpCopyDeviceToHost = "CopyDeviceToHost"
	OpCopyHostToDevice = "CopyHostToDevice"

	OpCreateCommonWorld = "CreateCommonWorld"
	OpAllreduce         = "Allreduce"
	OpBroadcast         = "Broadcast"
	OpLocalAllreduce    = "LocalAllreduce"
)

func init() {
	RegisterOperator(OperatorDef{Type: OpConstantFill})
	RegisterOperator(OperatorDef{Type: OpIter})

	RegisterOperator(OperatorDef{Type: OpSum, Gradient: sumGradient})
	RegisterOperator(OperatorDef{Type: OpAdd, Gradient: sumGradient})
	RegisterOperator(OperatorDef{Type: OpSub, Gradient: subGradient})
	RegisterOperator(OperatorDef{Type: OpNegative, Gradient: negativeGradient})
	RegisterOperator(OperatorDef{Type: OpMul, Gradient: mulGradient})
	RegisterOperator(OperatorDef{Type: OpScale, Gradient: scaleGradient})
	RegisterOperator(OperatorDef{Type: OpSumElements, Gradient: sumElementsGradient})
	RegisterOperator(OperatorDef{Type: OpSumElementsGradient})
	RegisterOperator(OperatorDef{Type: OpGather, Gradient: gatherGradient})

	RegisterOperator(OperatorDef{Type: OpCopy, CrossDevice: true, Gradient: copyGradient})
	RegisterOperator(OperatorDef{Type: OpConcat, CrossDevice: true})
	RegisterOperator(OperatorDef{Type: OpCopyDeviceToHost, CrossDevice: true})
	RegisterOperator(OperatorDef{Type: OpCopyHostToDevice, CrossDevice: true})

	RegisterOperator(OperatorDef{Type: OpCreateCommonWorld, CrossDevice: true})
	RegisterOperator(OperatorDef{Type: OpAllreduce, CrossDevice: true})
	RegisterOperator(OperatorDef{Type: OpBroadcast, CrossDevice: true})
	RegisterOperator(OperatorDef{Type: OpLocalAllreduce, CrossDevice: true})
}

// sumGradient: every input of an elementwise sum receives a copy of the
// output gradient.
func sumGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	for _, in := range op.Inputs {
		gradIn := g.GradRef(in)
		g.Emit(op.DeviceOf, OpCopy, []BlobRef{gradOut}, []BlobRef{gradIn})
		g.SetGrad(in, gradIn)
	}
}

func subGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	grad0 := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpCopy, []BlobRef{gradOut}, []BlobRef{grad0})
	g.SetGrad(op.Inputs[0], grad0)

	grad1 := g.GradRef(op.Inputs[1])
	g.Emit(op.DeviceOf, OpNegative, []BlobRef{gradOut}, []BlobRef{grad1})
	g.SetGrad(op.Inputs[1], grad1)
}

func negativeGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	gradIn := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpNegative, []BlobRef{gradOut}, []BlobRef{gradIn})
	g.SetGrad(op.Inputs[0], gradIn)
}

func mulGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	grad0 := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpMul, []BlobRef{gradOut, op.Inputs[1]}, []BlobRef{grad0})
	g.SetGrad(op.Inputs[0], grad0)

	grad1 := g.GradRef(op.Inputs[1])
	g.Emit(op.DeviceOf, OpMul, []BlobRef{gradOut, op.Inputs[0]}, []BlobRef{grad1})
	g.SetGrad(op.Inputs[1], grad1)
}

func scaleGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	gradIn := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpScale, []BlobRef{gradOut}, []BlobRef{gradIn}).
		WithFloatArg(ArgScale, op.FloatArg(ArgScale, 1))
	g.SetGrad(op.Inputs[0], gradIn)
}

func copyGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	gradIn := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpCopy, []BlobRef{gradOut}, []BlobRef{gradIn})
	g.SetGrad(op.Inputs[0], gradIn)
}

func sumElementsGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	gradIn := g.GradRef(op.Inputs[0])
	g.Emit(op.DeviceOf, OpSumElementsGradient, []BlobRef{op.Inputs[0], gradOut}, []BlobRef{gradIn})
	g.SetGrad(op.Inputs[0], gradIn)
}

// gatherGradient produces a sparse gradient: the indices the forward pass
// gathered with, paired with the dense gradient of the gathered values. No
// backward operator is emitted, the pairing itself is the gradient.
func gatherGradient(op *Operator, g *GradientBuilder) {
	gradOut, ok := g.DenseGradOf(op.Outputs[0])
	if !ok {
		return
	}
	data, indices := op.Inputs[0], op.Inputs[1]
	g.SetGrad(data, GradientSlice{Indices: indices, Values: gradOut})
}
