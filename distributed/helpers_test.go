// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/stretchr/testify/require"
)

// The toy model used across the package tests: per parameter w_k the loss is
// lossScale * sum(data * w_k), so with data filled with 0.5 and w_k with 1.0
// every element of the reduced gradient is 0.5 regardless of the device and
// shard counts (each replica contributes lossScale*0.5, and there are
// 1/lossScale replicas in total).

const toyParamSize = 4

func accelerators(n int) []graph.Device {
	devices := make([]graph.Device, n)
	for ii := range devices {
		devices[ii] = graph.AcceleratorDevice(ii)
	}
	return devices
}

func toyInput(model *distributed.Model, ctx graph.BuildContext) {
	model.Step.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{ctx.Blob("data")}).
		WithIntArg(graph.ArgSize, toyParamSize).
		WithFloatArg(graph.ArgValue, 0.5)
}

// toyForwardMulti returns a forward builder with numParams independent weight
// vectors, each with its own scalar loss.
func toyForwardMulti(numParams int) distributed.ForwardBuilderFn {
	return func(model *distributed.Model, ctx graph.BuildContext, lossScale float64) []graph.BlobRef {
		losses := make([]graph.BlobRef, 0, numParams)
		for k := 0; k < numParams; k++ {
			w := ctx.Blob(fmt.Sprintf("w%d", k))
			model.Init.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{w}).
				WithIntArg(graph.ArgSize, toyParamSize).
				WithFloatArg(graph.ArgValue, 1)
			model.AddParam(w)

			xw := ctx.Blob(fmt.Sprintf("xw%d", k))
			model.Step.AddOp(ctx, graph.OpMul, []graph.BlobRef{ctx.Blob("data"), w}, []graph.BlobRef{xw})
			total := ctx.Blob(fmt.Sprintf("loss%d_pre", k))
			model.Step.AddOp(ctx, graph.OpSumElements, []graph.BlobRef{xw}, []graph.BlobRef{total})
			loss := ctx.Blob(fmt.Sprintf("loss%d", k))
			model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{total}, []graph.BlobRef{loss}).
				WithFloatArg(graph.ArgScale, lossScale)
			losses = append(losses, loss)
		}
		return losses
	}
}

func toyForward(model *distributed.Model, ctx graph.BuildContext, lossScale float64) []graph.BlobRef {
	return toyForwardMulti(1)(model, ctx, lossScale)
}

// toySGD returns an update builder applying w -= lr*grad to every dense
// parameter of the device. Sparse gradients are left to the reduction stage
// and skipped here.
func toySGD(lr float64) distributed.UpdateBuilderFn {
	return func(model *distributed.Model, ctx graph.BuildContext) {
		for _, param := range model.Params() {
			if param.Device() != ctx.Device {
				continue
			}
			grad, found := model.GradientOf(param)
			if !found {
				continue
			}
			gradBlob, ok := grad.(graph.BlobRef)
			if !ok {
				continue
			}
			step := param.WithSuffix("_step")
			model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{gradBlob}, []graph.BlobRef{step}).
				WithFloatArg(graph.ArgScale, -lr)
			model.Step.AddOp(ctx, graph.OpAdd, []graph.BlobRef{param, step}, []graph.BlobRef{param})
		}
	}
}

// runPlan executes the plan's init nets and then the given number of steps in
// a fresh workspace.
func runPlan(t *testing.T, plan *distributed.Plan, steps int) *workspace.Workspace {
	t.Helper()
	ws := workspace.New()
	ctx := context.Background()
	for _, net := range plan.InitNets() {
		require.NoError(t, ws.RunNet(ctx, net))
	}
	for s := 0; s < steps; s++ {
		for _, net := range plan.StepNets() {
			require.NoError(t, ws.RunNet(ctx, net))
		}
	}
	return ws
}

// runStepOn runs one training step on an existing workspace.
func runStepOn(t *testing.T, ws *workspace.Workspace, plan *distributed.Plan) *workspace.Workspace {
	t.Helper()
	for _, net := range plan.StepNets() {
		require.NoError(t, ws.RunNet(context.Background(), net))
	}
	return ws
}

// blobOn fetches a blob and fails the test if it is missing.
func blobOn(t *testing.T, ws *workspace.Workspace, name string) []float32 {
	t.Helper()
	values, found := ws.Blob(name)
	require.True(t, found, "blob %q missing from workspace", name)
	return values
}

// filled returns a slice of the given length with every element set to v.
func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for ii := range out {
		out[ii] = v
	}
	return out
}
