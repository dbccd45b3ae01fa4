// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package checkpoints_test

import (
	"context"
	"testing"

	"github.com/gradlab/dataparallel/checkpoints"
	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	handler := checkpoints.New(kvstore.NewMemStore(), "job-1")
	ws := workspace.New()
	ws.SetBlob("gpu_0/w", []float32{1, 2, 3})
	ws.SetBlob("iteration", []float32{42})

	found, err := handler.Has(7)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, handler.Save(ws, []string{"gpu_0/w", "iteration"}, 7))
	found, err = handler.Has(7)
	require.NoError(t, err)
	assert.True(t, found)

	restored := workspace.New()
	names, found, err := handler.Load(restored, 7)
	require.NoError(t, err)
	require.True(t, found)
	assert.ElementsMatch(t, []string{"gpu_0/w", "iteration"}, names)
	values, ok := restored.Blob("gpu_0/w")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, values)

	// Epochs don't bleed into each other.
	_, found, err = handler.Load(workspace.New(), 8)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveMissingBlobFails(t *testing.T) {
	handler := checkpoints.New(kvstore.NewMemStore(), "job-1")
	err := handler.Save(workspace.New(), []string{"gpu_0/ghost"}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
}

func TestHandlersAreNamespacedByPrefix(t *testing.T) {
	kv := kvstore.NewMemStore()
	a := checkpoints.New(kv, "job-a")
	b := checkpoints.New(kv, "job-b")

	ws := workspace.New()
	ws.SetBlob("w", []float32{1})
	require.NoError(t, a.Save(ws, []string{"w"}, 1))

	found, err := b.Has(1)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestTrainingResume exercises the full save / crash / restore / finalize
// cycle against a real plan.
func TestTrainingResume(t *testing.T) {
	buildPlan := func() *distributed.Plan {
		model := distributed.NewModel("resume")
		forward := func(model *distributed.Model, ctx graph.BuildContext, lossScale float64) []graph.BlobRef {
			w := ctx.Blob("w")
			model.Init.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{w}).
				WithIntArg(graph.ArgSize, 4).
				WithFloatArg(graph.ArgValue, 1)
			model.AddParam(w)
			xw := ctx.Blob("xw")
			model.Step.AddOp(ctx, graph.OpMul, []graph.BlobRef{ctx.Blob("data"), w}, []graph.BlobRef{xw})
			total := ctx.Blob("loss_pre")
			model.Step.AddOp(ctx, graph.OpSumElements, []graph.BlobRef{xw}, []graph.BlobRef{total})
			loss := ctx.Blob("loss")
			model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{total}, []graph.BlobRef{loss}).
				WithFloatArg(graph.ArgScale, lossScale)
			return []graph.BlobRef{loss}
		}
		input := func(model *distributed.Model, ctx graph.BuildContext) {
			model.Step.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{ctx.Blob("data")}).
				WithIntArg(graph.ArgSize, 4).
				WithFloatArg(graph.ArgValue, 0.5)
		}
		update := func(model *distributed.Model, ctx graph.BuildContext) {
			for _, param := range model.Params() {
				if param.Device() != ctx.Device {
					continue
				}
				grad, found := model.GradientOf(param)
				if !found {
					continue
				}
				step := param.WithSuffix("_step")
				model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{grad.(graph.BlobRef)}, []graph.BlobRef{step}).
					WithFloatArg(graph.ArgScale, -0.1)
				model.Step.AddOp(ctx, graph.OpAdd, []graph.BlobRef{param, step}, []graph.BlobRef{param})
			}
		}
		plan, err := distributed.Parallelize(model, []graph.Device{
			graph.AcceleratorDevice(0), graph.AcceleratorDevice(1)},
			input, forward, update, nil, distributed.DefaultOptions())
		require.NoError(t, err)
		return plan
	}

	ctx := context.Background()
	kv := kvstore.NewMemStore()
	handler := checkpoints.New(kv, "resume")

	// First run: train two steps, checkpoint, train one more.
	plan := buildPlan()
	ws := workspace.New()
	for _, net := range plan.InitNets() {
		require.NoError(t, ws.RunNet(ctx, net))
	}
	for s := 0; s < 2; s++ {
		for _, net := range plan.StepNets() {
			require.NoError(t, ws.RunNet(ctx, net))
		}
	}
	saved, _ := ws.Blob("gpu_0/w")
	savedCopy := append([]float32(nil), saved...)
	require.NoError(t, handler.Save(ws, plan.CheckpointParams(), 2))
	for _, net := range plan.StepNets() {
		require.NoError(t, ws.RunNet(ctx, net))
	}

	// Second run: fresh process, fresh plan, restore epoch 2.
	plan2 := buildPlan()
	ws2 := workspace.New()
	for _, net := range plan2.InitNets() {
		require.NoError(t, ws2.RunNet(ctx, net))
	}
	names, found, err := handler.Load(ws2, 2)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []string{"gpu_0/w"}, names)

	// Only the master replica was restored; finalization fans it out.
	require.NoError(t, plan2.FinalizeAfterCheckpoint(ctx, ws2, nil))
	for _, name := range []string{"gpu_0/w", "gpu_1/w"} {
		values, ok := ws2.Blob(name)
		require.True(t, ok)
		assert.Equal(t, savedCopy, values, name)
	}
}
