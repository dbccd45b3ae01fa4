// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"context"
	"testing"

	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParallelizeBMUFStructure(t *testing.T) {
	model := distributed.NewModel("toy")
	plan, err := distributed.ParallelizeBMUF(model, accelerators(2),
		toyInput, toyForward, toySGD(0.1),
		distributed.BMUFOptions{Options: distributed.DefaultOptions()})
	require.NoError(t, err)

	// The global-model snapshot net runs after init; the update net runs at
	// block boundaries.
	assert.Len(t, plan.InitNets(), 2)
	require.Len(t, plan.PeriodicNets(), 1)

	// Within a block the replicas train independently: no reduction in the
	// step net, the parameter exchange lives in the periodic net.
	assert.Empty(t, plan.Model.Step.OperatorsByType(graph.OpSum))
	assert.NotEmpty(t, plan.PeriodicNets()[0].OperatorsByType(graph.OpSum))
}

func TestParallelizeBMUFRequiresUpdate(t *testing.T) {
	model := distributed.NewModel("toy")
	_, err := distributed.ParallelizeBMUF(model, accelerators(2),
		toyInput, toyForward, nil,
		distributed.BMUFOptions{Options: distributed.DefaultOptions()})
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConfiguration)
}

func TestBMUFBlockUpdate(t *testing.T) {
	model := distributed.NewModel("toy")
	plan, err := distributed.ParallelizeBMUF(model, accelerators(2),
		toyInput, toyForward, toySGD(0.1),
		distributed.BMUFOptions{Options: distributed.DefaultOptions()})
	require.NoError(t, err)

	ws := runPlan(t, plan, 0)
	// After init the global model mirrors the parameters and the block
	// momentum starts at zero.
	assert.Equal(t, filled(toyParamSize, 1), blobOn(t, ws, "gpu_0/w0_g"))
	assert.Equal(t, filled(toyParamSize, 0), blobOn(t, ws, "gpu_0/w0_v"))

	// One local step per replica: each sees gradient 0.25 per element
	// (lossScale 1/2 * data 0.5) and moves to 1 - 0.1*0.25 = 0.975.
	ws = runStepOn(t, ws, plan)
	for _, device := range plan.Devices() {
		assert.Equal(t, filled(toyParamSize, 0.975), blobOn(t, ws, device.NameScope()+"/w0"))
	}

	// Block boundary: avg(w) = 0.975, delta = avg - global = -0.025,
	// momentum = 0.5*0 + delta = -0.025, global = 1 - 0.025 = 0.975, and all
	// replicas restart from the global model.
	ctx := context.Background()
	for _, net := range plan.PeriodicNets() {
		require.NoError(t, ws.RunNet(ctx, net))
	}
	assert.InDeltaSlice(t, filled(toyParamSize, -0.025), blobOn(t, ws, "gpu_0/w0_v"), 1e-6)
	assert.InDeltaSlice(t, filled(toyParamSize, 0.975), blobOn(t, ws, "gpu_0/w0_g"), 1e-6)
	for _, device := range plan.Devices() {
		assert.InDeltaSlice(t, filled(toyParamSize, 0.975), blobOn(t, ws, device.NameScope()+"/w0"), 1e-6)
	}
}

func TestBMUFBlockMomentumCarriesOver(t *testing.T) {
	// With block momentum 0.5, two identical blocks give deltas d and
	// 0.5*d + d', so the momentum state must persist across boundaries.
	model := distributed.NewModel("toy")
	plan, err := distributed.ParallelizeBMUF(model, accelerators(2),
		toyInput, toyForward, toySGD(0.1),
		distributed.BMUFOptions{Options: distributed.DefaultOptions(), BlockMomentum: 0.5})
	require.NoError(t, err)

	ws := runPlan(t, plan, 0)
	ctx := context.Background()
	runBlock := func() {
		ws = runStepOn(t, ws, plan)
		for _, net := range plan.PeriodicNets() {
			require.NoError(t, ws.RunNet(ctx, net))
		}
	}
	runBlock()
	v1 := append([]float32(nil), blobOn(t, ws, "gpu_0/w0_v")...)
	runBlock()
	v2 := blobOn(t, ws, "gpu_0/w0_v")
	for ii := range v2 {
		assert.Less(t, v2[ii], 0.5*v1[ii]+1e-6,
			"momentum must accumulate the decayed previous block delta")
	}
}
