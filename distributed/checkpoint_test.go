// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"context"
	"testing"

	"github.com/gradlab/dataparallel/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointParamsMinimalSet(t *testing.T) {
	model := distributed.NewModel("toy")
	plan, err := distributed.Parallelize(model, accelerators(4),
		toyInput, toyForwardMulti(2), toySGD(0.1), nil, distributed.DefaultOptions())
	require.NoError(t, err)

	// Only the master device's replicas are needed; the rest are
	// reconstructed by FinalizeAfterCheckpoint.
	assert.Equal(t, []string{"gpu_0/w0", "gpu_0/w1"}, plan.CheckpointParams())
}

func TestFinalizeAfterCheckpointResyncsReplicas(t *testing.T) {
	model := distributed.NewModel("toy")
	plan, err := distributed.Parallelize(model, accelerators(4),
		toyInput, toyForward, toySGD(0.1), nil, distributed.DefaultOptions())
	require.NoError(t, err)

	ws := runPlan(t, plan, 0)
	// Simulate a checkpoint load: only the master replica holds the loaded
	// values, the others are stale.
	ws.SetBlob("gpu_0/w0", filled(toyParamSize, 7))
	for _, name := range []string{"gpu_1/w0", "gpu_2/w0", "gpu_3/w0"} {
		ws.SetBlob(name, filled(toyParamSize, -1))
	}

	ctx := context.Background()
	require.NoError(t, plan.FinalizeAfterCheckpoint(ctx, ws, nil))
	for _, device := range plan.Devices() {
		assert.Equal(t, filled(toyParamSize, 7), blobOn(t, ws, device.NameScope()+"/w0"))
	}

	// Repeated finalization is harmless: the sync net is cached and
	// re-broadcasting equal values changes nothing.
	require.NoError(t, plan.FinalizeAfterCheckpoint(ctx, ws, nil))
	assert.Equal(t, filled(toyParamSize, 7), blobOn(t, ws, "gpu_3/w0"))
}

func TestFinalizeAfterCheckpointWithExtraBlobs(t *testing.T) {
	model := distributed.NewModel("toy")
	plan, err := distributed.Parallelize(model, accelerators(2),
		toyInput, toyForward, toySGD(0.1), nil, distributed.DefaultOptions())
	require.NoError(t, err)

	ws := runPlan(t, plan, 0)
	// An optimizer momentum blob saved with the checkpoint but not part of
	// the plan's sync set: it is grouped on the fly by replica scope.
	ws.SetBlob("gpu_0/momentum", []float32{1, 2, 3})
	ws.SetBlob("gpu_1/momentum", []float32{0, 0, 0})

	require.NoError(t, plan.FinalizeAfterCheckpoint(context.Background(), ws, []string{"w0", "momentum"}))
	assert.Equal(t, []float32{1, 2, 3}, blobOn(t, ws, "gpu_1/momentum"))
	assert.Equal(t, blobOn(t, ws, "gpu_0/w0"), blobOn(t, ws, "gpu_1/w0"))
}
