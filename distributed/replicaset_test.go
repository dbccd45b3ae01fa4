// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"fmt"
	"testing"

	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReplicaSet(t *testing.T) {
	_, err := distributed.NewReplicaSet(nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConfiguration)

	_, err = distributed.NewReplicaSet([]graph.Device{
		graph.AcceleratorDevice(0), graph.AcceleratorDevice(0)})
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConfiguration)

	rs, err := distributed.NewReplicaSet(accelerators(3))
	require.NoError(t, err)
	assert.Equal(t, 3, rs.Size())
	assert.Equal(t, graph.AcceleratorDevice(0), rs.Master())
	assert.Equal(t, accelerators(3), rs.Devices())
}

// buildRefs returns numNames blobs per device, in device-major order: the
// order per-device replication naturally produces.
func buildRefs(devices []graph.Device, numNames int) []graph.Ref {
	var refs []graph.Ref
	for _, device := range devices {
		ctx := graph.OnDevice(device)
		for k := 0; k < numNames; k++ {
			refs = append(refs, ctx.Blob(fmt.Sprintf("p%d", k)))
		}
	}
	return refs
}

func TestGroupEvenPartition(t *testing.T) {
	for _, numDevices := range []int{1, 2, 3, 4, 5, 8, 16} {
		for _, numNames := range []int{1, 3} {
			t.Run(fmt.Sprintf("%d_devices_%d_names", numDevices, numNames), func(t *testing.T) {
				devices := accelerators(numDevices)
				rs, err := distributed.NewReplicaSet(devices)
				require.NoError(t, err)

				grouping, err := rs.Group(buildRefs(devices, numNames), 0)
				require.NoError(t, err)
				require.Len(t, grouping.Names(), numNames)
				for k, name := range grouping.Names() {
					assert.Equal(t, fmt.Sprintf("p%d", k), name)
					for _, device := range devices {
						ref, err := grouping.Replica(name, device)
						require.NoError(t, err)
						assert.Equal(t, device, ref.Device())
						assert.Equal(t, name, ref.LogicalName())
					}
				}
			})
		}
	}
}

func TestGroupUnevenPartitionFails(t *testing.T) {
	devices := accelerators(2)
	rs, err := distributed.NewReplicaSet(devices)
	require.NoError(t, err)

	refs := buildRefs(devices, 2)
	refs = append(refs, graph.OnDevice(devices[0]).Blob("extra"))
	_, err = rs.Group(refs, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConfiguration)
}

func TestGroupExcludedPrefix(t *testing.T) {
	devices := accelerators(2)
	rs, err := distributed.NewReplicaSet(devices)
	require.NoError(t, err)

	// Two shared (non-data-parallel) blobs precede the replicated ones.
	host := graph.OnHost()
	refs := []graph.Ref{host.Blob("shared_a"), host.Blob("shared_b")}
	refs = append(refs, buildRefs(devices, 2)...)

	grouping, err := rs.Group(refs, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"p0", "p1"}, grouping.Names())
	assert.False(t, grouping.Has("shared_a"))
}

func TestGroupOrderMismatchFails(t *testing.T) {
	devices := accelerators(2)
	rs, err := distributed.NewReplicaSet(devices)
	require.NoError(t, err)

	d0, d1 := graph.OnDevice(devices[0]), graph.OnDevice(devices[1])
	// Device 1 built its parameters in the opposite order.
	refs := []graph.Ref{d0.Blob("p0"), d0.Blob("p1"), d1.Blob("p1"), d1.Blob("p0")}
	_, err = rs.Group(refs, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConsistency)
}

func TestGroupWrongDeviceFails(t *testing.T) {
	devices := accelerators(2)
	rs, err := distributed.NewReplicaSet(devices)
	require.NoError(t, err)

	d0 := graph.OnDevice(devices[0])
	// Both replicas claim device 0.
	refs := []graph.Ref{d0.Blob("p0"), d0.Blob("p0")}
	_, err = rs.Group(refs, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConsistency)
}

func TestGroupingMergeAndLookups(t *testing.T) {
	devices := accelerators(2)
	rs, err := distributed.NewReplicaSet(devices)
	require.NoError(t, err)

	a, err := rs.Group(buildRefs(devices, 1), 0)
	require.NoError(t, err)

	d0, d1 := graph.OnDevice(devices[0]), graph.OnDevice(devices[1])
	b, err := rs.Group([]graph.Ref{d0.Blob("q"), d1.Blob("q")}, 0)
	require.NoError(t, err)

	a.Merge(b)
	assert.Equal(t, []string{"p0", "q"}, a.Names())

	ordered, err := a.OrderedReplicas("q", devices)
	require.NoError(t, err)
	require.Len(t, ordered, 2)
	assert.Equal(t, "gpu_0/q", ordered[0].(graph.BlobRef).String())
	assert.Equal(t, "gpu_1/q", ordered[1].(graph.BlobRef).String())

	_, err = a.Replica("nope", devices[0])
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConsistency)
	_, err = a.Replica("q", graph.AcceleratorDevice(9))
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrConsistency)
}

func TestValidateUnique(t *testing.T) {
	d0 := graph.OnDevice(graph.AcceleratorDevice(0))
	w := d0.Blob("w")
	require.NoError(t, distributed.ValidateUnique([]graph.Ref{w, d0.Blob("b")}))

	err := distributed.ValidateUnique([]graph.Ref{w, d0.Blob("b"), w})
	require.Error(t, err)
	assert.ErrorIs(t, err, distributed.ErrDuplicateParameter)
}
