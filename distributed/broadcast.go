// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"sort"

	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// broadcastWorldKey names the single common world shared by all cross-host
// broadcast operations. Broadcasts execute sequentially, so one world
// suffices and saves the rendezvous cost of per-parameter worlds.
const broadcastWorldKey = "broadcast_cw"

// broadcaster propagates the master device's value of a logical name to
// every other replica, and across hosts when a rendezvous is configured.
// It serves initial parameter sync, post-checkpoint resync, and the
// computed-parameter sync.
type broadcaster struct {
	rs          *ReplicaSet
	grouping    *Grouping
	rendezvous  *Rendezvous
	engine      collective.Engine // resolved engine, nil when single-host
	coordinator *Coordinator
}

// denseReplica fetches the replica and requires it to be a dense blob;
// gradient slices cannot be broadcast.
func (b *broadcaster) denseReplica(name string, device graph.Device) graph.BlobRef {
	ref, err := b.grouping.Replica(name, device)
	if err != nil {
		panic(err)
	}
	dense, ok := ref.(graph.BlobRef)
	if !ok {
		panicf(ErrConfiguration, "cannot broadcast gradient slice %q", name)
	}
	return dense
}

// broadcastLocal copies the master device's replica of the logical name to
// every other device.
func (b *broadcaster) broadcastLocal(net *graph.Net, name string) {
	master := b.denseReplica(name, b.rs.Master())
	for _, device := range b.rs.Devices()[1:] {
		replica := b.denseReplica(name, device)
		net.AddOp(graph.OnDevice(device), graph.OpCopy,
			[]graph.BlobRef{master}, []graph.BlobRef{replica})
	}
}

// syncAll broadcasts every given logical name from the master device.
func (b *broadcaster) syncAll(net *graph.Net, names []string) {
	for _, name := range names {
		b.broadcastLocal(net, name)
	}
}

// distributedSync broadcasts the master replica of every given name across
// hosts (rank 0 is the source), then locally. Names are iterated in sorted
// order so every shard creates the broadcast world and emits the collective
// calls in the same relative order.
//
// Engines that cannot touch accelerator memory get the staged path: copy
// down to the host, broadcast there, copy back up.
func (b *broadcaster) distributedSync(initNet, net *graph.Net, names []string) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	masterCtx := graph.OnDevice(b.rs.Master())
	hostCtx := graph.OnHost()
	for _, name := range sorted {
		master := b.denseReplica(name, b.rs.Master())
		if b.engine.SupportsDeviceMemory() {
			world := b.coordinator.CommonWorld(initNet, masterCtx, broadcastWorldKey)
			net.AddOp(masterCtx, graph.OpBroadcast,
				[]graph.BlobRef{world.Blob, master}, []graph.BlobRef{master}).
				WithEngine(b.rendezvous.Engine)
			continue
		}
		// The cross-host engine only operates on host memory: stage through
		// the host and copy back out.
		world := b.coordinator.CommonWorld(initNet, hostCtx, broadcastWorldKey)
		staged := hostCtx.Blob(master.LogicalName() + "_host")
		net.AddOp(masterCtx, graph.OpCopyDeviceToHost,
			[]graph.BlobRef{master}, []graph.BlobRef{staged})
		net.AddOp(hostCtx, graph.OpBroadcast,
			[]graph.BlobRef{world.Blob, staged}, []graph.BlobRef{staged}).
			WithEngine(b.rendezvous.Engine)
		net.AddOp(masterCtx, graph.OpCopyHostToDevice,
			[]graph.BlobRef{staged}, []graph.BlobRef{master})
	}
}

// broadcastComputedParams synchronizes computed (non-gradient) parameters by
// copying from the master device. True averaging would be more accurate, but
// copy-from-master is the deliberate robustness trade-off; and the cross-host
// variant is unimplemented -- multi-host jobs degrade to the single-host copy
// with a warning rather than failing.
func (b *broadcaster) broadcastComputedParams(net *graph.Net, names []string) {
	if b.rendezvous != nil {
		klog.Warning("cross-host computed-parameter synchronization is not implemented; " +
			"falling back to a single-host master-device copy")
	}
	if b.rs.Size() == 1 {
		return
	}
	for _, name := range names {
		b.broadcastLocal(net, name)
	}
}

// resolveEngine caches the collective engine of the rendezvous, if any.
func (b *broadcaster) resolveEngine() error {
	if b.rendezvous == nil {
		return nil
	}
	engine, err := collective.Get(b.rendezvous.Engine)
	if err != nil {
		return errors.Wrap(err, "resolving broadcast engine")
	}
	b.engine = engine
	return nil
}
