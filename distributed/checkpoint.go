// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"

	"github.com/gomlx/exceptions"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/gradlab/dataparallel/internal/xslices"
	"k8s.io/klog/v2"
)

// CheckpointParams returns the minimal set of blobs (by full name) needed
// for a complete checkpoint: the master device's members of the sync set,
// plus the shared host-scoped counters created by the init net. The other
// devices' replicas are reconstructed from these by FinalizeAfterCheckpoint.
func (p *Plan) CheckpointParams() []string {
	master := p.rs.Master()
	names := make(map[string]bool)
	for _, name := range p.syncNames {
		ref, err := p.grouping.Replica(name, master)
		if err != nil {
			continue
		}
		names[ref.(graph.BlobRef).String()] = true
	}
	for _, op := range p.Model.Init.Operators() {
		for _, out := range op.Outputs {
			if out.Device().Kind == graph.Host {
				names[out.String()] = true
			}
		}
	}
	return xslices.SortedKeys(names)
}

// FinalizeAfterCheckpoint restores cross-replica consistency after a
// checkpoint load: the loaded master-device values are broadcast to every
// other replica (and across hosts when a rendezvous is configured). It must
// be called once after any checkpoint load, before resuming training.
//
// blobNames lists the logical names to synchronize; nil means the plan's
// sync set. Names outside the sync set (momentum blobs and the like) are
// grouped on the fly.
//
// Repeated calls with the same blob set are harmless: the sync net is built
// once and cached, and re-broadcasting already-equal values is a no-op.
func (p *Plan) FinalizeAfterCheckpoint(ctx context.Context, ws *workspace.Workspace, blobNames []string) error {
	var builtNow bool
	err := exceptions.TryCatch[error](func() {
		builtNow = p.buildCheckpointNets(blobNames)
	})
	if err != nil {
		return err
	}
	if builtNow && p.checkpointInit != nil && len(p.checkpointInit.Operators()) > 0 {
		if err := ws.RunNet(ctx, p.checkpointInit); err != nil {
			return err
		}
	}
	klog.V(1).Infof("Running checkpoint sync net for plan %q", p.Model.Name)
	return ws.RunNet(ctx, p.checkpointSync)
}

// buildCheckpointNets builds and caches the checkpoint sync nets. Returns
// whether they were built by this call.
func (p *Plan) buildCheckpointNets(blobNames []string) bool {
	if p.checkpointSync != nil {
		return false
	}

	names := blobNames
	if names == nil {
		names = p.syncNames
	}
	// Names outside the grouping (e.g. optimizer momentum blobs saved with
	// the checkpoint) get replicas assumed at every device's scope.
	for _, name := range names {
		if p.grouping.Has(name) {
			continue
		}
		for _, device := range p.rs.Devices() {
			p.grouping.add(name, device, graph.OnDevice(device).Blob(name))
		}
	}

	klog.Infof("Creating checkpoint synchronization net for plan %q", p.Model.Name)
	p.checkpointSync = graph.NewNet(p.Model.Name + "_checkpoint_sync")
	bcaster := &broadcaster{
		rs:          p.rs,
		grouping:    p.grouping,
		rendezvous:  p.rendezvous,
		coordinator: p.coordinator,
	}
	if err := bcaster.resolveEngine(); err != nil {
		panic(err)
	}
	if p.rendezvous != nil {
		// Common worlds are cached by the coordinator, so this only emits
		// rendezvous operators if the plan never created the broadcast world.
		p.checkpointInit = graph.NewNet(p.Model.Name + "_checkpoint_init")
		bcaster.distributedSync(p.checkpointInit, p.checkpointSync, names)
	}
	bcaster.syncAll(p.checkpointSync, names)
	return true
}
