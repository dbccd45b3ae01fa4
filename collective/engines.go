// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"context"
	"fmt"

	"github.com/gradlab/dataparallel/kvstore"
	"github.com/pkg/errors"
)

// Engine identifiers recognized in rendezvous configurations.
const (
	// EngineGloo reaches across hosts, fuses cross-device and cross-host
	// reduction in one call, and can touch accelerator memory directly.
	EngineGloo = "gloo"

	// EngineMPI reaches across hosts but only over host memory, and cannot
	// fuse local reduction with the cross-host step: the builder emits the
	// staged local-sum / allreduce / local-broadcast sequence for it.
	EngineMPI = "mpi"

	// EngineNCCL is device-memory-only and host-local: it serves local
	// reductions and is combined with a cross-host engine for distributed
	// jobs.
	EngineNCCL = "nccl"
)

func init() {
	Register(&busEngine{name: EngineGloo, deviceMemory: true, fused: true, crossHost: true})
	Register(&busEngine{name: EngineMPI, deviceMemory: false, fused: false, crossHost: true})
	Register(&busEngine{name: EngineNCCL, deviceMemory: true, fused: false, crossHost: false})
}

// busEngine implements Engine over the in-process bus. The capability flags
// mirror the engine family it stands in for; the data movement is the same
// for all of them.
type busEngine struct {
	name         string
	deviceMemory bool
	fused        bool
	crossHost    bool
}

func (e *busEngine) Name() string                   { return e.name }
func (e *busEngine) SupportsDeviceMemory() bool     { return e.deviceMemory }
func (e *busEngine) SupportsFusedCollectives() bool { return e.fused }
func (e *busEngine) SupportsCrossHost() bool        { return e.crossHost }

// CreateCommonWorld implements Engine. Every rank announces itself in the
// key-exchange store and waits until all peers announced; only then is the
// world considered established. Ranks must call this in the same relative
// order for every world, or the job deadlocks in a later collective.
func (e *busEngine) CreateCommonWorld(ctx context.Context, kv kvstore.Store, params WorldParams) (*CommonWorld, error) {
	if !e.crossHost {
		return nil, errors.Wrapf(ErrUnsupportedEngine,
			"engine %q cannot form cross-host common worlds", e.name)
	}
	if params.Size < 2 {
		return nil, errors.Errorf("common world %q needs at least 2 shards, got %d", params.Key(), params.Size)
	}
	if params.Rank < 0 || params.Rank >= params.Size {
		return nil, errors.Errorf("common world %q rank %d out of range [0, %d)", params.Key(), params.Rank, params.Size)
	}

	base := "rendezvous/" + params.Key()
	self := fmt.Sprintf("%s/rank_%d", base, params.Rank)
	if err := kv.Set(self, []byte{byte(params.Rank)}); err != nil {
		return nil, errors.Wrapf(err, "announcing rank %d for world %q", params.Rank, params.Key())
	}
	for rank := 0; rank < params.Size; rank++ {
		if rank == params.Rank {
			continue
		}
		peer := fmt.Sprintf("%s/rank_%d", base, rank)
		if _, err := kv.Wait(ctx, peer); err != nil {
			return nil, errors.Wrapf(err, "world %q: rank %d never announced", params.Key(), rank)
		}
	}

	w, err := joinWorld(params.Key(), params.Size)
	if err != nil {
		return nil, err
	}
	return &CommonWorld{Params: params, world: w}, nil
}

// AllReduce implements Engine. A nil cw (or a single-shard world) reduces
// across the local buffers only.
func (e *busEngine) AllReduce(cw *CommonWorld, buffers [][]float32) error {
	if len(buffers) == 0 {
		return errors.New("allreduce needs at least one buffer")
	}
	total := append([]float32(nil), buffers[0]...)
	for _, buffer := range buffers[1:] {
		if len(buffer) != len(total) {
			return errors.Errorf("allreduce buffers disagree on length: %d vs %d", len(buffer), len(total))
		}
		for ii, v := range buffer {
			total[ii] += v
		}
	}

	if cw != nil && cw.Params.Size > 1 {
		if !e.crossHost {
			return errors.Wrapf(ErrUnsupportedEngine, "engine %q cannot allreduce across hosts", e.name)
		}
		if err := cw.world.allReduce(total); err != nil {
			return errors.Wrapf(err, "allreduce in world %s", cw)
		}
	}

	for _, buffer := range buffers {
		copy(buffer, total)
	}
	return nil
}

// Broadcast implements Engine.
func (e *busEngine) Broadcast(cw *CommonWorld, buffer []float32) error {
	if cw == nil || cw.Params.Size < 2 {
		return nil
	}
	if !e.crossHost {
		return errors.Wrapf(ErrUnsupportedEngine, "engine %q cannot broadcast across hosts", e.name)
	}
	if err := cw.world.broadcast(cw.Params.Rank, buffer); err != nil {
		return errors.Wrapf(err, "broadcast in world %s", cw)
	}
	return nil
}
