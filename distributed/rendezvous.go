// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/google/uuid"
	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/pkg/errors"
)

// Rendezvous configures multi-host training: how this process finds its
// peers and which collective engine moves the data. A nil *Rendezvous means
// single-host training.
type Rendezvous struct {
	// RunID distinguishes this training job from any other sharing the
	// key-exchange store. All shards must agree on it.
	RunID string

	// NumShards is the number of participating processes. Cross-host
	// reduction needs at least 2.
	NumShards int

	// ShardRank is this process's rank, in [0, NumShards).
	ShardRank int

	// Engine is the collective engine identifier (see package collective).
	Engine string

	// KV is the shared key-exchange store the rendezvous goes through.
	KV kvstore.Store
}

// NewRendezvous returns a rendezvous configuration with a fresh RunID.
func NewRendezvous(numShards, shardRank int, engine string, kv kvstore.Store) *Rendezvous {
	return &Rendezvous{
		RunID:     uuid.NewString(),
		NumShards: numShards,
		ShardRank: shardRank,
		Engine:    engine,
		KV:        kv,
	}
}

// validate checks the configuration and resolves the engine. An unknown
// engine or a shard count below 2 is fatal.
func (r *Rendezvous) validate() (collective.Engine, error) {
	engine, err := collective.Get(r.Engine)
	if err != nil {
		return nil, err
	}
	if r.NumShards < 2 {
		return nil, errors.Wrapf(ErrConfiguration,
			"distributed training needs more than one shard, got %d", r.NumShards)
	}
	if r.ShardRank < 0 || r.ShardRank >= r.NumShards {
		return nil, errors.Wrapf(ErrConfiguration,
			"shard rank %d out of range [0, %d)", r.ShardRank, r.NumShards)
	}
	if r.KV == nil {
		return nil, errors.Wrap(ErrConfiguration, "rendezvous needs a key-exchange store")
	}
	return engine, nil
}

// World is the build-time handle of one common world: the blob that will
// hold the established communication context at execution time.
type World struct {
	// Key is the logical world name the handle was created under.
	Key string

	// Blob holds the context once the init net ran.
	Blob graph.BlobRef
}

// Coordinator lazily creates and caches one common world per logical
// operation group.
//
// Creation is idempotent per key: the second request for a key returns the
// handle created by the first, by identity. Creating a duplicate world for
// the same operation group would desynchronize ranks, since every shard
// counts worlds, not calls.
//
// Callers must request worlds in the same relative order on every shard --
// in particular, any per-parameter iteration must be sorted by name before
// emitting distributed operations. The coordinator cannot detect an
// out-of-order mismatch across processes; it surfaces as a hang in the
// downstream collective, handled (if at all) by the execution runtime's
// timeout policy.
type Coordinator struct {
	rendezvous *Rendezvous
	worlds     map[string]*World
}

// NewCoordinator returns a coordinator for the rendezvous configuration.
func NewCoordinator(rendezvous *Rendezvous) *Coordinator {
	return &Coordinator{
		rendezvous: rendezvous,
		worlds:     make(map[string]*World),
	}
}

// NumWorlds returns the number of distinct worlds created so far.
func (c *Coordinator) NumWorlds() int { return len(c.worlds) }

// CommonWorld returns the world handle for the key, creating it on first
// use: a CreateCommonWorld operator is appended to initNet under ctx, and
// the resulting handle cached. Subsequent calls with the same key return the
// identical handle without touching the net.
func (c *Coordinator) CommonWorld(initNet *graph.Net, ctx graph.BuildContext, key string) *World {
	if world, found := c.worlds[key]; found {
		return world
	}
	blob := ctx.Blob(key)
	initNet.AddOp(ctx, graph.OpCreateCommonWorld, nil, []graph.BlobRef{blob}).
		WithEngine(c.rendezvous.Engine).
		WithStrArg(graph.ArgRunID, c.rendezvous.RunID).
		WithStrArg(graph.ArgWorldName, key).
		WithIntArg(graph.ArgWorldSize, int64(c.rendezvous.NumShards)).
		WithIntArg(graph.ArgWorldRank, int64(c.rendezvous.ShardRank))
	world := &World{Key: key, Blob: blob}
	c.worlds[key] = world
	return world
}
