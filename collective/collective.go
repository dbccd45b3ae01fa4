// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package collective defines the collective-communication engines the
// distributed runtime reduces and broadcasts through.
//
// Engines are registered by name; the engine string carried in the
// rendezvous configuration selects one, and an unrecognized string is a
// fatal configuration error. Engine capabilities (device memory, fused
// collectives, cross-host reach) decide which reduction path the graph
// builder emits.
//
// The engines in this package move data over an in-process bus: shards are
// goroutines sharing the process, and the rendezvous key exchange still goes
// through the kvstore. The wire discipline (rendezvous, barriers, rank
// matching) is identical to a networked engine's, which is what the
// orchestrator and its tests exercise.
package collective

import (
	"context"
	"fmt"

	"github.com/gradlab/dataparallel/internal/xslices"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/pkg/errors"
)

// ErrUnsupportedEngine is returned for engine names outside the registry, or
// for operations an engine does not support.
var ErrUnsupportedEngine = errors.New("unsupported collective engine")

// WorldParams parameterize the creation of a common world.
type WorldParams struct {
	// RunID identifies the training job; worlds of different jobs never mix.
	RunID string

	// Name of the world within the job, e.g. "allreduce_0_cw".
	Name string

	// Size is the number of shards (processes) in the world.
	Size int

	// Rank of this shard, in [0, Size).
	Rank int
}

// Key returns the globally unique identifier of the world.
func (p WorldParams) Key() string {
	return p.RunID + "/" + p.Name
}

// CommonWorld is an established multi-process communication group. It is
// created once per logical operation group and reused; creation is costly
// (a full rendezvous) and must happen in the same order on every shard.
type CommonWorld struct {
	Params WorldParams

	world *world
}

// String implements fmt.Stringer.
func (cw *CommonWorld) String() string {
	return fmt.Sprintf("%s[%d/%d]", cw.Params.Key(), cw.Params.Rank, cw.Params.Size)
}

// Engine is one collective-communication implementation.
type Engine interface {
	// Name is the registered engine identifier, e.g. "gloo".
	Name() string

	// SupportsDeviceMemory reports whether collectives can read and write
	// accelerator blobs directly. Engines without it require staging through
	// host memory.
	SupportsDeviceMemory() bool

	// SupportsFusedCollectives reports whether one AllReduce call can reduce
	// across local devices and across hosts at once.
	SupportsFusedCollectives() bool

	// SupportsCrossHost reports whether the engine can form common worlds
	// spanning processes at all.
	SupportsCrossHost() bool

	// CreateCommonWorld performs the rendezvous for one world: it announces
	// this shard through the key-exchange store, waits for all peers, and
	// returns the established world.
	CreateCommonWorld(ctx context.Context, kv kvstore.Store, params WorldParams) (*CommonWorld, error)

	// AllReduce sums the buffers elementwise across all local buffers and,
	// when cw spans more than one shard, across shards. Every buffer ends up
	// holding the total.
	AllReduce(cw *CommonWorld, buffers [][]float32) error

	// Broadcast distributes rank 0's buffer contents to every shard.
	Broadcast(cw *CommonWorld, buffer []float32) error
}

var registeredEngines = make(map[string]Engine)

// Register an engine under its name. Meant to be called at package
// initialization; registering a duplicate name panics.
func Register(engine Engine) {
	name := engine.Name()
	if _, found := registeredEngines[name]; found {
		panic(errors.Wrapf(ErrUnsupportedEngine, "engine %q registered twice", name))
	}
	registeredEngines[name] = engine
}

// Get returns the engine registered under name.
func Get(name string) (Engine, error) {
	engine, found := registeredEngines[name]
	if !found {
		return nil, errors.Wrapf(ErrUnsupportedEngine, "engine %q (registered: %v)", name,
			xslices.SortedKeys(registeredEngines))
	}
	return engine, nil
}
