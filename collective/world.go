// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package collective

import (
	"sync"

	"github.com/pkg/errors"
)

// world is the in-process bus behind a CommonWorld: a barrier plus an
// accumulator shared by all shard goroutines of one world key.
type world struct {
	mu   sync.Mutex
	cond sync.Cond
	size int

	// phase increases once per completed round; joiners wait on it.
	phase   int
	joined  int
	readers int

	accum  [][]float32
	accErr error
}

var (
	worldsMu sync.Mutex
	worlds   = make(map[string]*world)
)

// joinWorld returns the process-wide world for the key, creating it on first
// use. All shards of a world must agree on its size.
func joinWorld(key string, size int) (*world, error) {
	worldsMu.Lock()
	defer worldsMu.Unlock()
	w, found := worlds[key]
	if !found {
		w = &world{size: size}
		w.cond.L = &w.mu
		worlds[key] = w
		return w, nil
	}
	if w.size != size {
		return nil, errors.Errorf("world %q joined with size %d, but was created with size %d", key, size, w.size)
	}
	return w, nil
}

// round runs one barrier round: every shard contributes, the last arrival
// closes the round, and every shard reads the result before the next round
// can start.
//
// contribute is called under the world lock once per shard; read is called
// under the lock after all shards contributed.
func (w *world) round(contribute, read func()) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// A shard re-entering for the next round must not disturb readers still
	// draining the previous one.
	for w.readers > 0 {
		w.cond.Wait()
	}

	contribute()
	w.joined++
	if w.joined == w.size {
		w.joined = 0
		w.readers = w.size
		w.phase++
		w.cond.Broadcast()
	} else {
		myPhase := w.phase
		for w.phase == myPhase {
			w.cond.Wait()
		}
	}

	err := w.accErr
	if err == nil {
		read()
		err = w.accErr
	}
	w.readers--
	if w.readers == 0 {
		w.accErr = nil
		w.cond.Broadcast()
	}
	return err
}

// allReduce sums contribution into the round accumulator and copies the
// total back out. All shards must contribute equal-length buffers.
func (w *world) allReduce(contribution []float32) error {
	return w.round(
		func() {
			if w.joined == 0 { // First contribution of the round.
				w.accum = [][]float32{append([]float32(nil), contribution...)}
				return
			}
			sum := w.accum[0]
			if len(sum) != len(contribution) {
				w.accErr = errors.Errorf(
					"allreduce contributions disagree on length: %d vs %d", len(sum), len(contribution))
				return
			}
			for ii, v := range contribution {
				sum[ii] += v
			}
		},
		func() {
			copy(contribution, w.accum[0])
		},
	)
}

// broadcast distributes rank 0's buffer to every shard.
func (w *world) broadcast(rank int, buffer []float32) error {
	return w.round(
		func() {
			if rank == 0 {
				w.accum = [][]float32{append([]float32(nil), buffer...)}
			}
		},
		func() {
			src := w.accum[0]
			if len(src) != len(buffer) {
				w.accErr = errors.Errorf(
					"broadcast buffer length mismatch on rank %d: %d vs %d", rank, len(buffer), len(src))
				return
			}
			copy(buffer, src)
		},
	)
}
