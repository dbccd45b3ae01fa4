// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gradlab/dataparallel/collective"
	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMultiShardTraining simulates a two-host job: each shard goroutine
// builds its own plan (as each process would), runs it in its own workspace,
// and the shards meet through the shared key-exchange store and the
// collective bus.
func TestMultiShardTraining(t *testing.T) {
	for _, engine := range []string{collective.EngineGloo, collective.EngineMPI} {
		t.Run(engine, func(t *testing.T) {
			const numShards, numDevices = 2, 2
			kv := kvstore.NewMemStore()
			runID := uuid.NewString()

			type result struct {
				weights map[string][]float32
				err     error
			}
			results := make(chan result, numShards)
			for rank := 0; rank < numShards; rank++ {
				go func(rank int) {
					rendezvous := &distributed.Rendezvous{
						RunID:     runID,
						NumShards: numShards,
						ShardRank: rank,
						Engine:    engine,
						KV:        kv,
					}
					model := distributed.NewModel("toy")
					plan, err := distributed.Parallelize(model, accelerators(numDevices),
						toyInput, toyForward, toySGD(0.1), rendezvous, distributed.DefaultOptions())
					if err != nil {
						results <- result{err: err}
						return
					}

					ws := workspace.New()
					ws.KV = kv
					ctx := context.Background()
					for _, net := range plan.InitNets() {
						if err := ws.RunNet(ctx, net); err != nil {
							results <- result{err: fmt.Errorf("rank %d init: %w", rank, err)}
							return
						}
					}
					for _, net := range plan.StepNets() {
						if err := ws.RunNet(ctx, net); err != nil {
							results <- result{err: fmt.Errorf("rank %d step: %w", rank, err)}
							return
						}
					}

					weights := make(map[string][]float32)
					for _, device := range plan.Devices() {
						name := device.NameScope() + "/w0"
						values, found := ws.Blob(name)
						if !found {
							results <- result{err: fmt.Errorf("rank %d: blob %q missing", rank, name)}
							return
						}
						weights[name] = values
					}
					results <- result{weights: weights}
				}(rank)
			}

			// The gradient reduced across 2 shards x 2 devices is 0.5 per
			// element (see helpers_test.go), so every replica on every shard
			// must hold 1 - 0.1*0.5 = 0.95.
			for ii := 0; ii < numShards; ii++ {
				select {
				case res := <-results:
					require.NoError(t, res.err)
					require.Len(t, res.weights, numDevices)
					for name, values := range res.weights {
						assert.Equal(t, filled(toyParamSize, 0.95), values, name)
					}
				case <-time.After(30 * time.Second):
					t.Fatal("shards deadlocked")
				}
			}
		})
	}
}
