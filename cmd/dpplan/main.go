// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// dpplan builds a data-parallel training plan for a toy linear model, prints
// a summary of the generated nets and runs a few simulated training steps
// with the in-process executor.
//
// Example:
//
//	dpplan --devices=8 --steps=200 --checkpoint_every=50
//	dpplan --devices=4 --bmuf --block_steps=10
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/gradlab/dataparallel/checkpoints"
	"github.com/gradlab/dataparallel/distributed"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/graph/workspace"
	"github.com/gradlab/dataparallel/kvstore"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagDevices         = flag.Int("devices", 4, "Number of accelerator devices to parallelize over.")
	flagSteps           = flag.Int("steps", 100, "Number of training steps to simulate.")
	flagLearningRate    = flag.Float64("learning_rate", 0.1, "SGD learning rate.")
	flagCollective      = flag.Bool("collective", false, "Use fused collective all-reduce instead of reduction trees.")
	flagBMUF            = flag.Bool("bmuf", false, "Use block-wise model update filtering instead of per-step reduction.")
	flagBlockSteps      = flag.Int("block_steps", 10, "Steps per block when --bmuf is set.")
	flagCheckpointEvery = flag.Int("checkpoint_every", 0, "Save a checkpoint every N steps (0 disables).")
	flagCheckpointDir   = flag.String("checkpoint_dir", "", "Directory for checkpoints; empty keeps them in memory.")
)

const paramSize = 8

// buildInput loads one replica's input. The toy pipeline fills a constant
// batch; a real job would read from its data source here.
func buildInput(model *distributed.Model, ctx graph.BuildContext) {
	model.Step.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{ctx.Blob("data")}).
		WithIntArg(graph.ArgSize, paramSize).
		WithFloatArg(graph.ArgValue, 0.5)
}

// buildForward builds a linear model with a single weight vector and a
// sum-of-products loss.
func buildForward(model *distributed.Model, ctx graph.BuildContext, lossScale float64) []graph.BlobRef {
	w := ctx.Blob("w")
	model.Init.AddOp(ctx, graph.OpConstantFill, nil, []graph.BlobRef{w}).
		WithIntArg(graph.ArgSize, paramSize).
		WithFloatArg(graph.ArgValue, 1)
	model.AddParam(w)

	xw := ctx.Blob("xw")
	model.Step.AddOp(ctx, graph.OpMul, []graph.BlobRef{ctx.Blob("data"), w}, []graph.BlobRef{xw})
	total := ctx.Blob("loss_pre")
	model.Step.AddOp(ctx, graph.OpSumElements, []graph.BlobRef{xw}, []graph.BlobRef{total})
	loss := ctx.Blob("loss")
	model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{total}, []graph.BlobRef{loss}).
		WithFloatArg(graph.ArgScale, lossScale)
	return []graph.BlobRef{loss}
}

// buildUpdate applies plain SGD to every parameter of the replica.
func buildUpdate(model *distributed.Model, ctx graph.BuildContext) {
	for _, param := range model.Params() {
		if param.Device() != ctx.Device {
			continue
		}
		grad, found := model.GradientOf(param)
		if !found {
			continue
		}
		gradBlob := grad.(graph.BlobRef)
		step := param.WithSuffix("_step")
		model.Step.AddOp(ctx, graph.OpScale, []graph.BlobRef{gradBlob}, []graph.BlobRef{step}).
			WithFloatArg(graph.ArgScale, -*flagLearningRate)
		model.Step.AddOp(ctx, graph.OpAdd, []graph.BlobRef{param, step}, []graph.BlobRef{param})
	}
}

func netSummary(net *graph.Net) string {
	data, err := net.Serialize()
	if err != nil {
		return fmt.Sprintf("%s: %d operators (serialization failed: %v)", net.Name(), len(net.Operators()), err)
	}
	return fmt.Sprintf("%s: %d operators, %s serialized", net.Name(), len(net.Operators()), humanize.Bytes(uint64(len(data))))
}

func run() error {
	if *flagBlockSteps <= 0 {
		*flagBlockSteps = 1
	}
	devices := make([]graph.Device, *flagDevices)
	for ii := range devices {
		devices[ii] = graph.AcceleratorDevice(ii)
	}

	model := distributed.NewModel("toy")
	var plan *distributed.Plan
	var err error
	if *flagBMUF {
		plan, err = distributed.ParallelizeBMUF(model, devices,
			buildInput, buildForward, buildUpdate,
			distributed.BMUFOptions{Options: distributed.DefaultOptions()})
	} else {
		options := distributed.DefaultOptions()
		options.UseCollectiveAllReduce = *flagCollective
		plan, err = distributed.Parallelize(model, devices,
			buildInput, buildForward, buildUpdate, nil, options)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Plan for %d device(s):\n", len(devices))
	for _, net := range plan.InitNets() {
		fmt.Printf("  init     %s\n", netSummary(net))
	}
	for _, net := range plan.StepNets() {
		fmt.Printf("  step     %s\n", netSummary(net))
	}
	for _, net := range plan.PeriodicNets() {
		fmt.Printf("  periodic %s\n", netSummary(net))
	}
	fmt.Printf("  params=%v grads=%v sync=%v\n", plan.ParamNames(), plan.GradNames(), plan.SyncNames())

	var ckptStore kvstore.Store = kvstore.NewMemStore()
	if *flagCheckpointDir != "" {
		fileStore, err := kvstore.NewFileStore(*flagCheckpointDir)
		if err != nil {
			return err
		}
		ckptStore = fileStore
	}
	ckpt := checkpoints.New(ckptStore, model.Name)

	ctx := context.Background()
	ws := workspace.New()
	for _, net := range plan.InitNets() {
		if err := ws.RunNet(ctx, net); err != nil {
			return err
		}
	}

	bar := progressbar.Default(int64(*flagSteps), "Training")
	for step := 1; step <= *flagSteps; step++ {
		for _, net := range plan.StepNets() {
			if err := ws.RunNet(ctx, net); err != nil {
				return err
			}
		}
		if *flagBMUF && step%*flagBlockSteps == 0 {
			for _, net := range plan.PeriodicNets() {
				if err := ws.RunNet(ctx, net); err != nil {
					return err
				}
			}
		}
		if *flagCheckpointEvery > 0 && step%*flagCheckpointEvery == 0 {
			if err := ckpt.Save(ws, plan.CheckpointParams(), step); err != nil {
				return err
			}
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	for _, device := range devices {
		for _, loss := range plan.Losses(device) {
			if values, found := ws.Blob(loss.String()); found {
				fmt.Printf("%s = %v\n", loss, values)
			}
		}
	}
	return nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dpplan: %+v\n", err)
		os.Exit(1)
	}
}
