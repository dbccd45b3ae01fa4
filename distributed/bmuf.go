// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"github.com/gomlx/exceptions"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/internal/xslices"
	"k8s.io/klog/v2"
)

// BMUFOptions tune block-wise model update filtering plans.
type BMUFOptions struct {
	Options

	// BlockLearningRate scales the block-level model delta applied to the
	// global model. Zero means 1.
	BlockLearningRate float64

	// BlockMomentum is the decay applied to the block-level momentum before
	// adding the new delta. Zero means 1 - 1/numDevices.
	BlockMomentum float64
}

// ParallelizeBMUF builds a block-wise synchronized training plan: each
// replica trains independently for a block of steps (running the step net
// without any gradient exchange), and at every block boundary the periodic
// update net averages the replicas' parameters and folds the averaged delta
// into a momentum-filtered global model that all replicas restart from.
//
// Compared to Parallelize, this trades per-step gradient bandwidth for a
// periodic whole-parameter exchange. Only single-host plans are supported.
//
// Run order: InitNets once, then per block StepNets repeatedly followed by
// one pass over PeriodicNets.
func ParallelizeBMUF(model *Model, devices []graph.Device, inputBuilder InputBuilderFn,
	forwardBuilder ForwardBuilderFn, updateBuilder UpdateBuilderFn,
	options BMUFOptions) (plan *Plan, err error) {
	err = exceptions.TryCatch[error](func() {
		plan = parallelizeBMUF(model, devices, inputBuilder, forwardBuilder, updateBuilder, options)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func parallelizeBMUF(model *Model, devices []graph.Device, inputBuilder InputBuilderFn,
	forwardBuilder ForwardBuilderFn, updateBuilder UpdateBuilderFn,
	options BMUFOptions) *Plan {

	klog.Infof("Parallelizing model %q with block-wise updates for devices %v", model.Name, devices)
	rs, err := NewReplicaSet(devices)
	if err != nil {
		panic(err)
	}
	if updateBuilder == nil {
		panicf(ErrConfiguration, "block-wise training needs a parameter update function")
	}

	if options.NetType == "" {
		options.NetType = "dag"
	}
	model.Step.SetType(options.NetType)
	model.Step.SetNumWorkers(len(devices) * 4)

	blockLR := options.BlockLearningRate
	if blockLR == 0 {
		blockLR = 1.0
	}
	blockMomentum := options.BlockMomentum
	if blockMomentum == 0 {
		blockMomentum = 1.0 - 1.0/float64(rs.Size())
	}

	numNonDataParallel := len(model.Params())

	klog.V(1).Info("Building per-device input and forward operators")
	lossScale := 1.0 / float64(len(devices))
	lossesByDevice := make(map[graph.Device][]graph.BlobRef, len(devices))
	for _, device := range devices {
		ctx := graph.OnDevice(device)
		inputBuilder(model, ctx)
		losses := forwardBuilder(model, ctx, lossScale)
		if len(losses) == 0 {
			panicf(ErrConfiguration, "forward builder returned no loss blobs for device %s", device)
		}
		lossesByDevice[device] = losses
	}

	if err := ValidateUnique(denseRefs(model.Params())); err != nil {
		panic(err)
	}
	grouping, err := rs.Group(denseRefs(model.Params()), numNonDataParallel)
	if err != nil {
		panic(err)
	}
	paramNames := xslices.Copy(grouping.Names())
	computedGrouping, err := rs.Group(denseRefs(model.ComputedParams()), 0)
	if err != nil {
		panic(err)
	}
	grouping.Merge(computedGrouping)

	plan := &Plan{
		Model:              model,
		rs:                 rs,
		grouping:           grouping,
		options:            options.Options,
		paramNames:         paramNames,
		computedParamNames: xslices.Copy(computedGrouping.Names()),
		lossesByDevice:     lossesByDevice,
	}

	// Differentiate. Within a block the replicas train independently, so
	// unlike Parallelize no reduction is emitted into the step net.
	klog.V(1).Info("Adding gradient operators")
	var seeds []graph.GradientSeed
	for _, device := range devices {
		ctx := graph.OnDevice(device)
		for _, loss := range lossesByDevice[device] {
			seed := loss.WithSuffix("_grad")
			model.Step.AddOp(ctx, graph.OpConstantFill,
				[]graph.BlobRef{loss}, []graph.BlobRef{seed}).
				WithFloatArg(graph.ArgValue, 1)
			seeds = append(seeds, graph.GradientSeed{Loss: loss, Seed: seed})
		}
	}
	gradients := model.Step.AddGradientOperators(seeds)

	model.paramToGrad = make(map[string]graph.Ref)
	var orderedGrads []graph.Ref
	numExcludedGrads := 0
	for ii, param := range model.Params() {
		grad, found := gradients[param.String()]
		if !found {
			continue
		}
		model.paramToGrad[param.String()] = grad
		orderedGrads = append(orderedGrads, grad)
		if ii < numNonDataParallel {
			numExcludedGrads++
		}
	}
	gradGrouping, err := rs.Group(orderedGrads, numExcludedGrads)
	if err != nil {
		panic(err)
	}
	grouping.Merge(gradGrouping)
	plan.gradNames = xslices.Copy(gradGrouping.Names())
	if len(plan.gradNames) == 0 {
		panicf(ErrConfiguration, "block-wise training needs trainable parameters")
	}

	klog.V(1).Info("Adding per-device parameter update operators")
	for _, device := range devices {
		updateBuilder(model, graph.OnDevice(device))
	}

	syncGrouping := computeBlobsToSync(model, rs, paramNames)
	grouping.Merge(syncGrouping)
	plan.syncNames = xslices.Copy(syncGrouping.Names())

	analyzeOperators(model.Step)
	model.Step.SetArg(FirstIterOnlyOneWorkerArg, 1)

	bcaster := &broadcaster{rs: rs, grouping: grouping}
	klog.V(1).Info("Adding initial parameter sync")
	bcaster.syncAll(model.Init, plan.syncNames)

	buildBlockUpdateNets(plan, bcaster, blockLR, blockMomentum, options.Options)
	return plan
}

// buildBlockUpdateNets emits the global-model bookkeeping of a block-wise
// plan: an init net snapshotting the starting parameters, and the update net
// run at every block boundary.
//
// The update net averages the replicas' parameter copies into the master
// replica, turns the difference against the global model into a
// momentum-filtered delta, advances the global model by it, and restores the
// updated global model into every replica.
func buildBlockUpdateNets(plan *Plan, bcaster *broadcaster, blockLR, blockMomentum float64, options Options) {
	model := plan.Model
	masterCtx := graph.OnDevice(plan.rs.Master())
	globalInit := graph.NewNet(model.Name + "_global_model_init")
	globalUpdate := graph.NewNet(model.Name + "_global_model_update")
	globalUpdate.SetType(options.NetType)

	type globalParam struct {
		name                    string
		param, global, momentum graph.BlobRef
	}
	params := make([]globalParam, 0, len(plan.paramNames))
	for _, name := range plan.paramNames {
		param := bcaster.denseReplica(name, plan.rs.Master())
		gp := globalParam{
			name:     name,
			param:    param,
			global:   param.WithSuffix("_g"),
			momentum: param.WithSuffix("_v"),
		}
		globalInit.AddOp(masterCtx, graph.OpConstantFill,
			[]graph.BlobRef{gp.param}, []graph.BlobRef{gp.momentum}).
			WithFloatArg(graph.ArgValue, 0)
		globalInit.AddOp(masterCtx, graph.OpCopy,
			[]graph.BlobRef{gp.param}, []graph.BlobRef{gp.global})
		params = append(params, gp)
	}

	// Sum the block-trained replicas into the master copy.
	red := &reducer{
		model:               model,
		net:                 globalUpdate,
		rs:                  plan.rs,
		grouping:            plan.grouping,
		gradNames:           plan.paramNames,
		broadcaster:         bcaster,
		useCollective:       options.UseCollectiveAllReduce,
		concatenatedIndices: make(map[string]bool),
	}
	red.reduceAll()

	scale := 1.0 / float64(plan.rs.Size())
	for _, gp := range params {
		p, g, v := gp.param, gp.global, gp.momentum
		// delta = blockLR * (avg(p) - g); v = blockMomentum*v + delta;
		// g += v; and every replica restarts the next block from g.
		globalUpdate.AddOp(masterCtx, graph.OpScale,
			[]graph.BlobRef{p}, []graph.BlobRef{p}).
			WithFloatArg(graph.ArgScale, scale)
		globalUpdate.AddOp(masterCtx, graph.OpSub,
			[]graph.BlobRef{p, g}, []graph.BlobRef{p})
		globalUpdate.AddOp(masterCtx, graph.OpScale,
			[]graph.BlobRef{p}, []graph.BlobRef{p}).
			WithFloatArg(graph.ArgScale, blockLR)
		globalUpdate.AddOp(masterCtx, graph.OpScale,
			[]graph.BlobRef{v}, []graph.BlobRef{v}).
			WithFloatArg(graph.ArgScale, blockMomentum)
		globalUpdate.AddOp(masterCtx, graph.OpAdd,
			[]graph.BlobRef{v, p}, []graph.BlobRef{v})
		globalUpdate.AddOp(masterCtx, graph.OpAdd,
			[]graph.BlobRef{g, v}, []graph.BlobRef{g})
		globalUpdate.AddOp(masterCtx, graph.OpCopy,
			[]graph.BlobRef{g}, []graph.BlobRef{p})
		bcaster.broadcastLocal(globalUpdate, gp.name)
	}

	plan.globalInit = globalInit
	plan.globalUpdate = globalUpdate
}
