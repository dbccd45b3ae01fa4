// Copyright 2026 The DataParallel Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed builds data-parallel training plans: it fans a single
// logical model out across multiple compute devices (and optionally multiple
// machines), synchronizes gradients between the replicas every step, and
// reconciles parameter state at checkpoint boundaries.
//
// The package is a graph *builder*: nothing here blocks or communicates. It
// emits nets whose dependency structure -- reduction trees, control-input
// windows, idempotently cached communication contexts -- makes the later,
// externally scheduled execution race-free and deadlock-resistant. See
// graph/workspace for the in-process executor used by tests and the demo.
//
// The entry point is Parallelize. Construction-time failures (uneven
// partitions, duplicate parameters, unknown engines, re-differentiation) are
// returned as errors wrapping the package sentinels; they abort the build
// and leave no usable partial plan.
package distributed

import (
	"sort"

	"github.com/gomlx/exceptions"
	"github.com/gradlab/dataparallel/graph"
	"github.com/gradlab/dataparallel/internal/xslices"
	"k8s.io/klog/v2"
)

// InputBuilderFn adds the input-loading operators of one replica. It is
// called once per device, under that device's build context.
type InputBuilderFn func(model *Model, ctx graph.BuildContext)

// ForwardBuilderFn adds the forward-pass operators of one replica and
// returns its loss blobs. lossScale is 1/(devices*shards); models should
// scale their loss by it so the reduced gradient is an average.
type ForwardBuilderFn func(model *Model, ctx graph.BuildContext, lossScale float64) []graph.BlobRef

// UpdateBuilderFn adds the parameter-update operators of one replica
// (optimizer step, weight decay). A nil UpdateBuilderFn produces a
// forward-only plan.
type UpdateBuilderFn func(model *Model, ctx graph.BuildContext)

// Options tune plan construction.
type Options struct {
	// NetType is the execution-engine hint put on the step net ("dag" by
	// default).
	NetType string

	// MaxConcurrentDistributedOps bounds in-flight cross-host reductions
	// (the control-dependency window). Defaults to 4; clamped to the worker
	// count minus one.
	MaxConcurrentDistributedOps int

	// UseCollectiveAllReduce replaces the single-host reduction trees with
	// fused device-collective operations.
	UseCollectiveAllReduce bool

	// BroadcastComputedParams synchronizes computed parameters (running
	// statistics and the like) from the master device every step.
	BroadcastComputedParams bool
}

// DefaultOptions returns the recommended options.
func DefaultOptions() Options {
	return Options{
		NetType:                     "dag",
		MaxConcurrentDistributedOps: 4,
		BroadcastComputedParams:     true,
	}
}

// FirstIterOnlyOneWorkerArg is the net argument that forces the executor to
// a single worker on the very first iteration, while device-memory arenas
// and communication buffers are still being lazily allocated. Callers can
// relax it after iteration 1.
const FirstIterOnlyOneWorkerArg = "first_iter_only_one_worker"

// Plan is the result of Parallelize: the composite init/step net pair for
// one synchronized training step, plus the bookkeeping needed for checkpoint
// reconciliation. It is populated once by the orchestrator and read-only
// afterwards.
type Plan struct {
	Model *Model

	rs          *ReplicaSet
	grouping    *Grouping
	options     Options
	rendezvous  *Rendezvous
	coordinator *Coordinator

	paramNames         []string
	computedParamNames []string
	gradNames          []string
	syncNames          []string

	lossesByDevice map[graph.Device][]graph.BlobRef
	forwardOnly    bool

	// Checkpoint sync nets, built lazily by FinalizeAfterCheckpoint and
	// cached.
	checkpointInit *graph.Net
	checkpointSync *graph.Net

	// Block-wise update nets, set only by ParallelizeBMUF.
	globalInit   *graph.Net
	globalUpdate *graph.Net
}

// Devices returns the ordered device list of the plan.
func (p *Plan) Devices() []graph.Device { return p.rs.Devices() }

// InitNets returns the nets to run once before training, in order.
func (p *Plan) InitNets() []*graph.Net {
	nets := []*graph.Net{p.Model.Init}
	if p.globalInit != nil {
		nets = append(nets, p.globalInit)
	}
	return nets
}

// StepNets returns the nets to run every training step, in order.
func (p *Plan) StepNets() []*graph.Net { return []*graph.Net{p.Model.Step} }

// PeriodicNets returns the nets to run at every block boundary. Empty for
// plans built by Parallelize, whose replicas synchronize every step.
func (p *Plan) PeriodicNets() []*graph.Net {
	if p.globalUpdate == nil {
		return nil
	}
	return []*graph.Net{p.globalUpdate}
}

// ForwardOnly reports whether the plan has no backward pass (no update
// builder, or a model with no trainable parameters).
func (p *Plan) ForwardOnly() bool { return p.forwardOnly }

// ParamNames returns the logical names of the trainable parameters.
func (p *Plan) ParamNames() []string { return p.paramNames }

// GradNames returns the logical names of the reduced gradients.
func (p *Plan) GradNames() []string { return p.gradNames }

// SyncNames returns the logical names of the blobs kept consistent across
// replicas.
func (p *Plan) SyncNames() []string { return p.syncNames }

// Losses returns the loss blobs of the given device's replica.
func (p *Plan) Losses(device graph.Device) []graph.BlobRef {
	return p.lossesByDevice[device]
}

// Grouping exposes the logical-name-to-replica mapping of the plan.
func (p *Plan) Grouping() *Grouping { return p.grouping }

// Parallelize builds a data-parallel training plan over the given devices.
//
// For every device it builds the input pipeline and forward/backward pass
// under that device's scope, then wires gradient reduction (cross-host via
// the rendezvous when one is given), computed-parameter broadcast, the
// per-device parameter update, and the initial parameter synchronization.
//
// Construction failures abort the build and are returned as errors wrapping
// ErrConfiguration, ErrConsistency, ErrDuplicateParameter,
// graph.ErrAlreadyDifferentiated or collective.ErrUnsupportedEngine.
func Parallelize(model *Model, devices []graph.Device, inputBuilder InputBuilderFn,
	forwardBuilder ForwardBuilderFn, updateBuilder UpdateBuilderFn,
	rendezvous *Rendezvous, options Options) (plan *Plan, err error) {
	err = exceptions.TryCatch[error](func() {
		plan = parallelize(model, devices, inputBuilder, forwardBuilder, updateBuilder, rendezvous, options)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

func parallelize(model *Model, devices []graph.Device, inputBuilder InputBuilderFn,
	forwardBuilder ForwardBuilderFn, updateBuilder UpdateBuilderFn,
	rendezvous *Rendezvous, options Options) *Plan {

	klog.Infof("Parallelizing model %q for devices %v", model.Name, devices)
	rs, err := NewReplicaSet(devices)
	if err != nil {
		panic(err)
	}

	numShards := 1
	if rendezvous != nil {
		if _, err := rendezvous.validate(); err != nil {
			panic(err)
		}
		numShards = rendezvous.NumShards
	}

	if options.NetType == "" {
		options.NetType = "dag"
	}
	if options.MaxConcurrentDistributedOps <= 0 {
		options.MaxConcurrentDistributedOps = 4
	}
	extraWorkers := 0
	if rendezvous != nil {
		extraWorkers = 8
	}
	numWorkers := len(devices)*4 + extraWorkers
	window := min(options.MaxConcurrentDistributedOps, numWorkers-1)
	model.Step.SetType(options.NetType)
	model.Step.SetNumWorkers(numWorkers)

	// Parameters registered before replication are not data-parallel; they
	// are excluded from grouping.
	numNonDataParallel := len(model.Params())

	// Step 1: replicate input pipeline and forward pass per device.
	klog.V(1).Info("Building per-device input and forward operators")
	lossScale := 1.0 / float64(len(devices)*numShards)
	lossesByDevice := make(map[graph.Device][]graph.BlobRef, len(devices))
	for _, device := range devices {
		ctx := graph.OnDevice(device)
		inputBuilder(model, ctx)
		losses := forwardBuilder(model, ctx, lossScale)
		if updateBuilder != nil && len(losses) == 0 {
			panicf(ErrConfiguration, "forward builder returned no loss blobs for device %s", device)
		}
		lossesByDevice[device] = losses
	}

	// Step 2: no parameter may be registered twice.
	if err := ValidateUnique(denseRefs(model.Params())); err != nil {
		panic(err)
	}

	// Step 3: group parameters and computed parameters by device.
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
	computedParamNames := xslices.Copy(computedGrouping.Names())

	plan := &Plan{
		Model:              model,
		rs:                 rs,
		grouping:           grouping,
		options:            options,
		rendezvous:         rendezvous,
		paramNames:         paramNames,
		computedParamNames: computedParamNames,
		lossesByDevice:     lossesByDevice,
	}
	if rendezvous != nil {
		plan.coordinator = NewCoordinator(rendezvous)
	}

	if updateBuilder == nil {
		klog.Info("No parameter update function: building a forward-only plan")
		plan.forwardOnly = true
		bcaster := &broadcaster{
			rs:          rs,
			grouping:    grouping,
			rendezvous:  rendezvous,
			coordinator: plan.coordinator,
		}
		if err := bcaster.resolveEngine(); err != nil {
			panic(err)
		}
		finalizeSync(plan, bcaster)
		return plan
	}

	// Step 4: seed unit gradients for every loss and differentiate. The net
	// supports this exactly once.
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

	// Step 5: group gradients by device.
	gradGrouping, err := rs.Group(orderedGrads, numExcludedGrads)
	if err != nil {
		panic(err)
	}
	grouping.Merge(gradGrouping)
	plan.gradNames = xslices.Copy(gradGrouping.Names())

	bcaster := &broadcaster{
		rs:          rs,
		grouping:    grouping,
		rendezvous:  rendezvous,
		coordinator: plan.coordinator,
	}
	if err := bcaster.resolveEngine(); err != nil {
		panic(err)
	}

	// Step 6: computed parameters agree across replicas by master copy.
	if options.BroadcastComputedParams && len(computedParamNames) > 0 {
		bcaster.broadcastComputedParams(model.Step, computedParamNames)
	}

	// Step 7: gradient reduction. A model with no trainable parameters is
	// valid; it just has nothing to reduce.
	if len(plan.gradNames) > 0 {
		klog.V(1).Info("Adding gradient reduction operators")
		red := &reducer{
			model:               model,
			net:                 model.Step,
			rs:                  rs,
			grouping:            grouping,
			gradNames:           plan.gradNames,
			rendezvous:          rendezvous,
			engine:              bcaster.engine,
			coordinator:         plan.coordinator,
			broadcaster:         bcaster,
			window:              window,
			useCollective:       options.UseCollectiveAllReduce,
			concatenatedIndices: make(map[string]bool),
		}
		red.reduceAll()
	} else {
		klog.Info("Note: model builder created no trainable parameters")
		plan.forwardOnly = true
	}

	// Step 8: per-device parameter update.
	klog.V(1).Info("Adding per-device parameter update operators")
	for _, device := range devices {
		updateBuilder(model, graph.OnDevice(device))
	}

	// Step 9: compute the sync set and broadcast it once at setup.
	finalizeSync(plan, bcaster)
	return plan
}

// finalizeSync computes the plan's sync set, checks operator device scoping,
// stamps the execution hints and emits the initial parameter broadcast.
func finalizeSync(plan *Plan, bcaster *broadcaster) {
	syncGrouping := computeBlobsToSync(plan.Model, plan.rs, plan.paramNames)
	plan.grouping.Merge(syncGrouping)
	plan.syncNames = xslices.Copy(syncGrouping.Names())

	analyzeOperators(plan.Model.Step)

	// Lazy allocation of arenas and communication buffers races on the very
	// first iteration; serialize it.
	plan.Model.Step.SetArg(FirstIterOnlyOneWorkerArg, 1)

	klog.V(1).Info("Adding initial parameter sync")
	if plan.rendezvous != nil {
		bcaster.distributedSync(plan.Model.Init, plan.Model.Init, plan.syncNames)
	}
	bcaster.syncAll(plan.Model.Init, plan.syncNames)
}

// denseRefs widens a blob slice to a Ref slice.
func denseRefs(blobs []graph.BlobRef) []graph.Ref {
	return xslices.Map(blobs, func(b graph.BlobRef) graph.Ref { return b })
}

// computeBlobsToSync collects the blobs that must agree across devices after
// initialization: every accelerator-scoped output of the init net. All
// grouped parameters must be among them -- a parameter with no initializer
// is a construction bug.
func computeBlobsToSync(model *Model, rs *ReplicaSet, paramNames []string) *Grouping {
	seen := make(map[string]bool)
	var refs []graph.Ref
	syncNames := make(map[string]bool)
	for _, op := range model.Init.Operators() {
		for _, out := range op.Outputs {
			if out.Device().Kind != graph.Accelerator {
				continue
			}
			syncNames[out.LogicalName()] = true
			if !seen[out.String()] {
				seen[out.String()] = true
				refs = append(refs, out)
			}
		}
	}
	for _, name := range paramNames {
		if !syncNames[name] {
			panicf(ErrConsistency, "parameter %q is not instantiated in the init net", name)
		}
	}

	// Sort for a deterministic order across processes.
	sort.Slice(refs, func(i, j int) bool {
		return refs[i].(graph.BlobRef).String() < refs[j].(graph.BlobRef).String()
	})
	grouping, err := rs.groupComplete(refs)
	if err != nil {
		panic(err)
	}
	return grouping
}

// analyzeOperators checks that no operator crosses device scopes: every
// operator must reference only blobs of its own device, except the copy,
// concat and collective operators (and the reduction sums) whose whole job
// is to cross scopes.
func analyzeOperators(net *graph.Net) {
	for _, op := range net.Operators() {
		def, found := graph.OperatorDefByType(op.Type)
		if !found {
			panicf(ErrConfiguration, "net %q contains unregistered operator type %q", net.Name(), op.Type)
		}
		if def.CrossDevice || op.Annotation == reduceSumAnnotation {
			continue
		}
		if op.DeviceOf.Kind != graph.Accelerator {
			continue
		}
		for _, ref := range append(xslices.Copy(op.Inputs), op.Outputs...) {
			if ref.Device().Kind == graph.Accelerator && ref.Device() != op.DeviceOf {
				panicf(ErrConsistency,
					"blob %v of %s operator belongs to device %s, but the operator runs on %s",
					ref, op.Type, ref.Device(), op.DeviceOf)
			}
		}
	}
}
