package core

// WASM Runtime (SPEC_FULL.md §4.6). Loads a job's WASM module by CID,
// instantiates it under wasmer-go, links the Host ABI (§4.5) as "env" module
// imports, meters fuel per host call, executes sequential-workflow
// stages in order, and on completion builds, signs, and anchors the
// ExecutionReceipt. Grounded directly on the teacher's core/virtual_machine.go
// HeavyVM.Execute / registerHost wasmer-go wiring (wasmer.NewStore,
// wasmer.NewModule, wasmer.NewInstance, wasmer.NewFunction / NewFunctionType /
// NewValueTypes, instance.Exports.GetMemory("memory"),
// instance.Exports.GetFunction("_start")) and on core/gas_table.go's
// per-opcode cost table, generalized to three coarse fuel classes since the
// guest ABI here is host-function-call based rather than a custom opcode
// dispatch loop.

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// FuelClass buckets host-visible operations into the three cost tiers
// SPEC_FULL.md §4.6 names: arithmetic/control, memory-page growth, and host
// calls. Only FuelHostCall is charged, automatically on every Host ABI
// invocation (chargeHostCall); the FuelArithmetic and FuelMemoryPage costs
// are defined but nothing charges them, so guest arithmetic and memory
// growth are not metered.
type FuelClass uint8

const (
	FuelArithmetic FuelClass = iota
	FuelMemoryPage
	FuelHostCall
)

var fuelCost = map[FuelClass]uint64{
	FuelArithmetic: 1,
	FuelMemoryPage: 2,
	FuelHostCall:   10,
}

// FuelMeter enforces a job's fuel budget. The orchestrator sets the budget
// at assignment time to the executor scope's mana balance times
// OrchestratorConfig.FuelPerMana, or to MaxBid times FuelPerMana when that
// product is zero.
type FuelMeter struct {
	mu     sync.Mutex
	budget uint64
	used   uint64
}

// NewFuelMeter constructs a meter with the given budget.
func NewFuelMeter(budget uint64) *FuelMeter {
	return &FuelMeter{budget: budget}
}

// Consume charges n units of class against the budget. Returns
// ErrFuelExhausted, leaving used unchanged, if the charge would overrun.
func (m *FuelMeter) Consume(class FuelClass, n uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cost := fuelCost[class] * n
	if m.used+cost > m.budget {
		return ErrFuelExhausted
	}
	m.used += cost
	return nil
}

// Used reports fuel consumed so far.
func (m *FuelMeter) Used() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// QueuedInput is one popped-or-pending interactive input, tagged per the
// InteractiveDescriptor convention of §4.5 #5.
type QueuedInput struct {
	Kind   InteractiveDescriptorKind
	Inline []byte
	CID    string
}

func (q QueuedInput) payloadLen() uint32 {
	if q.Kind == InputCID {
		return uint32(len(q.CID))
	}
	return uint32(len(q.Inline))
}

// JobExecutionContext is the single mutable handle a running job's host
// functions close over. It is exclusively owned by the goroutine executing
// that job; the only external writer is DeliverInteractiveInput, which no
// mesh handler in this repository calls.
type JobExecutionContext struct {
	JobCID        string
	Params        MeshJobParams
	ExecutorDID   string
	OriginatorDID string
	Scope         ScopeKey
	GovContext    bool // privileged governance operations permitted

	mu           sync.Mutex
	status       JobStatus
	queue        []QueuedInput
	wake         chan struct{}
	outputSeq    uint64
	metrics      ExecutionMetrics
	stageOutputs map[string]map[string][]byte // stageID -> key -> value

	onStatus func(JobStatus)
	onOutput func(seq uint64, key string, payload []byte, final bool)
}

// NewJobExecutionContext constructs a context in StatusRunning.
func NewJobExecutionContext(jobCID string, params MeshJobParams, executorDID, originatorDID string, scope ScopeKey, govContext bool) *JobExecutionContext {
	return &JobExecutionContext{
		JobCID:        jobCID,
		Params:        params,
		ExecutorDID:   executorDID,
		OriginatorDID: originatorDID,
		Scope:         scope,
		GovContext:    govContext,
		status:        JobStatus{Kind: StatusRunning, Executor: executorDID},
		wake:          make(chan struct{}, 1),
		stageOutputs:  make(map[string]map[string][]byte),
	}
}

// OnStatusChange registers a callback invoked (outside the context's lock)
// whenever the job's status transitions. Used by the orchestrator to publish
// JobStatusUpdateV1 on the mesh.
func (c *JobExecutionContext) OnStatusChange(fn func(JobStatus)) { c.onStatus = fn }

// OnOutput registers a callback invoked whenever the guest sends interactive
// output. No caller in this repository registers one, so interactive output
// is not published on the mesh.
func (c *JobExecutionContext) OnOutput(fn func(seq uint64, key string, payload []byte, final bool)) {
	c.onOutput = fn
}

func (c *JobExecutionContext) setStatus(kind JobStatusKind, mutate func(*JobStatus)) error {
	c.mu.Lock()
	if !c.status.CanTransition(kind) {
		c.mu.Unlock()
		return fmt.Errorf("job %s: invalid status transition %s -> %s", c.JobCID, c.status.Kind, kind)
	}
	ns := c.status
	ns.Kind = kind
	if mutate != nil {
		mutate(&ns)
	}
	c.status = ns
	cb := c.onStatus
	c.mu.Unlock()
	if cb != nil {
		cb(ns)
	}
	return nil
}

// Status returns the job's current status.
func (c *JobExecutionContext) Status() JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DeliverInteractiveInput enqueues a host-bound interactive input for this
// job. No mesh handler in this repository calls it; only tests deliver input.
func (c *JobExecutionContext) DeliverInteractiveInput(in QueuedInput) {
	c.mu.Lock()
	c.queue = append(c.queue, in)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *JobExecutionContext) peekInputLen() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return 0
	}
	return c.queue[0].payloadLen()
}

// receiveInput blocks the calling (job-execution) goroutine until an input is
// available or timeout elapses. The guest is expected to have already
// signalled PendingUserInput via prompt_for_input.
func (c *JobExecutionContext) receiveInput(timeout time.Duration) (QueuedInput, bool) {
	deadline := time.Now().Add(timeout)
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			in := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return in, true
		}
		c.mu.Unlock()
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return QueuedInput{}, false
		}
		select {
		case <-c.wake:
		case <-time.After(remaining):
			return QueuedInput{}, false
		}
	}
}

func (c *JobExecutionContext) nextOutputSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outputSeq++
	return c.outputSeq
}

func (c *JobExecutionContext) sendOutput(key string, payload []byte, final bool) {
	seq := c.nextOutputSeq()
	if c.onOutput != nil {
		c.onOutput(seq, key, payload, final)
	}
}

func (c *JobExecutionContext) setStageOutput(stageID, key string, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.stageOutputs[stageID]
	if !ok {
		m = make(map[string][]byte)
		c.stageOutputs[stageID] = m
	}
	m[key] = value
}

func (c *JobExecutionContext) stageOutput(stageID, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.stageOutputs[stageID]
	if !ok {
		return nil, false
	}
	v, ok := m[key]
	return v, ok
}

func (c *JobExecutionContext) addMetrics(manaCost, hostCalls, ioBytes uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.ManaCost += manaCost
	c.metrics.HostCalls += hostCalls
	c.metrics.IOBytes += ioBytes
}

func (c *JobExecutionContext) snapshotMetrics() ExecutionMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Runtime executes WASM jobs under wasmer-go, mediating all resource access
// through the Host ABI.
type Runtime struct {
	engine   *wasmer.Engine
	dag      *DagStore
	mana     *ManaLedger
	policy   *Enforcer
	kv       KVStore
	fungible *FungibleLedger
	signer   ed25519.PrivateKey
	logger   *logrus.Entry
}

// NewRuntime constructs a Runtime. signer is the local executor node's
// private key, used to sign every ExecutionReceipt this runtime produces.
func NewRuntime(dag *DagStore, mana *ManaLedger, policy *Enforcer, kv KVStore, signer ed25519.PrivateKey) *Runtime {
	return &Runtime{
		engine:   wasmer.NewEngine(),
		dag:      dag,
		mana:     mana,
		policy:   policy,
		kv:       kv,
		fungible: NewFungibleLedger(),
		signer:   signer,
		logger:   logrus.WithField("component", "wasmruntime"),
	}
}

// hostCtx is the closure state registerHost binds every host function to,
// mirroring the teacher's hostCtx{store,gas,tx,rec} grouping in
// core/virtual_machine.go, generalized from a single ledger+gas pair to the
// full resource surface a mesh job can touch.
type hostCtx struct {
	mem     *wasmer.Memory
	rt      *Runtime
	jobCtx  *JobExecutionContext
	fuel    *FuelMeter
	stageID string
	trapErr error
}

// read copies ln bytes from guest linear memory at ptr, bounds-checking
// against the instance's current memory size per §4.5's "host never exposes
// raw pointers, always bounds-checks" contract. ok is false (and out is nil)
// for a negative ptr/ln or a range beyond the memory's current length; the
// caller must return ABIErrOOM rather than let the slice operation panic.
func (h *hostCtx) read(ptr, ln int32) (out []byte, ok bool) {
	if ln == 0 {
		return nil, true
	}
	if ptr < 0 || ln < 0 {
		return nil, false
	}
	data := h.mem.Data()
	start, end := int64(ptr), int64(ptr)+int64(ln)
	if end > int64(len(data)) {
		return nil, false
	}
	out = make([]byte, ln)
	copy(out, data[start:end])
	return out, true
}

// write copies data into guest linear memory at ptr, bounds-checked the same
// way as read. ok is false if [ptr, ptr+len(data)) falls outside the
// instance's current memory.
func (h *hostCtx) write(ptr int32, data []byte) (ok bool) {
	if len(data) == 0 {
		return true
	}
	if ptr < 0 {
		return false
	}
	mem := h.mem.Data()
	start, end := int64(ptr), int64(ptr)+int64(len(data))
	if end > int64(len(mem)) {
		return false
	}
	copy(mem[start:end], data)
	return true
}

// chargeHostCall is invoked at the top of every host function, per §4.6's
// rule that host calls are metered automatically rather than requiring the
// guest to declare them.
func (h *hostCtx) chargeHostCall() error {
	if err := h.fuel.Consume(FuelHostCall, 1); err != nil {
		h.trapErr = err
		return err
	}
	h.jobCtx.addMetrics(0, 1, 0)
	return nil
}

func abiResult(code ABICode) []wasmer.Value {
	return []wasmer.Value{wasmer.NewI32(int32(code))}
}

// ExecuteJob runs a single WASM module (the single-stage form, or one stage
// of a sequential workflow) against jobCtx and returns its outcome. input is
// the bytes the guest reads via read_job_input; stageID scopes stage-output
// writes/reads for sequential workflows ("" for single-workflow jobs).
func (rt *Runtime) ExecuteJob(jobCtx *JobExecutionContext, wasmCode []byte, input []byte, stageID string, fuelBudget uint64) (stageOut []byte, execErr error) {
	start := time.Now().UTC()
	fuel := NewFuelMeter(fuelBudget)

	store := wasmer.NewStore(rt.engine)
	mod, err := wasmer.NewModule(store, wasmCode)
	if err != nil {
		return nil, fmt.Errorf("%w: module compile: %v", ErrExecutionFailure, err)
	}

	hctx := &hostCtx{rt: rt, jobCtx: jobCtx, fuel: fuel, stageID: stageID}
	imports := rt.registerHost(store, hctx, input)

	instance, err := wasmer.NewInstance(mod, imports)
	if err != nil {
		return nil, fmt.Errorf("%w: instantiate: %v", ErrExecutionFailure, err)
	}

	mem, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("%w: missing memory export", ErrExecutionFailure)
	}
	hctx.mem = mem

	entry, err := instance.Exports.GetFunction("_start")
	if err != nil {
		return nil, fmt.Errorf("%w: missing _start export", ErrExecutionFailure)
	}

	if _, err := entry(); err != nil {
		if hctx.trapErr != nil {
			return nil, hctx.trapErr
		}
		return nil, fmt.Errorf("%w: %v", ErrExecutionFailure, err)
	}

	jobCtx.addMetrics(0, 0, 0)
	wallTime := time.Since(start)
	jobCtx.mu.Lock()
	jobCtx.metrics.WallTime += wallTime
	jobCtx.mu.Unlock()

	out, _ := jobCtx.stageOutput(stageID, "__result__")
	return out, nil
}

// ExecuteWorkflow runs a job to completion — a single module, or every stage
// of a sequential workflow in order — and returns a signed, DAG-anchored
// ExecutionReceipt. wasmFetcher resolves a WASM CID to its bytes (typically
// backed by the DagStore or a content fetch over the mesh).
func (rt *Runtime) ExecuteWorkflow(jobCtx *JobExecutionContext, jobInput []byte, fuelBudget uint64, wasmFetcher func(cid string) ([]byte, error)) (ExecutionReceipt, error) {
	start := time.Now().UTC()
	receipt := ExecutionReceipt{
		JobCID:        jobCtx.JobCID,
		ExecutorDID:   jobCtx.ExecutorDID,
		OriginatorDID: jobCtx.OriginatorDID,
		Scope:         jobCtx.Scope,
		StartTS:       start,
	}

	stages := jobCtx.Params.Stages
	if jobCtx.Params.WorkflowType == WorkflowSingle {
		stages = []JobStage{{StageID: "", WasmCID: jobCtx.Params.WasmCID, InputSource: StageInputSource{Kind: StageInputJob}}}
	}

	perStage := fuelBudget / uint64(len(stages))
	var finalOutput []byte

	for _, stage := range stages {
		code, err := wasmFetcher(stage.WasmCID)
		if err != nil {
			return rt.failReceipt(receipt, jobCtx, stage.StageID, fmt.Sprintf("fetch wasm %s: %v", stage.WasmCID, err))
		}

		var stageInput []byte
		switch stage.InputSource.Kind {
		case StageInputJob:
			stageInput = jobInput
		case StageInputPreviousStage:
			v, ok := jobCtx.stageOutput(stage.InputSource.PrevStageID, "__result__")
			if !ok {
				return rt.failReceipt(receipt, jobCtx, stage.StageID, fmt.Sprintf("missing output of stage %s", stage.InputSource.PrevStageID))
			}
			stageInput = v
		case StageInputNone:
			stageInput = nil
		}

		out, err := rt.ExecuteJob(jobCtx, code, stageInput, stage.StageID, perStage)
		if err != nil {
			reason := err.Error()
			if err == ErrFuelExhausted {
				reason = "fuel budget exhausted during stage " + stage.StageID
			}
			return rt.failReceipt(receipt, jobCtx, stage.StageID, reason)
		}
		jobCtx.setStageOutput(stage.StageID, "__result__", out)
		finalOutput = out

		receipt.StageResults = append(receipt.StageResults, StageResult{StageID: stage.StageID, Status: string(ReceiptSuccess)})

		if len(stages) > 1 && stage.StageID != stages[len(stages)-1].StageID {
			_ = jobCtx.setStatus(StatusAwaitingNextStage, func(s *JobStatus) { s.StageIdx++ })
		}
	}

	outputCID, err := ComputeCID(finalOutput)
	if err != nil {
		return rt.failReceipt(receipt, jobCtx, "", fmt.Sprintf("hash output: %v", err))
	}
	receipt.OutputCID = outputCID
	receipt.Status = ReceiptSuccess
	receipt.EndTS = time.Now().UTC()
	receipt.Metrics = jobCtx.snapshotMetrics()

	if err := rt.finalizeReceipt(&receipt); err != nil {
		return ExecutionReceipt{}, err
	}
	_ = jobCtx.setStatus(StatusCompleted, func(s *JobStatus) { s.ReceiptCID = receipt.AnchoredCIDs[0] })
	return receipt, nil
}

func (rt *Runtime) failReceipt(receipt ExecutionReceipt, jobCtx *JobExecutionContext, stageID, reason string) (ExecutionReceipt, error) {
	receipt.Status = ReceiptFailure
	receipt.FailureReason = reason
	receipt.EndTS = time.Now().UTC()
	receipt.Metrics = jobCtx.snapshotMetrics()
	if stageID != "" {
		receipt.StageResults = append(receipt.StageResults, StageResult{StageID: stageID, Status: string(ReceiptFailure), Error: reason})
	}
	if err := rt.finalizeReceipt(&receipt); err != nil {
		return ExecutionReceipt{}, err
	}
	_ = jobCtx.setStatus(StatusFailed, func(s *JobStatus) { s.Error = reason })
	return receipt, nil
}

// finalizeReceipt signs the receipt and anchors it (plus its content CID) in
// the DAG store, recording the anchored CIDs on the receipt itself.
func (rt *Runtime) finalizeReceipt(receipt *ExecutionReceipt) error {
	receipt.Signature = Sign(rt.signer, receipt.SignableBytes())

	content := Canonicalize(*receipt)
	cidStr, err := ComputeCID(content)
	if err != nil {
		return fmt.Errorf("%w: hash receipt: %v", ErrInvalidReceipt, err)
	}
	node := DagNode{
		CID:          cidStr,
		ContentBytes: content,
		EventType:    "execution_receipt",
		ScopeID:      receipt.Scope.String(),
		Timestamp:    receipt.EndTS,
	}
	if _, err := rt.dag.Insert(node); err != nil {
		return fmt.Errorf("%w: anchor receipt: %v", ErrInvalidReceipt, err)
	}
	receipt.AnchoredCIDs = append(receipt.AnchoredCIDs, cidStr)
	return nil
}

// registerHost builds the wasmer ImportObject linking every Host ABI
// function group of §4.5 under the "env" namespace. jobInput is the bytes
// backing read_job_input for this invocation.
func (rt *Runtime) registerHost(store *wasmer.Store, h *hostCtx, jobInput []byte) *wasmer.ImportObject {
	imports := wasmer.NewImportObject()

	i32 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32))
	i32i32 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x3 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x4 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	i32x5 := wasmer.NewValueTypes(wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32), wasmer.ValueKind(wasmer.I32))
	none := wasmer.NewValueTypes()

	// --- group 1: context ---

	readJobInput := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.write(args[0].I32(), jobInput) {
				return abiResult(ABIErrOOM), nil
			}
			return abiResult(ABICode(len(jobInput))), nil
		})

	getScopeKey := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			b := []byte(h.jobCtx.Scope.String())
			if !h.write(args[0].I32(), b) {
				return abiResult(ABIErrOOM), nil
			}
			return abiResult(ABICode(len(b))), nil
		})

	getOriginatorDID := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			b := []byte(h.jobCtx.OriginatorDID)
			if !h.write(args[0].I32(), b) {
				return abiResult(ABIErrOOM), nil
			}
			return abiResult(ABICode(len(b))), nil
		})

	// --- group 2: mana / economics ---

	getManaBalance := wasmer.NewFunction(store, wasmer.NewFunctionType(none, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			st := h.rt.mana.Get(h.jobCtx.Scope, time.Now().UTC())
			return abiResult(ABICode(st.Balance)), nil
		})

	spendMana := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			amount := uint64(args[0].I32())
			token := ScopedResourceToken{
				Key:      LedgerKey{Scope: h.jobCtx.Scope, Resource: ResourceMana},
				Quantity: amount,
				Caller:   h.jobCtx.ExecutorDID,
			}
			if decision, reason := h.rt.policy.CheckAuthorization(token); decision != DecisionOK {
				return abiResult(abiCodeFor(Denied(reason))), nil
			}
			if err := h.rt.mana.Spend(h.jobCtx.Scope, amount, time.Now().UTC()); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			h.rt.policy.RecordUsage(token)
			h.jobCtx.addMetrics(amount, 0, 0)
			return abiResult(ABIOk), nil
		})

	// --- group 3: scoped key-value storage ---

	kvRead := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			keyBytes, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			val, ok := h.rt.kv.Get(h.jobCtx.JobCID, string(keyBytes))
			if !ok {
				return abiResult(ABIErrNotFound), nil
			}
			if !h.write(args[2].I32(), val) {
				return abiResult(ABIErrOOM), nil
			}
			h.jobCtx.addMetrics(0, 0, uint64(len(val)))
			return abiResult(ABICode(len(val))), nil
		})

	kvWrite := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x4, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			keyBytes, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			val, ok := h.read(args[2].I32(), args[3].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			key := string(keyBytes)
			if err := h.rt.kv.Set(h.jobCtx.JobCID, key, val); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if key == "result" {
				h.jobCtx.setStageOutput(h.stageID, "__result__", val)
			}
			h.jobCtx.addMetrics(0, 0, uint64(len(val)))
			return abiResult(ABIOk), nil
		})

	// --- group 4: DAG anchor / read ---

	dagAnchor := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			content, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			cidStr, err := ComputeCID(content)
			if err != nil {
				return abiResult(ABIErrInvalidArg), nil
			}
			node := DagNode{CID: cidStr, ContentBytes: content, EventType: "guest_anchor", ScopeID: h.jobCtx.Scope.String(), Timestamp: time.Now().UTC()}
			if _, err := h.rt.dag.Insert(node); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.write(args[2].I32(), []byte(cidStr)) {
				return abiResult(ABIErrOOM), nil
			}
			return abiResult(ABICode(len(cidStr))), nil
		})

	dagRead := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			cidBytes, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			node, ok := h.rt.dag.Get(string(cidBytes))
			if !ok {
				return abiResult(ABIErrNotFound), nil
			}
			if !h.write(args[2].I32(), node.ContentBytes) {
				return abiResult(ABIErrOOM), nil
			}
			return abiResult(ABICode(len(node.ContentBytes))), nil
		})

	// --- group 5: interactive I/O ---

	promptForInput := wasmer.NewFunction(store, wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.jobCtx.Params.IsInteractive {
				return abiResult(ABIErrDenied), nil
			}
			promptCIDBytes, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			promptCID := string(promptCIDBytes)
			if err := h.jobCtx.setStatus(StatusPendingUserInput, func(s *JobStatus) { s.PromptCID = promptCID }); err != nil {
				return abiResult(ABIErrInternal), nil
			}
			return abiResult(ABIOk), nil
		})

	peekInputLen := wasmer.NewFunction(store, wasmer.NewFunctionType(none, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			return abiResult(ABICode(h.jobCtx.peekInputLen())), nil
		})

	receiveInput := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			bufPtr, timeoutMS := args[0].I32(), args[2].I32()
			in, ok := h.jobCtx.receiveInput(time.Duration(timeoutMS) * time.Millisecond)
			if !ok {
				return abiResult(ABIErrNotFound), nil
			}
			_ = h.jobCtx.setStatus(StatusRunning, nil)
			desc := InteractiveDescriptor{Kind: in.Kind, Len: in.payloadLen()}
			payload := in.Inline
			if in.Kind == InputCID {
				payload = []byte(in.CID)
			}
			header := make([]byte, 5)
			header[0] = byte(desc.Kind)
			binary.LittleEndian.PutUint32(header[1:], desc.Len)
			if !h.write(bufPtr, header) {
				return abiResult(ABIErrOOM), nil
			}
			if !h.write(bufPtr+5, payload) {
				return abiResult(ABIErrOOM), nil
			}
			h.jobCtx.addMetrics(0, 0, uint64(len(payload)))
			return abiResult(ABICode(5 + len(payload))), nil
		})

	sendOutput := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x5, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			payload, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			keyBytes, ok := h.read(args[2].I32(), args[3].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			key := string(keyBytes)
			final := args[4].I32() != 0
			h.jobCtx.sendOutput(key, payload, final)
			h.jobCtx.addMetrics(0, 0, uint64(len(payload)))
			return abiResult(ABIOk), nil
		})

	// --- group 6: privileged governance operations ---

	issueReputationToken := wasmer.NewFunction(store, wasmer.NewFunctionType(i32i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.jobCtx.GovContext {
				return abiResult(ABIErrDenied), nil
			}
			// Privileged tokens are recorded as a DAG event, not minted
			// value: governance semantics beyond anchoring are a
			// federation-policy concern outside this runtime's scope.
			content, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			cidStr, err := ComputeCID(content)
			if err != nil {
				return abiResult(ABIErrInvalidArg), nil
			}
			node := DagNode{CID: cidStr, ContentBytes: content, EventType: "governance_token", ScopeID: h.jobCtx.Scope.String(), Timestamp: time.Now().UTC()}
			if _, err := h.rt.dag.Insert(node); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			return abiResult(ABIOk), nil
		})

	// mintFungible credits the calling scope's fungible balance. Restricted
	// to governance-context jobs, mirroring issueReputationToken's gating:
	// ordinary job code has no path to create fungible value.
	mintFungible := wasmer.NewFunction(store, wasmer.NewFunctionType(i32, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.jobCtx.GovContext {
				return abiResult(ABIErrDenied), nil
			}
			amount := uint64(args[0].I32())
			h.rt.fungible.Mint(h.jobCtx.Scope.String(), amount)
			return abiResult(ABIOk), nil
		})

	// transferFungible moves amount from the calling scope's fungible
	// balance to the scope named at [ptr, ptr+ln). Also governance-gated:
	// fungible balances are a privileged ledger distinct from mana, which
	// regenerates automatically and is never transferable (core/mana.go).
	transferFungible := wasmer.NewFunction(store, wasmer.NewFunctionType(i32x3, i32),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			if err := h.chargeHostCall(); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			if !h.jobCtx.GovContext {
				return abiResult(ABIErrDenied), nil
			}
			toBytes, ok := h.read(args[0].I32(), args[1].I32())
			if !ok {
				return abiResult(ABIErrOOM), nil
			}
			amount := uint64(args[2].I32())
			if err := h.rt.fungible.Transfer(h.jobCtx.Scope.String(), string(toBytes), amount); err != nil {
				return abiResult(abiCodeFor(err)), nil
			}
			return abiResult(ABIOk), nil
		})

	imports.Register("env", map[string]wasmer.IntoExtern{
		"read_job_input":         readJobInput,
		"get_scope_key":          getScopeKey,
		"get_originator_did":     getOriginatorDID,
		"get_mana_balance":       getManaBalance,
		"spend_mana":             spendMana,
		"kv_read":                kvRead,
		"kv_write":               kvWrite,
		"dag_anchor":             dagAnchor,
		"dag_read":               dagRead,
		"prompt_for_input":       promptForInput,
		"peek_input_len":         peekInputLen,
		"receive_input":          receiveInput,
		"send_output":            sendOutput,
		"issue_reputation_token": issueReputationToken,
		"mint_fungible":          mintFungible,
		"transfer_fungible":      transferFungible,
	})

	return imports
}
