// Package scheduler implements C10: the single-threaded cooperative loop
// that drains the task queue, assigns tasks to slots, assembles batches,
// drives the backend, and routes results to the response queue (spec
// §4.4). Slot-assignment scoring is modeled on the load-balancer's
// strategy-sum-then-sort shape elsewhere in this codebase: there, channels
// are scored by strategy weight and sorted; here, idle slots are scored by
// LCP-similarity to the incoming prompt, then by LRU.
package scheduler

import (
	"context"
	"time"

	"github.com/samber/lo"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/checkpoint"
	"github.com/wireloom/llamaserve/internal/dumper"
	"github.com/wireloom/llamaserve/internal/log"
	"github.com/wireloom/llamaserve/metrics"
	"github.com/wireloom/llamaserve/mtmd"
	"github.com/wireloom/llamaserve/promptcache"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/sampler"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// Config carries the scheduler's tunables, sourced from internal/config's
// Slots section.
type Config struct {
	NCtx                 int
	NBatch               int
	NParallel            int
	ContextShiftEnabled  bool
	CachePrompt          bool
	SlotPromptSimilarity float64
	NCtxCheckpoints      int
	IdleSleepMS          int64
	PollingInterval      time.Duration
}

// GenerateRequest is the opaque-to-this-package payload of a KindGenerate
// task, carried in queue.Task.Payload.
type GenerateRequest struct {
	Tokens       *token.TokenBuf
	Media        []mtmd.Input
	SamplerCfg   sampler.Config
	Params       slot.TaskParams
	NChildren    int     // >0 marks this a parent of an n_cmpl fan-out
	ChildIDs     []int64 // len == NChildren, pre-minted by the caller
	Stream       bool
}

// GenerateResult is the final payload pushed for a non-embedding
// generation task (spec §4.4 step 7's terminal push), carrying enough of
// the slot's bookkeeping for httpapi to build finish_reason/usage without
// reaching back into scheduler internals.
type GenerateResult struct {
	Text          string
	Stop          slot.StopReason
	NPromptTokens int
	NGenTokens    int
	Truncated     bool
}

// Scheduler owns the slot pool and drives the backend. Only Run's
// goroutine touches slots, the prompt cache, or backend state; everything
// else communicates via the task/response queues.
type Scheduler struct {
	cfg     Config
	be      backend.Backend
	mm      mtmd.Processor
	slots   []*slot.Slot
	tq      *queue.TaskQueue
	rq      *queue.ResponseQueue
	pcache  *promptcache.Cache
	metrics *metrics.Metrics

	pending map[int64]*pendingTask // task id -> bookkeeping, generation tasks only

	lastActivity time.Time
	sleeping     bool
	wakeCh       chan struct{}

	loraScales map[string]float32

	dumper *dumper.Dumper

	// draft is the optional speculative-decoding collaborator (spec §4.4
	// step 8), a second Backend loaded from Model.SpeculativePath. nil
	// disables drafting regardless of any per-request speculative.* knobs.
	draft backend.Backend
}

// SetDumper wires a debug dumper for terminal decode failures (disabled by
// default; a nil or disabled dumper is a no-op). Separate from New so that
// call sites that don't care about it, such as scheduler_test.go, can skip
// it; facade.LoadModel wires it.
func (s *Scheduler) SetDumper(d *dumper.Dumper) { s.dumper = d }

// SetDraft wires the speculative-decoding draft backend (spec §4.4 step 8).
// A nil be (the default) leaves drafting disabled even for requests that ask
// for it, mirroring how a real server only drafts when a speculative model
// was actually loaded.
func (s *Scheduler) SetDraft(be backend.Backend) { s.draft = be }

type pendingTask struct {
	req     GenerateRequest
	slotIdx int
}

// New creates a scheduler over nParallel slots backed by be.
func New(cfg Config, be backend.Backend, mm mtmd.Processor, tq *queue.TaskQueue, rq *queue.ResponseQueue, pcache *promptcache.Cache, m *metrics.Metrics) *Scheduler {
	slots := make([]*slot.Slot, cfg.NParallel)
	for i := range slots {
		slots[i] = slot.New(backend.SeqID(i), cfg.NCtxCheckpoints)
	}

	return &Scheduler{
		cfg: cfg, be: be, mm: mm, slots: slots, tq: tq, rq: rq, pcache: pcache, metrics: m,
		pending: make(map[int64]*pendingTask),
		wakeCh:  make(chan struct{}, 1),
	}
}

// Run executes the cooperative loop until ctx is cancelled (spec §4.4).
func (s *Scheduler) Run(ctx context.Context) {
	s.lastActivity = time.Now()

	for ctx.Err() == nil {
		hadWork := s.tick(ctx)

		if !hadWork && s.allIdle() {
			s.maybeSleep(ctx)
		}
	}
}

func (s *Scheduler) allIdle() bool {
	for _, sl := range s.slots {
		if !sl.IsIdle() {
			return false
		}
	}

	return true
}

// tick runs one iteration of the algorithm (spec §4.4 steps 1-10) and
// reports whether any task/slot activity happened, used to gate idle
// sleep.
func (s *Scheduler) tick(ctx context.Context) bool {
	hadWork := s.drainQueue(ctx)

	s.contextShiftPass()

	batch, entries := s.assembleBatch()

	if len(batch.Entries) > 0 {
		hadWork = true

		s.decodeWithRetry(ctx, batch)
		s.postDecode(ctx, entries)
	}

	s.checkpointPass()
	s.draftPass(ctx)

	if s.metrics != nil {
		s.metrics.DecodeCallsTotal.Add(0) // Decode calls are counted inside decodeWithRetry
	}

	if !hadWork {
		s.tq.WaitForWork(ctx)
	}

	return hadWork
}

// drainQueue pops all queued tasks, dispatches control tasks inline, and
// assigns generation tasks to slots (spec §4.4 step 1).
func (s *Scheduler) drainQueue(ctx context.Context) bool {
	tasks := s.tq.DrainAll()
	if len(tasks) == 0 {
		return false
	}

	s.lastActivity = time.Now()
	s.wakeIfSleeping()

	for _, t := range tasks {
		switch t.Kind {
		case queue.KindCancel:
			s.handleCancel(t)
		case queue.KindGenerate:
			s.assign(t)
		case queue.KindMetrics:
			s.handleMetrics(t)
		case queue.KindSlotSave, queue.KindSlotRestore, queue.KindSlotErase:
			s.handleSlotControl(t)
		case queue.KindGetLora, queue.KindSetLora:
			s.handleLora(t)
		}
	}

	return true
}

func (s *Scheduler) handleCancel(t queue.Task) {
	for i, sl := range s.slots {
		if sl.TaskID == t.IDTarget {
			s.releaseSlot(i, slot.StopCancel)
			return
		}
	}
}

func (s *Scheduler) handleMetrics(t queue.Task) {
	s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Payload: s.snapshotMetrics()})
}

func (s *Scheduler) snapshotMetrics() map[string]any {
	busy := lo.CountBy(s.slots, func(sl *slot.Slot) bool { return !sl.IsIdle() })

	return map[string]any{"slots_total": len(s.slots), "slots_busy": busy}
}

func (s *Scheduler) handleSlotControl(t queue.Task) {
	idx := t.IDSlot
	if idx < 0 || idx >= len(s.slots) {
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Err: errInvalidSlot})
		return
	}

	if s.slots[idx].IsProcessing() {
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Err: errSlotBusy})
		return
	}

	switch t.Kind {
	case queue.KindSlotSave:
		data, err := s.be.StateGet(s.slots[idx].ID)
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Payload: data, Err: err})
	case queue.KindSlotRestore:
		if blob, ok := t.Payload.([]byte); ok {
			err := s.be.StateSet(s.slots[idx].ID, blob)
			s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Err: err})
		}
	case queue.KindSlotErase:
		_ = s.be.SeqRM(s.slots[idx].ID, 0, -1)
		s.slots[idx].Reset()
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true})
	}
}

// handleLora implements the process-wide default LoRA scale set GET/SET
// /lora-adapters exposes: a per-request "lora" array (GenerateRequest's
// TaskParams.LoraAdapters) still overrides these defaults at launch time
// (spec §4.3 "Idle -> Started"), matching how cache_prompt has both a
// config default and a per-request override.
func (s *Scheduler) handleLora(t queue.Task) {
	switch t.Kind {
	case queue.KindGetLora:
		out := make(map[string]float32, len(s.loraScales))
		for k, v := range s.loraScales {
			out[k] = v
		}

		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Payload: out})
	case queue.KindSetLora:
		if scales, ok := t.Payload.(map[string]float32); ok {
			s.loraScales = scales
		}

		s.rq.Push(queue.Result{TaskID: t.ID, Final: true})
	}
}

var (
	errInvalidSlot = fmtError("scheduler: invalid slot id")
	errSlotBusy    = fmtError("scheduler: slot is processing")
	errNoSlot      = fmtError("scheduler: no slot available")
	errBadFanOut   = fmtError("scheduler: child_ids length does not match n_children")
)

type fmtError string

func (e fmtError) Error() string { return string(e) }

// assign chooses a slot for t per spec §4.4 step 2, or defers it.
func (s *Scheduler) assign(t queue.Task) {
	req, ok := t.Payload.(GenerateRequest)
	if !ok {
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Err: errInvalidSlot})
		return
	}

	if req.NChildren > 0 {
		s.assignFanOut(t, req)
		return
	}

	idx := s.pickSlot(t.IDSlot, req.Tokens)
	if idx < 0 {
		s.tq.Defer(t)
		return
	}

	s.launch(idx, t.ID, req)
}

// assignFanOut implements the n_cmpl parent/child fan-out (spec §4.3's
// WaitOther state, §4.4 step 2's "reserve n_children free slots atomically,
// or defer the whole parent"): it requires 1+NChildren idle slots to exist
// before touching any of them — partially starting the family is never
// allowed — launches the parent as a normal generation, and parks each
// child in WaitOther bound to the parent by ParentLink. Children get their
// own bookkeeping (pendingTask, TaskID) now, even though their prompt
// processing doesn't start until the parent reaches DonePrompt and
// releaseWaitingChildren runs the seq_cp handoff.
func (s *Scheduler) assignFanOut(t queue.Task, req GenerateRequest) {
	need := 1 + req.NChildren

	if len(req.ChildIDs) != req.NChildren {
		s.rq.Push(queue.Result{TaskID: t.ID, Final: true, Err: errBadFanOut})
		return
	}

	idle := make([]int, 0, need)

	for i, sl := range s.slots {
		if sl.IsIdle() {
			idle = append(idle, i)
			if len(idle) == need {
				break
			}
		}
	}

	if len(idle) < need {
		s.tq.Defer(t)
		return
	}

	parentIdx := idle[0]
	s.launch(parentIdx, t.ID, req)

	parentSeq := s.slots[parentIdx].ID

	for i := 0; i < req.NChildren; i++ {
		childIdx := idle[i+1]
		childID := req.ChildIDs[i]
		sl := s.slots[childIdx]

		childReq := req
		childReq.NChildren = 0
		childReq.ChildIDs = nil
		childReq.SamplerCfg.Seed = req.SamplerCfg.Seed + uint64(i) + 1

		sl.TaskID = childID
		sl.Params = req.Params
		sl.TStart = time.Now()
		sl.State = slot.WaitOther
		sl.Par = slot.ParentLink{HasParent: true, ParentID: parentSeq}

		if len(sl.Params.LoraAdapters) == 0 && len(s.loraScales) > 0 {
			sl.Params.LoraAdapters = s.loraScales
		}

		sl.AloraInvocationStart = -1

		if len(req.Params.AloraInvocation) > 0 {
			for _, seq := range req.Params.AloraInvocation {
				if start := slot.ResolveAloraInvocation(req.Tokens.IDs(), seq); start >= 0 {
					sl.AloraInvocationStart = start
				}
			}
		}

		s.pending[childID] = &pendingTask{req: childReq, slotIdx: childIdx}
	}
}

// pickSlot implements spec §4.4 step 2's slot-choice rule: exact id if
// requested; else best LCP-similarity match among idle slots at or above
// SlotPromptSimilarity; else LRU.
func (s *Scheduler) pickSlot(wantID int, prompt *token.TokenBuf) int {
	if wantID >= 0 {
		if wantID < len(s.slots) && s.slots[wantID].IsIdle() {
			return wantID
		}

		return -1
	}

	bestIdx := -1
	bestSim := -1.0

	for i, sl := range s.slots {
		if !sl.IsIdle() {
			continue
		}

		if sl.IdlePrompt != nil && sl.IdlePrompt.Len() > 0 && prompt != nil {
			lcp := sl.IdlePrompt.CommonPrefixLen(prompt)

			sim := float64(lcp) / float64(max(prompt.Len(), 1))
			if sim >= s.cfg.SlotPromptSimilarity && sim > bestSim {
				bestIdx = i
				bestSim = sim
			}
		}
	}

	if bestIdx >= 0 {
		return bestIdx
	}

	lruIdx := -1

	var lruTime time.Time

	for i, sl := range s.slots {
		if !sl.IsIdle() {
			continue
		}

		if lruIdx < 0 || sl.TLastUsed.Before(lruTime) {
			lruIdx = i
			lruTime = sl.TLastUsed
		}
	}

	return lruIdx
}

func max(a, b int) int {
	if a > b {
		return a
	}

	return b
}

// launch performs the Idle -> Started transition (spec §4.3), including
// cache-assisted prefix reuse (spec §4.4 step 2 "update_cache").
func (s *Scheduler) launch(idx int, taskID int64, req GenerateRequest) {
	sl := s.slots[idx]

	sl.TaskID = taskID
	sl.Params = req.Params

	if len(sl.Params.LoraAdapters) == 0 && len(s.loraScales) > 0 {
		sl.Params.LoraAdapters = s.loraScales
	}

	sl.Sampler = sampler.New(req.SamplerCfg)
	sl.TStart = time.Now()
	sl.State = slot.Started

	if len(req.Params.AloraInvocation) > 0 {
		for _, seq := range req.Params.AloraInvocation {
			if start := slot.ResolveAloraInvocation(req.Tokens.IDs(), seq); start >= 0 {
				sl.AloraInvocationStart = start
			}
		}
	}

	cacheHit := false

	if s.cfg.CachePrompt && s.pcache != nil {
		if entry, ok := s.pcache.Load(context.Background(), req.Tokens, sl.Prompt); ok {
			_ = s.be.StateSet(sl.ID, entry.Data)
			sl.Prompt = entry.Tokens.Clone()
			sl.NPast = sl.Prompt.Len()

			for _, cp := range entry.Checkpoints {
				sl.Checkpoints.Push(cp)
			}

			cacheHit = true
		}
	}

	if !cacheHit {
		s.reuseIdlePrompt(sl, req.Tokens)
	}

	s.pending[taskID] = &pendingTask{req: req, slotIdx: idx}
}

// reuseIdlePrompt seeds n_past/Prompt from this slot's own resident KV when
// the global prompt cache above didn't already refill it (spec §4.4 step 5's
// longest-common-prefix reuse). This covers the contiguous-prefix case only:
// a chunked n_cache_reuse scan that stitches together a non-contiguous
// matching window is not implemented (see DESIGN.md).
func (s *Scheduler) reuseIdlePrompt(sl *slot.Slot, newTokens *token.TokenBuf) {
	if sl.IdlePrompt == nil || sl.IdlePrompt.Len() == 0 || newTokens == nil {
		return
	}

	idle := sl.IdlePrompt
	sl.IdlePrompt = nil

	nPast := idle.CommonPrefixLen(newTokens)

	if sl.AloraInvocationStart >= 0 && nPast > sl.AloraInvocationStart {
		nPast = sl.AloraInvocationStart
	}

	if nPast == newTokens.Len() && nPast > 0 {
		// Always leave at least one token to decode, so this task still
		// produces a logits-bearing batch entry.
		nPast--
	}

	if nPast <= 0 {
		return
	}

	if mem := s.be.Memory(); mem.IsSWA {
		cp, ok := sl.Checkpoints.NewestBefore(nPast + 1)
		if !ok {
			// No snapshot covers any prefix of the resident KV; under SWA
			// the cells beyond the window may already be gone, so it's not
			// safe to trust nPast without one. Decode from scratch instead.
			return
		}

		if err := s.be.StateSetPartial(sl.ID, cp.Data); err != nil {
			return
		}

		if cp.PosMax < nPast {
			nPast = cp.PosMax
		}
	}

	if nPast <= 0 {
		return
	}

	_ = s.be.SeqRM(sl.ID, nPast, -1)

	kept := idle.Clone()
	kept.TruncateTo(nPast)

	sl.Prompt = kept
	sl.NPast = nPast
}

// releaseSlot resets slot idx back to Idle, recording it into the prompt
// cache if cache_prompt is enabled, and promotes a deferred task targeting
// the freed slot if any (spec §4.3 "Generating -> Idle", §4.5
// "pop_deferred_task").
func (s *Scheduler) releaseSlot(idx int, reason slot.StopReason) {
	sl := s.slots[idx]
	sl.Stop = reason
	sl.TLastUsed = time.Now()

	if s.cfg.CachePrompt && s.pcache != nil && sl.Prompt.Len() > 0 {
		if data, err := s.be.StateGet(sl.ID); err == nil {
			if entry, ok := s.pcache.Alloc(context.Background(), sl.Prompt, len(data)); ok {
				entry.Data = data
			}
		}
	}

	delete(s.pending, sl.TaskID)
	sl.Reset()

	if t, ok := s.tq.PopDeferred(idx); ok {
		t.IDSlot = idx
		s.tq.Post(t, true)
	}
}

// contextShiftPass applies spec §4.4 step 3: any Generating slot that has
// outgrown n_ctx gets its oldest non-kept prompt cells removed from the
// backend's KV cache and its in-memory prompt buffer shifted to match.
func (s *Scheduler) contextShiftPass() {
	mem := s.be.Memory()

	for _, sl := range s.slots {
		pt := s.pending[sl.TaskID]
		hasMedia := pt != nil && len(pt.req.Media) > 0

		if !sl.NeedsContextShift(s.cfg.NCtx, s.cfg.ContextShiftEnabled && mem.CanShift, hasMedia) {
			continue
		}

		plan := sl.PlanContextShift(s.cfg.NCtx, true)

		_ = s.be.SeqRM(sl.ID, plan.NKeep, plan.NKeep+plan.NDiscard)
		_ = s.be.SeqAdd(sl.ID, plan.NKeep+plan.NDiscard, -1, -plan.NDiscard)

		sl.ApplyContextShift(plan)
		sl.NPast = sl.Prompt.Len()
		sl.Truncated = true
	}
}

// checkpointPass implements spec §4.4 step 9: for SWA/recurrent/hybrid
// models, every Generating slot due for a fresh checkpoint gets one pushed
// onto its ring, covering positions it would otherwise lose on a future
// context shift.
func (s *Scheduler) checkpointPass() {
	mem := s.be.Memory()
	if !mem.IsSWA {
		return
	}

	for _, sl := range s.slots {
		if sl.State != slot.Generating {
			continue
		}

		posMax := sl.NPast
		if !sl.Checkpoints.ShouldCheckpoint(true, posMax) {
			continue
		}

		posMin, _ := checkpointPosMin(sl)

		data, err := s.be.StateGetPartial(sl.ID, posMin, posMax)
		if err != nil {
			continue
		}

		sl.Checkpoints.Push(checkpoint.Checkpoint{PosMin: posMin, PosMax: posMax, Data: data})
	}
}

// checkpointPosMin picks the start of the span a fresh checkpoint should
// cover: right after the newest existing checkpoint, or the start of the
// prompt if none exists yet.
func checkpointPosMin(sl *slot.Slot) (int, bool) {
	if newest, ok := sl.Checkpoints.Newest(); ok {
		return newest.PosMax, true
	}

	return 0, false
}

func (s *Scheduler) wakeIfSleeping() {
	if s.sleeping {
		select {
		case s.wakeCh <- struct{}{}:
		default:
		}
	}
}

// maybeSleep implements spec §4.4 step 11: after idle_sleep_ms of
// inactivity with an empty queue and all slots idle, signal sleeping state
// and block until woken (by new work or context cancellation).
func (s *Scheduler) maybeSleep(ctx context.Context) {
	if s.cfg.IdleSleepMS <= 0 {
		return
	}

	if time.Since(s.lastActivity) < time.Duration(s.cfg.IdleSleepMS)*time.Millisecond {
		return
	}

	s.sleeping = true

	log.Info(ctx, "scheduler entering idle sleep")

	select {
	case <-s.wakeCh:
	case <-ctx.Done():
	}

	s.sleeping = false
	s.lastActivity = time.Now()

	log.Info(ctx, "scheduler waking from idle sleep")
}

// RequestWakeup lets an HTTP handler force the scheduler out of idle sleep
// (spec §4.4 step 11 "wait_until_no_sleep").
func (s *Scheduler) RequestWakeup() { s.wakeIfSleeping() }
