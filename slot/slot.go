// Package slot implements C6: the per-slot state machine described in spec
// §3/§4.3 — one concurrent, stateful producer of tokens sharing the
// backend's KV memory with its siblings.
package slot

import (
	"strings"
	"time"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/checkpoint"
	"github.com/wireloom/llamaserve/sampler"
	"github.com/wireloom/llamaserve/token"
)

// State names the slot's position in its lifecycle (spec §4.3).
type State int

const (
	Idle State = iota
	Started
	WaitOther
	ProcessingPrompt
	DonePrompt
	Generating
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case WaitOther:
		return "wait_other"
	case ProcessingPrompt:
		return "processing_prompt"
	case DonePrompt:
		return "done_prompt"
	case Generating:
		return "generating"
	default:
		return "unknown"
	}
}

// StopReason classifies why a Generating slot returned to Idle.
type StopReason int

const (
	StopNone StopReason = iota
	StopEOS
	StopWord
	StopLimit
	StopCancel
	StopError
)

// TaskParams is the subset of the request's sampling/generation knobs a
// slot needs once it owns a task (spec §3 TaskParams).
type TaskParams struct {
	NPredict       int // -1 = unlimited
	NKeep          int
	NDiscard       int
	NIndent        int
	TMaxPredictMs  int64
	Antiprompt     []string
	LoraAdapters   map[string]float32
	AloraInvocation map[string][]token.ID // adapter id -> invocation-token sequence
	NCacheReuse    int
	UpdateCache    bool
	Embedding      bool
	Rerank         bool
	PoolingType    string

	// SpecNMin/SpecNMax/SpecPMin are the request's speculative.{n_min,n_max,
	// p_min} knobs (spec §4.4 step 8). SpecNMax <= 0 disables drafting for
	// this task even when a draft backend is configured.
	SpecNMin int
	SpecNMax int
	SpecPMin float64
}

// Slot is one generation slot. Its id is also the backend sequence id
// (spec glossary). Only the scheduler goroutine mutates a Slot.
type Slot struct {
	ID  backend.SeqID
	Par ParentLink

	State State
	Stop  StopReason

	Prompt    *token.TokenBuf
	Generated []token.ID

	// IdlePrompt is the prompt buffer left resident in backend KV by the
	// slot's previous task, kept around (instead of cleared) across Reset so
	// pickSlot can score LCP affinity against a slot's real KV content and
	// launch can seed n_past by reusing it (spec §4.4 steps 2 and 5). nil on
	// a slot that has never held a task or whose KV has since been evicted.
	IdlePrompt *token.TokenBuf

	GeneratedText   string
	PendingAnti     string // tail held back while it might still extend into an antiprompt match

	NPast int // tokens already present in backend KV for this slot

	Sampler *sampler.Sampler
	Params  TaskParams

	Checkpoints *checkpoint.Ring

	IBatch    int // index into the current batch holding this slot's logits-emitting entry
	IBatchDft []int

	// Drafted holds the candidate continuation tokens the draft backend
	// proposed for this slot (spec §4.4 step 8), pending verification by the
	// next decode+postDecode pass. Cleared once verified (step 7).
	Drafted []token.ID

	AloraInvocationStart int // -1 if none resolved

	TLastUsed time.Time
	TStart    time.Time

	NDraftAccepted int

	Truncated bool

	TaskID  int64
	NChildren int
}

// ParentLink records, for a child of an n_cmpl fan-out, which slot holds
// the parent's KV state to copy from once the parent reaches DonePrompt.
type ParentLink struct {
	HasParent bool
	ParentID  backend.SeqID
}

// New creates an Idle slot bound to seq id id, with a checkpoint ring sized
// per config.
func New(id backend.SeqID, nCtxCheckpoints int) *Slot {
	return &Slot{
		ID:          id,
		State:       Idle,
		Prompt:      token.New(true),
		Checkpoints: checkpoint.NewRing(nCtxCheckpoints),
		AloraInvocationStart: -1,
	}
}

// Reset returns the slot to its post-release zero state (spec §8 property
// 6: a released slot carries no residue from its previous task into the
// next).
func (s *Slot) Reset() {
	s.State = Idle
	s.Stop = StopNone

	// Swap in a fresh buffer rather than calling Prompt.Clear(): Clear()
	// truncates in place, which would also empty the very buffer we're
	// about to hand off as IdlePrompt.
	hadMtmd := s.Prompt.HasMtmd()
	s.IdlePrompt = s.Prompt
	s.Prompt = token.New(hadMtmd)

	s.Generated = nil
	s.GeneratedText = ""
	s.PendingAnti = ""
	s.NPast = 0
	s.Sampler = nil
	s.Params = TaskParams{}
	s.Checkpoints.Clear()
	s.IBatch = -1
	s.IBatchDft = nil
	s.Drafted = nil
	s.AloraInvocationStart = -1
	s.NDraftAccepted = 0
	s.Truncated = false
	s.Par = ParentLink{}
	s.TaskID = 0
	s.NChildren = 0
}

// IsIdle reports whether the slot can accept a new task.
func (s *Slot) IsIdle() bool { return s.State == Idle }

// IsProcessing reports whether the slot currently holds an in-flight task,
// used to guard SlotSave/Restore/Erase control tasks (spec §4.4 step 1).
func (s *Slot) IsProcessing() bool { return s.State != Idle }

// HasBudget reports whether the slot may continue generating given
// params.NPredict (spec §4.3 "has_budget").
func (s *Slot) HasBudget() bool {
	if s.Params.NPredict < 0 {
		return true
	}

	return len(s.Generated) < s.Params.NPredict
}

// NeedsContextShift reports whether a context shift is due (spec §4.3
// "Context shift"): Generating, prompt.len+1 >= nCtx, ctx_shift enabled,
// not multimodal. Whether the prompt is shared with another slot is not
// checked.
func (s *Slot) NeedsContextShift(nCtx int, ctxShiftEnabled bool, hasMedia bool) bool {
	if s.State != Generating || !ctxShiftEnabled || hasMedia {
		return false
	}

	return s.Prompt.Len()+1 >= nCtx
}

// ContextShiftPlan computes the cell range to remove/shift, per spec §4.3.
type ContextShiftPlan struct {
	NKeep    int
	NDiscard int
}

// PlanContextShift computes NKeep/NDiscard for the current prompt.
func (s *Slot) PlanContextShift(nCtx int, hasBOS bool) ContextShiftPlan {
	nKeep := s.Params.NKeep
	if hasBOS {
		nKeep++
	}

	nKeep = clamp(nKeep, 0, nCtx-4)

	nDiscard := s.Params.NDiscard
	if nDiscard <= 0 {
		nDiscard = (nCtx - nKeep) / 2
	}

	return ContextShiftPlan{NKeep: nKeep, NDiscard: nDiscard}
}

// ApplyContextShift truncates the in-memory prompt buffer to match a
// backend-side seq_rm+seq_add already issued by the caller for plan.
func (s *Slot) ApplyContextShift(plan ContextShiftPlan) {
	ids := s.Prompt.IDs()

	kept := make([]token.ID, 0, len(ids)-plan.NDiscard)
	kept = append(kept, ids[:plan.NKeep]...)

	if plan.NKeep+plan.NDiscard < len(ids) {
		kept = append(kept, ids[plan.NKeep+plan.NDiscard:]...)
	}

	newBuf := token.New(s.Prompt.HasMtmd())
	for _, id := range kept {
		newBuf.PushText(id)
	}

	s.Prompt = newBuf
	s.NPast -= plan.NDiscard
	s.Truncated = true
}

// ResolveAloraInvocation returns the start index of the last occurrence of
// seq in tokens, or -1 (adapter disabled for this request) if not found;
// callers store the result in AloraInvocationStart — spec §4.3
// "Idle -> Started".
func ResolveAloraInvocation(tokens []token.ID, seq []token.ID) int {
	if len(seq) == 0 || len(seq) > len(tokens) {
		return -1
	}

outer:
	for start := len(tokens) - len(seq); start >= 0; start-- {
		for i, id := range seq {
			if tokens[start+i] != id {
				continue outer
			}
		}

		return start
	}

	return -1
}

// AppendGenerated records one sampled token's rendered text and evaluates
// stop conditions (spec §4.3 "Stop detection"). pieceText is the backend's
// detokenization of id alone (special tokens excluded by the caller before
// checking antiprompts, per convention).
func (s *Slot) AppendGenerated(id token.ID, pieceText string, isEOG bool) {
	s.Generated = append(s.Generated, id)
	s.GeneratedText += pieceText

	if isEOG {
		s.Stop = StopEOS
		return
	}

	s.checkAntiprompt()
}

func (s *Slot) checkAntiprompt() {
	tail := s.GeneratedText
	// Only the last chunk is interesting for matching; keep the whole
	// string for simplicity and correctness, formats are short.
	for _, ap := range s.Params.Antiprompt {
		if ap == "" {
			continue
		}

		if idx := strings.Index(tail, ap); idx >= 0 {
			s.Stop = StopWord
			s.GeneratedText = tail[:idx+len(ap)]
			return
		}
	}

	s.PendingAnti = partialTailMatch(tail, s.Params.Antiprompt)
}

// partialTailMatch returns the longest suffix of text that is itself a
// proper prefix of some antiprompt, so the caller can withhold sending
// those bytes until the ambiguity resolves.
func partialTailMatch(text string, antiprompts []string) string {
	best := ""

	for _, ap := range antiprompts {
		maxLen := len(ap) - 1
		if maxLen > len(text) {
			maxLen = len(text)
		}

		for l := maxLen; l > 0; l-- {
			suffix := text[len(text)-l:]
			if strings.HasPrefix(ap, suffix) && l > len(best) {
				best = suffix
			}
		}
	}

	return best
}

// CheckLimits evaluates the remaining stop conditions that don't depend on
// token content: n_predict, n_ctx and t_max_predict_ms. n_indent is not
// enforced: a positive NIndent never sets a stop reason.
func (s *Slot) CheckLimits(nCtx int) {
	if s.Stop != StopNone {
		return
	}

	if !s.HasBudget() {
		s.Stop = StopLimit
		return
	}

	if s.Prompt.Len() >= nCtx {
		s.Stop = StopLimit
		return
	}

	if s.Params.TMaxPredictMs > 0 && time.Since(s.TStart) > time.Duration(s.Params.TMaxPredictMs)*time.Millisecond {
		s.Stop = StopLimit
		return
	}

	if s.Params.NIndent > 0 && indentOf(s.GeneratedText) < s.Params.NIndent {
		// No stop reason is set here, and no caller enforces NIndent.
		return
	}
}

func indentOf(text string) int {
	idx := strings.IndexByte(text, '\n')
	if idx < 0 {
		return -1
	}

	n := 0

	for _, r := range text[idx+1:] {
		if r != ' ' && r != '\t' {
			break
		}

		n++
	}

	return n
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}
