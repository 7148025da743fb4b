package scheduler

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/sampler"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// sampleResult is one gen-token entry's precomputed backend.Sample +
// Detokenize outcome, folded back into its slot sequentially by postDecode.
type sampleResult struct {
	id   token.ID
	text string
	err  error
}

// postDecode runs spec §4.4 step 7 over every batch entry's metadata:
// prompt-final entries transition DonePrompt (and, for non-embedding
// tasks, immediately sample the first generated token); gen-token entries
// fold in the token sampled for them (see sampleGenTokensConcurrently) and
// stream or finalize the slot.
func (s *Scheduler) postDecode(ctx context.Context, metas []batchEntryMeta) {
	precomputed := s.sampleGenTokensConcurrently(ctx, metas)

	for i, m := range metas {
		sl := s.slots[m.slotIdx]
		pt := s.pending[sl.TaskID]

		if pt == nil {
			continue
		}

		switch {
		case m.isPromptFinal:
			s.onPromptDone(ctx, m.slotIdx, pt)
		case m.isGenToken:
			if len(sl.IBatchDft) > 0 {
				s.verifyDraftAndAdvance(ctx, m.slotIdx, pt)
			} else {
				s.onGenToken(ctx, m.slotIdx, pt, &precomputed[i])
			}
		}
		// isDraftToken entries carry no independent post-decode action:
		// verifyDraftAndAdvance consumes the whole slot's draft run at once,
		// keyed off the slot's isGenToken (main) entry.
	}
}

// sampleGenTokensConcurrently runs the backend Sample+Detokenize round trip
// for every gen-token batch entry in parallel, bounded by errgroup.Group:
// each call only reads its own slot's logits (indexed by batchIdx) and the
// backend's own per-sequence state, so entries for distinct slots don't
// step on each other. The sequential fold-back pass in postDecode is what
// touches the shared pending/response-queue state, so no synchronization is
// needed here beyond errgroup's own.
func (s *Scheduler) sampleGenTokensConcurrently(ctx context.Context, metas []batchEntryMeta) []sampleResult {
	out := make([]sampleResult, len(metas))

	g, gctx := errgroup.WithContext(ctx)

	for i, m := range metas {
		// Slots with a pending draft run are verified sequentially by
		// verifyDraftAndAdvance instead (each position's comparison depends
		// on the previous one matching), so skip them here.
		if !m.isGenToken || len(s.slots[m.slotIdx].IBatchDft) > 0 {
			continue
		}

		i, m := i, m

		g.Go(func() error {
			sl := s.slots[m.slotIdx]

			id, err := s.be.Sample(gctx, sl.ID, m.localIdx)
			if err != nil {
				out[i] = sampleResult{err: err}
				return nil
			}

			text, _ := s.be.Detokenize([]token.ID{id}, false)
			out[i] = sampleResult{id: id, text: text}

			return nil
		})
	}

	_ = g.Wait()

	return out
}

func (s *Scheduler) onPromptDone(ctx context.Context, slotIdx int, pt *pendingTask) {
	sl := s.slots[slotIdx]
	sl.State = slot.DonePrompt
	sl.Prompt = pt.req.Tokens

	s.releaseWaitingChildren(sl.ID, pt.req.Tokens)

	if pt.req.Params.Embedding || pt.req.Params.Rerank {
		vecs, err := s.be.Embed(sl.ID, pt.req.Params.PoolingType)
		s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Payload: vecs, Err: err})
		s.releaseSlot(slotIdx, slot.StopNone)

		return
	}

	s.sampleAndAdvance(ctx, slotIdx, pt, nil)
}

// releaseWaitingChildren advances every WaitOther slot bound to parentSeq
// out of its wait the moment the parent's prompt finishes (spec §4.4 step
// 7's "children KV init via seq_cp"): it copies the parent's KV into the
// child's own sequence, then backs the child's n_past up by one token so
// the next assembleBatch pass re-decodes the shared prompt's last token
// into the child's sequence — the cheapest way to materialize the logits
// row the child's own sampler then draws its first generated token from,
// without a second backend primitive for "copy the last logits too".
func (s *Scheduler) releaseWaitingChildren(parentSeq backend.SeqID, tokens *token.TokenBuf) {
	n := tokens.Len()
	if n == 0 {
		return
	}

	for _, sl := range s.slots {
		if sl.State != slot.WaitOther || !sl.Par.HasParent || sl.Par.ParentID != parentSeq {
			continue
		}

		pt, ok := s.pending[sl.TaskID]
		if !ok {
			continue
		}

		if err := s.be.SeqCp(parentSeq, sl.ID); err != nil {
			s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Err: err})
			delete(s.pending, sl.TaskID)
			sl.Reset()

			continue
		}

		sl.Prompt = tokens.Clone()
		sl.NPast = n - 1
		sl.Sampler = sampler.New(pt.req.SamplerCfg)
		sl.State = slot.ProcessingPrompt
	}
}

func (s *Scheduler) onGenToken(ctx context.Context, slotIdx int, pt *pendingTask, pre *sampleResult) {
	s.sampleAndAdvance(ctx, slotIdx, pt, pre)
}

// sampleAndAdvance folds one sampled token into its slot. pre is non-nil for
// gen-token entries, whose Sample/Detokenize round trip already ran inside
// sampleGenTokensConcurrently; prompt-final entries (the first generated
// token of a new task) pass nil and sample inline here instead, since those
// entries also race to finish onPromptDone's own slot transition first. Both
// cases are a slot's only WantLogits entry for the tick, so batchIndex 0 is
// always right (see batchEntryMeta.localIdx).
func (s *Scheduler) sampleAndAdvance(ctx context.Context, slotIdx int, pt *pendingTask, pre *sampleResult) {
	sl := s.slots[slotIdx]

	var (
		id   token.ID
		text string
		err  error
	)

	if pre != nil {
		id, text, err = pre.id, pre.text, pre.err
	} else {
		id, err = s.be.Sample(ctx, sl.ID, 0)
		if err == nil {
			text, _ = s.be.Detokenize([]token.ID{id}, false)
		}
	}

	if err != nil {
		s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Err: err})
		s.releaseSlot(slotIdx, slot.StopError)

		return
	}

	sl.State = slot.Generating
	sl.NPast++

	s.foldGeneratedToken(slotIdx, pt, id, text)
}

// foldGeneratedToken appends one already-sampled token to slot idx's output
// and streams or finalizes it (spec §4.4 step 7's tail), shared by ordinary
// one-token-per-tick generation (sampleAndAdvance) and by
// verifyDraftAndAdvance's multi-token fold after a speculative accept.
// Reports whether the slot was released (stopped).
func (s *Scheduler) foldGeneratedToken(slotIdx int, pt *pendingTask, id token.ID, text string) bool {
	sl := s.slots[slotIdx]

	_ = sl.Sampler.Accept(id)

	prevLen := len(sl.GeneratedText)
	eog := isEOGToken(id)
	sl.AppendGenerated(id, text, eog)
	sl.CheckLimits(s.cfg.NCtx)

	// delta is what GeneratedText actually grew by, not the raw detokenized
	// piece: an antiprompt match truncates GeneratedText at the match, so
	// streaming the raw piece here could leak antiprompt bytes downstream.
	delta := ""
	if len(sl.GeneratedText) > prevLen {
		delta = sl.GeneratedText[prevLen:]
	}

	if sl.Stop != slot.StopNone {
		if pt.req.Stream && delta != "" {
			s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: false, Payload: delta})
		}

		s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Payload: GenerateResult{
			Text:          sl.GeneratedText,
			Stop:          sl.Stop,
			NPromptTokens: sl.Prompt.Len(),
			NGenTokens:    len(sl.Generated),
			Truncated:     sl.Truncated,
		}})
		s.releaseSlot(slotIdx, sl.Stop)

		return true
	}

	if pt.req.Stream && delta != "" {
		s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: false, Payload: delta})
	}

	return false
}

// verifyDraftAndAdvance implements spec §4.4 step 7's speculative branch:
// backend.Sample at each drafted position tells us what the real model
// would have picked there; the run is accepted up to the first mismatch
// (or in full, plus one bonus token sampled past the last draft). Rejected
// KV cells are trimmed back out of the backend so the next tick's
// assembleBatch re-decodes cleanly from the accepted prefix.
func (s *Scheduler) verifyDraftAndAdvance(ctx context.Context, slotIdx int, pt *pendingTask) {
	sl := s.slots[slotIdx]
	k := len(sl.Drafted)

	if s.metrics != nil {
		s.metrics.DraftTokensTotal.Add(float64(k))
	}

	accepted := make([]token.ID, 0, k+1)
	matched := 0

	for j := 0; j < k; j++ {
		predicted, err := s.be.Sample(ctx, sl.ID, j)
		if err != nil {
			s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Err: err})
			s.releaseSlot(slotIdx, slot.StopError)

			return
		}

		if predicted != sl.Drafted[j] {
			accepted = append(accepted, predicted)
			break
		}

		accepted = append(accepted, sl.Drafted[j])
		matched++
	}

	if matched == k {
		bonus, err := s.be.Sample(ctx, sl.ID, k)
		if err != nil {
			s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Err: err})
			s.releaseSlot(slotIdx, slot.StopError)

			return
		}

		accepted = append(accepted, bonus)
	} else {
		// Positions beyond the accepted prefix were speculatively decoded
		// into KV with the (now-discarded) drafted tokens; drop them so the
		// next tick's re-decode of the real replacement token lands on a
		// clean sequence.
		_ = s.be.SeqRM(sl.ID, sl.NPast+1+matched, -1)
	}

	if s.metrics != nil {
		s.metrics.DraftTokensAcceptedTotal.Add(float64(matched))
	}

	sl.NDraftAccepted += matched
	sl.Drafted = nil
	sl.IBatchDft = nil
	sl.State = slot.Generating
	sl.NPast += 1 + matched

	for _, id := range accepted {
		text, _ := s.be.Detokenize([]token.ID{id}, false)

		if s.foldGeneratedToken(slotIdx, pt, id, text) {
			return
		}
	}
}

// isEOGToken is a placeholder hook: a real backend integration exposes its
// own end-of-generation token set; until wired, end-of-generation is
// driven entirely by antiprompt/limit detection.
func isEOGToken(id token.ID) bool { return false }
