package scheduler

import (
	"context"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// draftPass implements spec §4.4 step 8: for every Generating slot with no
// draft already pending, eligible for speculation (speculative.n_max > 0, no
// multimodal prompt), ask the draft backend for up to n_draft_max candidate
// continuation tokens and stash them for the next assembleBatch/postDecode
// round trip to enqueue and verify (scheduler/batch.go, verifyDraftAndAdvance
// in postdecode.go).
func (s *Scheduler) draftPass(ctx context.Context) {
	if s.draft == nil {
		return
	}

	for _, sl := range s.slots {
		if sl.State != slot.Generating || len(sl.Drafted) > 0 || len(sl.Generated) == 0 {
			continue
		}

		pt := s.pending[sl.TaskID]
		if pt == nil || len(pt.req.Media) > 0 {
			continue
		}

		nMax := sl.Params.SpecNMax
		if nMax <= 0 {
			continue
		}

		if room := s.cfg.NCtx - sl.NPast - 2; room < nMax {
			nMax = room
		}

		if sl.Params.NPredict >= 0 {
			if remaining := sl.Params.NPredict - len(sl.Generated) - 1; remaining < nMax {
				nMax = remaining
			}
		}

		if nMax <= 0 {
			continue
		}

		drafted := s.generateDraft(ctx, sl, nMax)
		if len(drafted) < sl.Params.SpecNMin {
			continue
		}

		sl.Drafted = drafted
	}
}

// generateDraft asks the draft backend to continue seq greedily for up to
// nMax tokens, one at a time: each round trip feeds the previous round's
// prediction back in as the next entry, mirroring how the real backend's own
// autoregressive decode works, just against the smaller draft model's KV.
func (s *Scheduler) generateDraft(ctx context.Context, sl *slot.Slot, nMax int) []token.ID {
	seq := sl.ID
	last := sl.Generated[len(sl.Generated)-1]
	pos := sl.NPast

	drafted := make([]token.ID, 0, nMax)

	for i := 0; i < nMax; i++ {
		batch := backend.Batch{Entries: []backend.BatchEntry{
			{Token: last, Pos: pos, Seq: seq, WantLogits: true},
		}}

		if _, err := s.draft.Decode(ctx, batch); err != nil {
			break
		}

		id, err := s.draft.Sample(ctx, seq, 0)
		if err != nil {
			break
		}

		drafted = append(drafted, id)
		last = id
		pos++
	}

	return drafted
}
