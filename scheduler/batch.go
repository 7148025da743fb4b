package scheduler

import (
	"context"
	"fmt"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

// batchEntryMeta records, per batch.Entries index, which slot it belongs
// to and what post-decode action it implies (spec §4.4 step 4/7).
type batchEntryMeta struct {
	slotIdx       int
	isGenToken    bool
	isPromptFinal bool
	isDraftToken  bool
	// localIdx is this entry's position among its slot's own WantLogits
	// entries submitted in the current tick's batch (0 for the first, as
	// opposed to its position in the flattened batch), the index
	// backend.Backend.Sample expects (spec §4.4 step 8's per-position draft
	// verification needs more than one logits-bearing entry per slot in a
	// single decode).
	localIdx int
}

// assembleBatch builds the next decode batch: one entry per Generating
// slot's pending sampled token, then unprocessed prompt tokens for
// Started/ProcessingPrompt slots in slot-index (arrival) order, capped at
// NBatch entries (spec §4.4 step 4). Multimodal chunks are processed
// out-of-band via mtmd and never occupy a batch entry.
func (s *Scheduler) assembleBatch() (backend.Batch, []batchEntryMeta) {
	var (
		batch backend.Batch
		metas []batchEntryMeta
	)

	for i, sl := range s.slots {
		if sl.State != slot.Generating || len(sl.Generated) == 0 {
			continue
		}

		if len(batch.Entries) >= s.cfg.NBatch {
			break
		}

		last := sl.Generated[len(sl.Generated)-1]
		batch.Entries = append(batch.Entries, backend.BatchEntry{
			Token: last, Pos: sl.NPast, Seq: sl.ID, WantLogits: true,
		})
		metas = append(metas, batchEntryMeta{slotIdx: i, isGenToken: true, localIdx: 0})

		if len(sl.Drafted) == 0 {
			continue
		}

		sl.IBatchDft = sl.IBatchDft[:0]

		for j, tok := range sl.Drafted {
			if len(batch.Entries) >= s.cfg.NBatch {
				break
			}

			batch.Entries = append(batch.Entries, backend.BatchEntry{
				Token: tok, Pos: sl.NPast + 1 + j, Seq: sl.ID, WantLogits: true,
			})
			metas = append(metas, batchEntryMeta{slotIdx: i, isDraftToken: true, localIdx: j + 1})
			sl.IBatchDft = append(sl.IBatchDft, j+1)
		}

		// NBatch may have capped how many drafted tokens actually made it
		// into this batch; keep Drafted in lockstep with IBatchDft so
		// postDecode only verifies positions the backend actually decoded.
		sl.Drafted = sl.Drafted[:len(sl.IBatchDft)]
	}

	for i, sl := range s.slots {
		if sl.State != slot.Started && sl.State != slot.ProcessingPrompt {
			continue
		}

		pt, ok := s.pending[sl.TaskID]
		if !ok {
			continue
		}

		sl.State = slot.ProcessingPrompt

		n := pt.req.Tokens.Len()

		for sl.NPast < n && len(batch.Entries) < s.cfg.NBatch {
			id := pt.req.Tokens.At(sl.NPast)

			if id == token.Media {
				s.processMediaChunk(i, pt)
				continue
			}

			isFinal := sl.NPast == n-1
			batch.Entries = append(batch.Entries, backend.BatchEntry{
				Token: id, Pos: sl.NPast, Seq: sl.ID, WantLogits: isFinal,
			})
			metas = append(metas, batchEntryMeta{slotIdx: i, isPromptFinal: isFinal})
			sl.NPast++
		}
	}

	return batch, metas
}

// processMediaChunk advances a slot's prompt counter past a media span by
// handing it to the multimodal processor, which internally drives its own
// backend decode calls (spec §4.4 step 4).
func (s *Scheduler) processMediaChunk(slotIdx int, pt *pendingTask) {
	sl := s.slots[slotIdx]

	chunk, ok := pt.req.Tokens.ChunkAt(sl.NPast)
	if !ok || chunk == nil {
		sl.NPast++
		return
	}

	if s.mm != nil {
		for _, m := range pt.req.Media {
			if _, err := s.mm.Process(context.Background(), m); err != nil {
				break
			}
		}
	}

	sl.NPast += chunk.NTokens
}

// decodeWithRetry drives backend.Decode in chunks of NBatch, applying the
// recovery policy from spec §4.4 step 6: on DecodeRetryable, first try
// evicting one idle slot's KV, else halve the effective batch size and
// retry the same offset; a retryable failure of a single-entry batch with
// no idle KV left to evict, and every other non-OK result, is terminal for
// the processing slots.
func (s *Scheduler) decodeWithRetry(ctx context.Context, batch backend.Batch) {
	offset := 0
	effBatch := len(batch.Entries)

	for offset < len(batch.Entries) {
		end := offset + effBatch
		if end > len(batch.Entries) {
			end = len(batch.Entries)
		}

		view := backend.Batch{Entries: batch.Entries[offset:end]}

		if s.metrics != nil {
			s.metrics.DecodeCallsTotal.Inc()
		}

		result, err := s.be.Decode(ctx, view)

		switch result {
		case backend.DecodeOK:
			offset = end
			effBatch = len(batch.Entries)
		case backend.DecodeContextFull:
			s.dumpDecodeFailure(ctx, "decode_context_full", view, err)
			s.releaseAllProcessing(slot.StopError)
			return
		case backend.DecodeInvalidBatch, backend.DecodeComputeError:
			s.dumpDecodeFailure(ctx, "decode_invalid_batch", view, err)
			s.releaseAllProcessing(slot.StopError)
			return
		case backend.DecodeRetryable:
			if !s.evictOneIdleSlotKV() {
				if effBatch <= 1 {
					s.releaseAllProcessing(slot.StopError)
					return
				}

				effBatch = max(1, effBatch/2)
			}
		default:
			_ = err
			return
		}
	}
}

// dumpDecodeFailure writes the offending batch view to disk for postmortem
// when a dumper is configured (spec §9 "Scoped resources" debugging aid;
// disabled by default since it writes to disk on the operator's behalf).
func (s *Scheduler) dumpDecodeFailure(ctx context.Context, reason string, view backend.Batch, err error) {
	if s.dumper == nil {
		return
	}

	s.dumper.DumpStruct(ctx, map[string]any{
		"reason": reason,
		"error":  fmt.Sprint(err),
		"batch":  view,
	}, "decode_failure")
}

func (s *Scheduler) evictOneIdleSlotKV() bool {
	for _, sl := range s.slots {
		if sl.IsIdle() && sl.IdlePrompt != nil && sl.IdlePrompt.Len() > 0 {
			_ = s.be.SeqRM(sl.ID, 0, -1)
			sl.IdlePrompt = nil
			sl.NPast = 0

			return true
		}
	}

	return false
}

func (s *Scheduler) releaseAllProcessing(reason slot.StopReason) {
	for i, sl := range s.slots {
		if sl.IsProcessing() {
			s.rq.Push(queue.Result{TaskID: sl.TaskID, Final: true, Err: errDecodeFailed})
			s.releaseSlot(i, reason)
		}
	}
}

var errDecodeFailed = fmtError("scheduler: backend decode failed")
