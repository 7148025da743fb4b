package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/metrics"
	"github.com/wireloom/llamaserve/mtmd"
	"github.com/wireloom/llamaserve/promptcache"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

func newDraftTestScheduler(t *testing.T) (*Scheduler, *queue.TaskQueue, *queue.ResponseQueue, *metrics.Metrics) {
	t.Helper()

	tq := queue.New()
	rq := queue.NewResponseQueue()
	be := fake.New(2048, backend.MemoryCapability{})
	pc := promptcache.New(1 << 20)
	m := metrics.New(prometheus.NewRegistry())

	cfg := Config{
		NCtx: 2048, NBatch: 512, NParallel: 1,
		ContextShiftEnabled: true, CachePrompt: true,
		SlotPromptSimilarity: 0.5, NCtxCheckpoints: 4,
		IdleSleepMS: 0, PollingInterval: 10 * time.Millisecond,
	}

	s := New(cfg, be, mtmd.Disabled{}, tq, rq, pc, m)

	return s, tq, rq, m
}

// fake.Backend is deterministic (next = last + 1) regardless of which
// instance decoded a given seq's most recent token, so a freshly-loaded
// draft backend always agrees with the main backend's own predictions:
// this exercises the full-acceptance-plus-bonus-token branch of
// verifyDraftAndAdvance.
func TestDraftPassProposesAndFullyAccepts(t *testing.T) {
	s, tq, rq, m := newDraftTestScheduler(t)

	draftBE := fake.New(2048, backend.MemoryCapability{})
	s.SetDraft(draftBE)

	id := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3),
		Params: slot.TaskParams{NPredict: 8, SpecNMin: 1, SpecNMax: 3},
	}}, false)
	rq.Watch(id)

	ctx := context.Background()

	var final queue.Result

	for i := 0; i < 30; i++ {
		s.tick(ctx)

		if r, ok := rq.Recv(ctx, []int64{id}, time.Millisecond); ok && r.Final {
			final = r
			break
		}
	}

	assert.Equal(t, id, final.TaskID)
	assert.True(t, s.slots[0].IsIdle())
	assert.Greater(t, testutil.ToFloat64(m.DraftTokensTotal), float64(0))
	assert.Equal(t, testutil.ToFloat64(m.DraftTokensTotal), testutil.ToFloat64(m.DraftTokensAcceptedTotal))
}

// TestVerifyDraftAndAdvanceRollsBackOnMismatch manufactures a drafted run
// that disagrees with what the main backend would actually sample, and
// checks that the rejected KV cells get trimmed and n_past only advances
// past the accepted prefix.
func TestVerifyDraftAndAdvanceRollsBackOnMismatch(t *testing.T) {
	s, tq, rq, m := newDraftTestScheduler(t)

	draftBE := fake.New(2048, backend.MemoryCapability{})
	s.SetDraft(draftBE)

	id := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3),
		Params: slot.TaskParams{NPredict: 8, SpecNMin: 1, SpecNMax: 3},
	}}, false)
	rq.Watch(id)

	ctx := context.Background()

	// Drive the slot past the prompt into Generating. draftPass runs at the
	// end of that same tick and may queue a draft; it is replaced below.
	for i := 0; i < 5 && s.slots[0].State != slot.Generating; i++ {
		s.tick(ctx)
	}

	assertGenerating(t, s)

	sl := s.slots[0]
	wrong := sl.Generated[len(sl.Generated)-1] + 1000 // guaranteed to disagree with fake's next = last+1

	sl.Drafted = []token.ID{wrong}

	npastBefore := sl.NPast

	s.tick(ctx)

	assert.Equal(t, npastBefore+1, sl.NPast, "only the real resampled token should advance n_past, not the rejected draft")
	assert.Equal(t, 0, sl.NDraftAccepted)
	assert.Equal(t, testutil.ToFloat64(m.DraftTokensTotal), float64(1))
	assert.Equal(t, testutil.ToFloat64(m.DraftTokensAcceptedTotal), float64(0))

	for i := 0; i < 30; i++ {
		s.tick(ctx)

		if r, ok := rq.Recv(ctx, []int64{id}, time.Millisecond); ok && r.Final {
			break
		}
	}
}

func assertGenerating(t *testing.T, s *Scheduler) {
	t.Helper()
	assert.Equal(t, slot.Generating, s.slots[0].State)
}
