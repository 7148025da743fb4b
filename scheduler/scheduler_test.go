package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wireloom/llamaserve/backend"
	"github.com/wireloom/llamaserve/backend/fake"
	"github.com/wireloom/llamaserve/internal/dumper"
	"github.com/wireloom/llamaserve/mtmd"
	"github.com/wireloom/llamaserve/promptcache"
	"github.com/wireloom/llamaserve/queue"
	"github.com/wireloom/llamaserve/slot"
	"github.com/wireloom/llamaserve/token"
)

func newTestScheduler(t *testing.T, nParallel int, mem backend.MemoryCapability) (*Scheduler, *queue.TaskQueue, *queue.ResponseQueue) {
	t.Helper()

	tq := queue.New()
	rq := queue.NewResponseQueue()
	be := fake.New(2048, mem)
	pc := promptcache.New(1 << 20)

	cfg := Config{
		NCtx: 2048, NBatch: 512, NParallel: nParallel,
		ContextShiftEnabled: true, CachePrompt: true,
		SlotPromptSimilarity: 0.5, NCtxCheckpoints: 4,
		IdleSleepMS: 0, PollingInterval: 10 * time.Millisecond,
	}

	s := New(cfg, be, mtmd.Disabled{}, tq, rq, pc, nil)

	return s, tq, rq
}

func promptOf(ids ...token.ID) *token.TokenBuf {
	buf := token.New(false)
	for _, id := range ids {
		buf.PushText(id)
	}

	return buf
}

func TestAssignLaunchesIdleSlot(t *testing.T) {
	s, tq, rq := newTestScheduler(t, 1, backend.MemoryCapability{})
	rq.Watch(1)

	id := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3), Params: slot.TaskParams{NPredict: 3},
	}}, false)

	hadWork := s.drainQueue(context.Background())
	assert.True(t, hadWork)
	assert.Equal(t, slot.Started, s.slots[0].State)
	assert.Equal(t, id, s.slots[0].TaskID)
}

func TestTickGeneratesTokensToCompletion(t *testing.T) {
	s, tq, rq := newTestScheduler(t, 1, backend.MemoryCapability{})

	id := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3), Params: slot.TaskParams{NPredict: 2},
	}}, false)
	rq.Watch(id)

	ctx := context.Background()

	var final queue.Result

	for i := 0; i < 20; i++ {
		s.tick(ctx)

		if r, ok := rq.Recv(ctx, []int64{id}, time.Millisecond); ok {
			if r.Final {
				final = r
				break
			}
		}
	}

	assert.Equal(t, id, final.TaskID)
	assert.True(t, s.slots[0].IsIdle())
}

func TestPickSlotExactIDRejectsBusy(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating

	assert.Equal(t, -1, s.pickSlot(0, promptOf(1)))
	assert.Equal(t, 1, s.pickSlot(1, promptOf(1)))
}

func TestPickSlotPrefersHighSimilarity(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2, backend.MemoryCapability{})
	s.slots[0].IdlePrompt = promptOf(1, 2, 3, 4)
	s.slots[0].TLastUsed = time.Now().Add(-time.Hour)
	s.slots[1].TLastUsed = time.Now()

	idx := s.pickSlot(-1, promptOf(1, 2, 3, 4))
	assert.Equal(t, 0, idx)
}

func TestLaunchReusesIdlePromptPrefix(t *testing.T) {
	s, tq, _ := newTestScheduler(t, 1, backend.MemoryCapability{})

	sl := s.slots[0]
	sl.IdlePrompt = promptOf(1, 2, 3, 4, 5)

	id := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: 0, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3, 4, 5, 6, 7), Params: slot.TaskParams{NPredict: 1},
	}}, false)

	s.drainQueue(context.Background())

	assert.Equal(t, id, sl.TaskID)
	assert.Equal(t, 5, sl.NPast)
	assert.Equal(t, 5, sl.Prompt.Len())
	assert.Nil(t, sl.IdlePrompt)
}

func TestAssignFanOutDefersWhenNotEnoughSlots(t *testing.T) {
	s, tq, _ := newTestScheduler(t, 1, backend.MemoryCapability{})

	tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3), Params: slot.TaskParams{NPredict: 1},
		NChildren: 1, ChildIDs: []int64{100},
	}}, false)

	s.drainQueue(context.Background())

	assert.True(t, s.slots[0].IsIdle())
	_, ok := tq.PopDeferred(-1)
	assert.True(t, ok)
}

func TestFanOutChildCompletesViaSeqCp(t *testing.T) {
	s, tq, rq := newTestScheduler(t, 2, backend.MemoryCapability{})

	parentID := tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1, 2, 3), Params: slot.TaskParams{NPredict: 1},
		NChildren: 1, ChildIDs: []int64{999},
	}}, false)

	ids := []int64{parentID, 999}
	rq.Watch(ids...)

	ctx := context.Background()
	got := map[int64]bool{}

	for i := 0; i < 30 && len(got) < 2; i++ {
		s.tick(ctx)

		for {
			r, ok := rq.Recv(ctx, ids, time.Millisecond)
			if !ok {
				break
			}

			if r.Final {
				got[r.TaskID] = true
			}
		}
	}

	assert.Len(t, got, 2)
	assert.True(t, s.slots[0].IsIdle())
	assert.True(t, s.slots[1].IsIdle())
}

func TestPickSlotFallsBackToLRU(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2, backend.MemoryCapability{})
	s.slots[0].TLastUsed = time.Now()
	s.slots[1].TLastUsed = time.Now().Add(-time.Hour)

	idx := s.pickSlot(-1, promptOf(9, 9, 9))
	assert.Equal(t, 1, idx)
}

func TestAssignDefersWhenNoSlotAvailable(t *testing.T) {
	s, tq, _ := newTestScheduler(t, 1, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating

	tq.Post(queue.Task{Kind: queue.KindGenerate, IDSlot: -1, Payload: GenerateRequest{
		Tokens: promptOf(1), Params: slot.TaskParams{NPredict: 1},
	}}, false)

	s.drainQueue(context.Background())

	assert.Empty(t, tq.DrainAll())

	_, ok := tq.PopDeferred(-1)
	assert.True(t, ok)
}

func TestReleaseSlotPromotesDeferredTask(t *testing.T) {
	s, tq, _ := newTestScheduler(t, 1, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating
	s.slots[0].TaskID = 1

	tq.Defer(queue.Task{ID: 2, Kind: queue.KindGenerate, IDSlot: 0, Payload: GenerateRequest{
		Tokens: promptOf(5), Params: slot.TaskParams{NPredict: 1},
	}})

	s.releaseSlot(0, slot.StopEOS)

	tasks := tq.DrainAll()
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(2), tasks[0].ID)
}

func TestHandleCancelReleasesSlot(t *testing.T) {
	s, _, rq := newTestScheduler(t, 1, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating
	s.slots[0].TaskID = 7
	s.pending[7] = &pendingTask{req: GenerateRequest{}, slotIdx: 0}
	rq.Watch(7)

	s.handleCancel(queue.Task{IDTarget: 7})

	assert.True(t, s.slots[0].IsIdle())
}

func TestDumpDecodeFailureWritesFileWhenDumperEnabled(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{})

	dir := t.TempDir()
	s.SetDumper(dumper.New(dumper.Config{Enabled: true, DumpPath: dir}))

	s.dumpDecodeFailure(context.Background(), "decode_invalid_batch", backend.Batch{}, backend.ErrContextSizeExceeded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, filepath.Base(entries[0].Name()), "decode_failure")
}

func TestDumpDecodeFailureNoopWithoutDumper(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{})

	// No SetDumper call: s.dumper is nil, this must not panic.
	s.dumpDecodeFailure(context.Background(), "decode_invalid_batch", backend.Batch{}, backend.ErrContextSizeExceeded)
}

func TestContextShiftPassShiftsGeneratingSlot(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{CanShift: true})
	s.cfg.NCtx = 10

	sl := s.slots[0]
	sl.State = slot.Generating
	sl.Prompt = promptOf(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	sl.Params.NKeep = 1
	sl.NPast = sl.Prompt.Len()

	s.contextShiftPass()

	assert.True(t, sl.Truncated)
	assert.Less(t, sl.Prompt.Len(), 10)
}

func TestContextShiftPassSkipsWhenMediaPresent(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{CanShift: true})
	s.cfg.NCtx = 10

	sl := s.slots[0]
	sl.State = slot.Generating
	sl.Prompt = promptOf(1, 2, 3, 4, 5, 6, 7, 8, 9, 10)
	sl.TaskID = 1
	s.pending[1] = &pendingTask{req: GenerateRequest{Media: []mtmd.Input{{MimeType: "image/png"}}}}

	s.contextShiftPass()

	assert.False(t, sl.Truncated)
}

func TestCheckpointPassSkippedWithoutSWA(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{IsSWA: false})

	sl := s.slots[0]
	sl.State = slot.Generating
	sl.NPast = 200

	s.checkpointPass()

	assert.Equal(t, 0, sl.Checkpoints.Len())
}

func TestCheckpointPassPushesCheckpointWhenDue(t *testing.T) {
	s, _, _ := newTestScheduler(t, 1, backend.MemoryCapability{IsSWA: true})

	sl := s.slots[0]
	sl.State = slot.Generating
	sl.NPast = 200
	sl.ID = 0

	// Give seq 0 the 200 resident cells that NPast claims.
	var batch backend.Batch
	for i := 0; i < 200; i++ {
		batch.Entries = append(batch.Entries, backend.BatchEntry{Token: token.ID(i), Pos: i, Seq: 0})
	}

	_, err := s.be.Decode(context.Background(), batch)
	require.NoError(t, err)

	s.checkpointPass()

	assert.Equal(t, 1, sl.Checkpoints.Len())
}

func TestHandleSlotControlRejectsBusySlot(t *testing.T) {
	s, _, rq := newTestScheduler(t, 1, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating
	rq.Watch(1)

	s.handleSlotControl(queue.Task{ID: 1, Kind: queue.KindSlotErase, IDSlot: 0})

	r, ok := rq.Recv(context.Background(), []int64{1}, time.Second)
	require.True(t, ok)
	assert.Error(t, r.Err)
}

func TestSnapshotMetricsCountsBusySlots(t *testing.T) {
	s, _, _ := newTestScheduler(t, 2, backend.MemoryCapability{})
	s.slots[0].State = slot.Generating

	snap := s.snapshotMetrics()
	assert.Equal(t, 2, snap["slots_total"])
	assert.Equal(t, 1, snap["slots_busy"])
}
