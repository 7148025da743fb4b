package facade

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/zhenzou/executors"

	"github.com/wireloom/llamaserve/internal/log"
)

// slotFileRetention is how long a saved slot file is kept before the
// sweep reclaims it, mirroring the teacher's GC worker's retention-window
// cleanup but on a fixed schedule rather than a configurable one, since
// slot files have no per-deployment retention policy of their own.
const slotFileRetention = 24 * time.Hour

type slotFileSweeper struct {
	dir      string
	executor executors.ScheduledExecutor
	cancel   context.CancelFunc
}

// newSlotFileSweeper periodically deletes slot-save files older than
// slotFileRetention from dir, the same cron-scheduled-executor shape the
// teacher's GC/backup workers use for unattended housekeeping. A bounded
// single-worker pool (MaxConcurrent 1) is enough: sweeps never overlap.
func newSlotFileSweeper(dir string) *slotFileSweeper {
	return &slotFileSweeper{
		dir:      dir,
		executor: executors.NewPoolScheduleExecutor(executors.WithMaxConcurrent(1)),
	}
}

func (s *slotFileSweeper) Start(ctx context.Context) error {
	if s.dir == "" {
		return nil
	}

	cancel, err := s.executor.ScheduleFuncAtCronRate(s.sweep, executors.CRONRule{Expr: "0 * * * *"})
	if err != nil {
		return err
	}

	s.cancel = cancel

	return nil
}

func (s *slotFileSweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	return s.executor.Shutdown(ctx)
}

func (s *slotFileSweeper) sweep(ctx context.Context) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	cutoff := time.Now().Add(-slotFileRetention)
	removed := 0

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if os.Remove(filepath.Join(s.dir, e.Name())) == nil {
			removed++
		}
	}

	if removed > 0 {
		log.Info(ctx, "swept stale slot files", log.Int("removed", removed), log.String("dir", s.dir))
	}
}
