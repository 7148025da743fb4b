package reader

import (
	"context"

	"github.com/wireloom/llamaserve/internal/pkg/streams"
)

// AsStream adapts r into the pull-based streams.Stream[Item] abstraction
// httpapi's SSE handlers iterate over, stopping at the first terminal
// (final or error) item.
func (r *Reader) AsStream(ctx context.Context, shouldStop ShouldStopFunc) streams.Stream[Item] {
	done := false

	return streams.FromFunc(func() (Item, bool, error) {
		if done {
			return Item{}, false, nil
		}

		item, ok := r.Next(ctx, shouldStop)
		if !ok {
			done = true

			if item.Err != nil {
				return Item{}, false, item.Err
			}

			return Item{}, false, nil
		}

		if item.Final || item.Err != nil {
			done = true
		}

		if item.Err != nil {
			return Item{}, false, item.Err
		}

		return item, true, nil
	})
}
