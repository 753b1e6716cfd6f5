package analysis

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/pkg/models"
)

// Runner submits claimed queue items to a backend in bounded batches. An
// oversized batch is split in half and each half retried independently,
// down to single items; a single item that still exceeds the limit fails
// outright instead of looping.
type Runner struct {
	backend Backend
	queue   *db.QueueStore
}

// NewRunner wires a runner to a backend and the queue store it fails
// oversized singles against.
func NewRunner(backend Backend, queue *db.QueueStore) *Runner {
	return &Runner{backend: backend, queue: queue}
}

// BatchOutcome is one successful backend response with the items it
// covered. Output may still be unparseable; the caller decides between
// applying and poisoning.
type BatchOutcome struct {
	Output  []byte
	Items   []*models.QueueItem
	Dropped []int64
}

// Run drives the bisection over req.Items. The split stack is explicit, so
// depth is bounded by the batch size, not the call stack. On a
// connectivity or auth error the remaining batches are abandoned and the
// error returned; outcomes gathered before the failure are still returned
// so their results are not wasted.
func (r *Runner) Run(ctx context.Context, req *Request) ([]BatchOutcome, error) {
	if len(req.Items) == 0 {
		return nil, nil
	}

	var outcomes []BatchOutcome
	stack := [][]*models.QueueItem{req.Items}
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}

		batch := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		sub := *req
		sub.Items = batch
		resp, err := r.backend.RunAnalysis(ctx, &sub)

		var tooLarge *models.PayloadTooLargeError
		switch {
		case errors.As(err, &tooLarge):
			if len(batch) == 1 {
				log.Warn().
					Int64("id", batch[0].ID).
					Int("size", tooLarge.Size).
					Int("limit", tooLarge.Limit).
					Msg("Single conversation exceeds payload limit, failing item")
				if ferr := r.queue.MarkFailed(ctx, batch[0].ID, err.Error()); ferr != nil {
					log.Error().Err(ferr).Int64("id", batch[0].ID).Msg("Failed to mark oversized item failed")
				}
				continue
			}
			mid := len(batch) / 2
			log.Debug().
				Int("batch", len(batch)).
				Int("size", tooLarge.Size).
				Int("limit", tooLarge.Limit).
				Msg("Payload too large, bisecting batch")
			// Push the tail first so the head is processed next,
			// preserving submission order.
			stack = append(stack, batch[mid:], batch[:mid])

		case err != nil:
			// Connectivity and auth errors cover the whole backend, not
			// this batch; unprocessed items stay claimed and come back
			// through stale-claim recovery.
			return outcomes, err

		default:
			outcomes = append(outcomes, BatchOutcome{
				Items:   batch,
				Output:  resp.Output,
				Dropped: resp.Dropped,
			})
		}
	}
	return outcomes, nil
}
