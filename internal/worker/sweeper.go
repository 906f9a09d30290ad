package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SweeperStore lists requests whose enqueue was lost after the submission
// transaction committed.
type SweeperStore interface {
	ListStalePendingRequests(ctx context.Context, grace time.Duration) ([]uuid.UUID, error)
}

// Enqueuer re-submits a request's job. Enqueue is idempotent, so sweeping a
// request that is actually in flight is harmless.
type Enqueuer interface {
	Enqueue(ctx context.Context, generationRequestID uuid.UUID) error
}

// Sweeper re-enqueues requests stuck in pending longer than the grace
// interval. The committed request row is sufficient for the pipeline to
// resume, so a lost queue push is recoverable from the database alone.
type Sweeper struct {
	store SweeperStore
	queue Enqueuer
	grace time.Duration
	log   zerolog.Logger
}

func NewSweeper(store SweeperStore, queue Enqueuer, grace time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store: store,
		queue: queue,
		grace: grace,
		log:   log.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps at half the grace interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.grace / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	ids, err := s.store.ListStalePendingRequests(ctx, s.grace)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list stale pending requests")
		return
	}

	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, id); err != nil {
			s.log.Error().Err(err).Str("request_id", id.String()).Msg("failed to re-enqueue request")
			continue
		}
		s.log.Info().Str("request_id", id.String()).Msg("re-enqueued stale pending request")
	}
}
