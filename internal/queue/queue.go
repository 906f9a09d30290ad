package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Redis-backed generation job queue.
//
// Layout:
//   queue:generation:ready     — LIST of jobs ready to run (BLPOP by workers)
//   queue:generation:delayed   — ZSET of retry payloads scored by due time
//   queue:generation:dedup:*   — per-request marker making Enqueue idempotent
//   queue:generation:done:*    — completed-job records, expire after 24h
//   queue:generation:failed:*  — exhausted-job records, kept 7 days
//   queue:generation:progress:* — last reported percent per in-flight job
//
// Delivery is at-least-once: the delayed→ready move pushes before it removes,
// so a crash in between redelivers rather than loses. Handlers must tolerate
// replays; the request row is the source of truth for what is already done.
// ---------------------------------------------------------------------------

const (
	readyKey       = "queue:generation:ready"
	delayedKey     = "queue:generation:delayed"
	dedupPrefix    = "queue:generation:dedup:"
	donePrefix     = "queue:generation:done:"
	failedPrefix   = "queue:generation:failed:"
	progressPrefix = "queue:generation:progress:"

	popTimeout    = 5 * time.Second
	moverInterval = 1 * time.Second

	// Safety net: a dedup marker orphaned by a crash eventually expires so
	// the request can be re-enqueued by the sweeper.
	dedupTTL = 24 * time.Hour
)

type Options struct {
	MaxAttempts     int
	BackoffBase     time.Duration
	Concurrency     int
	StartsPerMinute int
	CompletedTTL    time.Duration
	FailedTTL       time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		BackoffBase:     30 * time.Second,
		Concurrency:     2,
		StartsPerMinute: 10,
		CompletedTTL:    24 * time.Hour,
		FailedTTL:       7 * 24 * time.Hour,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.Concurrency <= 0 {
		o.Concurrency = d.Concurrency
	}
	if o.StartsPerMinute <= 0 {
		o.StartsPerMinute = d.StartsPerMinute
	}
	if o.CompletedTTL <= 0 {
		o.CompletedTTL = d.CompletedTTL
	}
	if o.FailedTTL <= 0 {
		o.FailedTTL = d.FailedTTL
	}
}

// message is the wire payload; attempts ride along so redeliveries know
// where they are in the retry budget.
type message struct {
	GenerationRequestID uuid.UUID `json:"generation_request_id"`
	AttemptsMade        int       `json:"attempts_made"`
	EnqueuedAt          time.Time `json:"enqueued_at"`
}

// Job is what a handler receives for one attempt.
type Job struct {
	GenerationRequestID uuid.UUID
	AttemptsMade        int
	MaxAttempts         int

	q *Queue
}

// UpdateProgress records the job's last reported percent in Redis for queue
// introspection. The request row remains the authoritative progress.
func (j *Job) UpdateProgress(ctx context.Context, percent int) {
	if j.q == nil {
		return
	}
	key := progressPrefix + j.GenerationRequestID.String()
	if err := j.q.client.Set(ctx, key, percent, dedupTTL).Err(); err != nil {
		j.q.log.Warn().Err(err).Str("request_id", j.GenerationRequestID.String()).Msg("failed to record job progress")
	}
}

// Handler processes jobs. Handle is called once per attempt; OnExhausted
// fires exactly once, after the final attempt has failed.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
	OnExhausted(ctx context.Context, generationRequestID uuid.UUID, finalErr error)
}

type Queue struct {
	client *redis.Client
	opts   Options
	log    zerolog.Logger
}

func New(redisURL string, opts Options, log zerolog.Logger) (*Queue, error) {
	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	opts.applyDefaults()

	return &Queue{
		client: client,
		opts:   opts,
		log:    log.With().Str("component", "queue").Logger(),
	}, nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// Enqueue pushes a job for the given request. The request id is the message
// id: a second Enqueue while the first is still queued, running, or retrying
// is a no-op, so the sweeper and double submissions cannot fan out into
// duplicate executions.
func (q *Queue) Enqueue(ctx context.Context, generationRequestID uuid.UUID) error {
	set, err := q.client.SetNX(ctx, dedupPrefix+generationRequestID.String(), time.Now().Unix(), dedupTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to set dedup marker: %w", err)
	}
	if !set {
		q.log.Debug().Str("request_id", generationRequestID.String()).Msg("enqueue skipped, job already tracked")
		return nil
	}

	payload, err := json.Marshal(message{
		GenerationRequestID: generationRequestID,
		EnqueuedAt:          time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.RPush(ctx, readyKey, payload).Err(); err != nil {
		// Roll the marker back so a later enqueue can succeed.
		q.client.Del(ctx, dedupPrefix+generationRequestID.String())
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	return nil
}

// Len returns the number of ready jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, readyKey).Result()
}

// Run pulls and processes jobs until ctx is cancelled. It starts
// opts.Concurrency worker loops plus the delayed-retry mover, and caps job
// starts across all loops at opts.StartsPerMinute to respect provider quotas.
func (q *Queue) Run(ctx context.Context, h Handler) {
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(q.opts.StartsPerMinute)), 1)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		q.moveDelayed(ctx)
	}()

	for i := 0; i < q.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.runWorker(ctx, worker, h, limiter)
		}(i)
	}

	wg.Wait()
	q.log.Info().Msg("queue workers stopped")
}

func (q *Queue) runWorker(ctx context.Context, worker int, h Handler, limiter *rate.Limiter) {
	log := q.log.With().Int("worker", worker).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := q.client.BLPop(ctx, popTimeout, readyKey).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to pop job")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(result) != 2 {
			log.Error().Msg("unexpected redis response shape")
			continue
		}

		var msg message
		if err := json.Unmarshal([]byte(result[1]), &msg); err != nil {
			log.Error().Err(err).Msg("failed to unmarshal job payload, dropping")
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			// Shutting down mid-wait: put the job back rather than lose it.
			q.client.LPush(context.Background(), readyKey, result[1])
			return
		}

		q.process(ctx, log, h, msg)
	}
}

func (q *Queue) process(ctx context.Context, log zerolog.Logger, h Handler, msg message) {
	id := msg.GenerationRequestID
	attempt := msg.AttemptsMade + 1

	log.Info().
		Str("request_id", id.String()).
		Int("attempt", attempt).
		Int("max_attempts", q.opts.MaxAttempts).
		Msg("processing job")

	job := &Job{
		GenerationRequestID: id,
		AttemptsMade:        msg.AttemptsMade,
		MaxAttempts:         q.opts.MaxAttempts,
		q:                   q,
	}

	err := h.Handle(ctx, job)
	if err == nil {
		q.markCompleted(ctx, id)
		log.Info().Str("request_id", id.String()).Msg("job completed")
		return
	}

	log.Warn().Err(err).
		Str("request_id", id.String()).
		Int("attempt", attempt).
		Msg("job attempt failed")

	if attempt >= q.opts.MaxAttempts {
		q.markFailed(ctx, id, attempt, err)
		h.OnExhausted(ctx, id, err)
		return
	}

	q.scheduleRetry(ctx, msg, attempt)
}

func (q *Queue) scheduleRetry(ctx context.Context, msg message, attemptsMade int) {
	msg.AttemptsMade = attemptsMade
	payload, err := json.Marshal(msg)
	if err != nil {
		q.log.Error().Err(err).Msg("failed to marshal retry payload")
		return
	}

	delay := backoffDelay(q.opts.BackoffBase, attemptsMade)
	due := time.Now().Add(delay)

	if err := q.client.ZAdd(ctx, delayedKey, &redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: payload,
	}).Err(); err != nil {
		q.log.Error().Err(err).
			Str("request_id", msg.GenerationRequestID.String()).
			Msg("failed to schedule retry")
		return
	}

	q.log.Info().
		Str("request_id", msg.GenerationRequestID.String()).
		Dur("delay", delay).
		Int("attempts_made", attemptsMade).
		Msg("retry scheduled")
}

// moveDelayed shifts due retries from the delayed ZSET onto the ready list.
func (q *Queue) moveDelayed(ctx context.Context) {
	ticker := time.NewTicker(moverInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := float64(time.Now().UnixMilli())
		due, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   fmt.Sprintf("%f", now),
			Count: 100,
		}).Result()
		if err != nil {
			if ctx.Err() == nil {
				q.log.Error().Err(err).Msg("failed to read delayed jobs")
			}
			continue
		}

		for _, payload := range due {
			// Push before remove: a crash in between means redelivery, which
			// at-least-once semantics already require handlers to tolerate.
			if err := q.client.RPush(ctx, readyKey, payload).Err(); err != nil {
				q.log.Error().Err(err).Msg("failed to move delayed job")
				continue
			}
			q.client.ZRem(ctx, delayedKey, payload)
		}
	}
}

func (q *Queue) markCompleted(ctx context.Context, id uuid.UUID) {
	record, _ := json.Marshal(map[string]interface{}{
		"generation_request_id": id,
		"completed_at":          time.Now().UTC(),
	})
	if err := q.client.Set(ctx, donePrefix+id.String(), record, q.opts.CompletedTTL).Err(); err != nil {
		q.log.Warn().Err(err).Str("request_id", id.String()).Msg("failed to record completion")
	}
	q.client.Del(ctx, dedupPrefix+id.String(), progressPrefix+id.String())
}

func (q *Queue) markFailed(ctx context.Context, id uuid.UUID, attempts int, finalErr error) {
	record, _ := json.Marshal(map[string]interface{}{
		"generation_request_id": id,
		"attempts":              attempts,
		"error":                 finalErr.Error(),
		"failed_at":             time.Now().UTC(),
	})
	if err := q.client.Set(ctx, failedPrefix+id.String(), record, q.opts.FailedTTL).Err(); err != nil {
		q.log.Warn().Err(err).Str("request_id", id.String()).Msg("failed to record failure")
	}
	q.client.Del(ctx, dedupPrefix+id.String(), progressPrefix+id.String())
}

// backoffDelay is exponential in the number of attempts already made:
// base, 2*base, 4*base, ...
func backoffDelay(base time.Duration, attemptsMade int) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	return time.Duration(float64(base) * math.Pow(2, float64(attemptsMade-1)))
}
