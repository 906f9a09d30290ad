package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second

	assert.Equal(t, 30*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 60*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 120*time.Second, backoffDelay(base, 3))

	// Attempt counts below 1 clamp to the base delay.
	assert.Equal(t, 30*time.Second, backoffDelay(base, 0))
}

func TestMessageRoundTrip(t *testing.T) {
	id := uuid.New()
	msg := message{
		GenerationRequestID: id,
		AttemptsMade:        2,
		EnqueuedAt:          time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}

	payload, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded message
	require.NoError(t, json.Unmarshal(payload, &decoded))

	assert.Equal(t, id, decoded.GenerationRequestID)
	assert.Equal(t, 2, decoded.AttemptsMade)
	assert.True(t, msg.EnqueuedAt.Equal(decoded.EnqueuedAt))
}

func TestOptionsApplyDefaults(t *testing.T) {
	var opts Options
	opts.applyDefaults()

	assert.Equal(t, 3, opts.MaxAttempts)
	assert.Equal(t, 30*time.Second, opts.BackoffBase)
	assert.Equal(t, 2, opts.Concurrency)
	assert.Equal(t, 10, opts.StartsPerMinute)
	assert.Equal(t, 24*time.Hour, opts.CompletedTTL)
	assert.Equal(t, 7*24*time.Hour, opts.FailedTTL)

	// Explicit values survive.
	opts = Options{MaxAttempts: 5, Concurrency: 8}
	opts.applyDefaults()
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, 8, opts.Concurrency)
	assert.Equal(t, 30*time.Second, opts.BackoffBase)
}
