package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/domain"
)

func testQueue(t *testing.T, cfg config.QueueConfig) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.VisibilityTimeoutSec == 0 {
		cfg.VisibilityTimeoutSec = 180
	}
	return New(rdb, cfg, nil), mr
}

func job(phase int, priority domain.Priority, emailIDs ...string) *domain.Job {
	return &domain.Job{Phase: phase, Priority: priority, EmailIDs: emailIDs}
}

func TestDequeueHonorsPriorityOrder(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{})
	ctx := context.Background()

	for _, j := range []*domain.Job{
		job(1, domain.PriorityLow, "e-low"),
		job(1, domain.PriorityCritical, "e-crit"),
		job(1, domain.PriorityMedium, "e-med"),
		job(1, domain.PriorityHigh, "e-high"),
	} {
		ok, err := q.Enqueue(ctx, j)
		require.NoError(t, err)
		require.True(t, ok)
	}

	var got []string
	for {
		j, err := q.Dequeue(ctx, 1)
		require.NoError(t, err)
		if j == nil {
			break
		}
		got = append(got, j.EmailIDs[0])
		require.NoError(t, q.Ack(ctx, j))
	}
	require.Equal(t, []string{"e-crit", "e-high", "e-med", "e-low"}, got)
}

func TestDequeueSkipsNotYetDueJobs(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{})
	ctx := context.Background()

	future := job(1, domain.PriorityCritical, "e-future")
	future.NotBefore = time.Now().Add(time.Hour)
	_, err := q.Enqueue(ctx, future)
	require.NoError(t, err)

	ready := job(1, domain.PriorityLow, "e-ready")
	_, err = q.Enqueue(ctx, ready)
	require.NoError(t, err)

	// The deferred critical job must not block ready low-priority work
	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "e-ready", j.EmailIDs[0])

	j, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestEnqueueIdempotency(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{})
	ctx := context.Background()

	a := job(2, domain.PriorityMedium, "e-1")
	a.IdempotencyKey = "phase2:e-1"
	ok, err := q.Enqueue(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	b := job(2, domain.PriorityMedium, "e-1")
	b.IdempotencyKey = "phase2:e-1"
	ok, err = q.Enqueue(ctx, b)
	require.NoError(t, err)
	require.False(t, ok, "same idempotency key must not enqueue twice")

	depth, err := q.Depth(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestNackBackoffThenDeadLetter(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{MaxAttempts: 2})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, domain.PriorityHigh, "e-1"))
	require.NoError(t, err)

	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, j)

	dead, err := q.Nack(ctx, j, errors.New("rule engine panic"))
	require.NoError(t, err)
	require.False(t, dead)
	require.Equal(t, 1, j.Attempts)

	// Requeued with backoff: not dequeueable right now
	next, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, next)

	// Second failure exhausts the budget
	j.Attempts = 1
	dead, err = q.Nack(ctx, j, errors.New("still failing"))
	require.NoError(t, err)
	require.True(t, dead)

	stats, err := q.Stats(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.DeadLetters)
	require.Equal(t, int64(0), stats.Depth)

	letters, err := q.PeekDeadLetters(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, "still failing", letters[0].LastError)
}

func TestJobDecodeTakesPriorityFromRank(t *testing.T) {
	// Promotion rewrites rank in the score; a stale priority string must
	// not win over it.
	j, err := jobFromMap(map[string]string{
		"id":       "j-1",
		"phase":    "2",
		"rank":     "1",
		"priority": "medium",
	})
	require.NoError(t, err)
	require.Equal(t, domain.PriorityCritical, j.Priority)

	j, err = jobFromMap(map[string]string{"id": "j-2", "phase": "2", "priority": "low"})
	require.NoError(t, err)
	require.Equal(t, domain.PriorityLow, j.Priority, "no rank field falls back to the name")
}

func TestReleaseKeepsAttemptBudget(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{MaxAttempts: 2})
	ctx := context.Background()

	j := job(2, domain.PriorityHigh, "e-1")
	j.Attempts = 1 // one real failure already spent
	_, err := q.Enqueue(ctx, j)
	require.NoError(t, err)

	leased, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, leased)

	require.NoError(t, q.Release(ctx, leased, 0, errors.New("model breaker open")))

	stats, err := q.Stats(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.Leased)
	require.Equal(t, int64(0), stats.DeadLetters, "release never dead-letters")

	again, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 1, again.Attempts, "release does not spend an attempt")
	require.Equal(t, "model breaker open", again.LastError)
}

func TestRequeueDeadLetters(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, domain.PriorityMedium, "e-1"))
	require.NoError(t, err)
	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	dead, err := q.Nack(ctx, j, errors.New("boom"))
	require.NoError(t, err)
	require.True(t, dead)

	n, err := q.RequeueDeadLetters(ctx, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	recovered, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, recovered)
	require.Equal(t, 0, recovered.Attempts)
	require.Equal(t, "e-1", recovered.EmailIDs[0])
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{VisibilityTimeoutSec: -1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(3, domain.PriorityHigh, "e-1"))
	require.NoError(t, err)

	// Lease lands already expired (negative visibility), simulating a
	// worker that died holding the job
	j, err := q.Dequeue(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, j)

	requeued, deadLettered, err := q.RecoverExpired(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 1, requeued)
	require.Zero(t, deadLettered)

	again, err := q.Dequeue(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, j.JobID, again.JobID)
	require.Equal(t, 1, again.Attempts, "redelivery counts as an attempt")
}

func TestRecoverySendsExhaustedJobsToDeadLetters(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{VisibilityTimeoutSec: -1, MaxAttempts: 1})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(2, domain.PriorityHigh, "e-1"))
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, 2)
	require.NoError(t, err)

	requeued, deadLettered, err := q.RecoverExpired(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, requeued)
	require.Equal(t, 1, deadLettered)
}

func TestPromoteAgedJobs(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{AgingThresholdSec: 0})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, domain.PriorityLow, "e-old"))
	require.NoError(t, err)

	// Threshold zero: every waiting job ages up one level per pass
	n, err := q.PromoteAged(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, domain.PriorityMedium, j.Priority)
}

func TestAgedJobOvertakesYoungerHigherPriority(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{AgingThresholdSec: 0})
	ctx := context.Background()

	old := job(1, domain.PriorityMedium, "e-old")
	old.EnqueuedAt = time.Now().Add(-time.Hour)
	old.NotBefore = old.EnqueuedAt
	_, err := q.Enqueue(ctx, old)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, job(1, domain.PriorityHigh, "e-young"))
	require.NoError(t, err)

	// Promote twice: medium -> high -> critical
	for i := 0; i < 2; i++ {
		_, err = q.PromoteAged(ctx, 1)
		require.NoError(t, err)
	}

	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "e-old", j.EmailIDs[0])
}

func TestPauseResumeStream(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, domain.PriorityHigh, "e-1"))
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx, 1))
	j, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.Nil(t, j, "paused stream must not hand out jobs")

	paused, err := q.Paused(ctx, 1)
	require.NoError(t, err)
	require.True(t, paused)

	require.NoError(t, q.Resume(ctx, 1))
	j, err = q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, j)
}

func TestStreamsAreIsolatedPerPhase(t *testing.T) {
	q, _ := testQueue(t, config.QueueConfig{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, job(1, domain.PriorityHigh, "e-1"))
	require.NoError(t, err)

	j, err := q.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Nil(t, j)

	depth1, _ := q.Depth(ctx, 1)
	depth2, _ := q.Depth(ctx, 2)
	require.Equal(t, int64(1), depth1)
	require.Zero(t, depth2)
}
