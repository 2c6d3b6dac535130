// Package queue is the Redis-backed priority work queue for the three
// analysis phases. Each phase has its own stream; jobs are leased with a
// visibility timeout and must be acked or nacked, so a crashed worker can
// never lose an accepted job.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-intel/internal/config"
	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/pkg/logger"
)

const (
	jobKeyPrefix  = "job:"
	idemKeyPrefix = "idem:"
	idemTTLSec    = 86400

	retryBase = 30 * time.Second
	retryCap  = 15 * time.Minute
)

// Queue manages the per-phase streams on a shared Redis.
type Queue struct {
	rdb *redis.Client
	cfg config.QueueConfig
	log *logger.Logger
}

// Stats is a point-in-time view of one phase stream.
type Stats struct {
	Phase       int   `json:"phase"`
	Depth       int64 `json:"depth"`
	Leased      int64 `json:"leased"`
	DeadLetters int64 `json:"dead_letters"`
	Paused      bool  `json:"paused"`
}

// New creates a Queue on the given Redis client.
func New(rdb *redis.Client, cfg config.QueueConfig, log *logger.Logger) *Queue {
	if log == nil {
		log = logger.Default()
	}
	return &Queue{rdb: rdb, cfg: cfg, log: log.With("component", "queue")}
}

func streamKey(phase int) string { return fmt.Sprintf("queue:phase%d", phase) }
func leasedKey(phase int) string { return streamKey(phase) + ":leased" }
func deadKey(phase int) string   { return streamKey(phase) + ":dead" }
func pausedKey(phase int) string { return streamKey(phase) + ":paused" }

func score(priority domain.Priority, notBefore time.Time) float64 {
	return float64(priority.Rank())*1e13 + float64(notBefore.UnixMilli())
}

// Enqueue registers a job. Returns false when the idempotency key was seen
// within the last 24h (the job is already queued or was recently processed).
// A job without an idempotency key gets one derived from its identity.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) (bool, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Priority == "" {
		job.Priority = domain.PriorityMedium
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	if job.NotBefore.IsZero() {
		job.NotBefore = job.EnqueuedAt
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = job.JobID
	}

	emailIDs, err := json.Marshal(job.EmailIDs)
	if err != nil {
		return false, err
	}
	args := []any{
		score(job.Priority, job.NotBefore),
		job.JobID,
		idemTTLSec,
		"id", job.JobID,
		"phase", job.Phase,
		"email_ids", string(emailIDs),
		"priority", string(job.Priority),
		"rank", job.Priority.Rank(),
		"attempts", job.Attempts,
		"enqueued_ms", job.EnqueuedAt.UnixMilli(),
		"not_before_ms", job.NotBefore.UnixMilli(),
		"idem_key", job.IdempotencyKey,
		"last_error", job.LastError,
	}

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{streamKey(job.Phase), jobKeyPrefix + job.JobID, idemKeyPrefix + job.IdempotencyKey},
		args...).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue phase %d: %w", job.Phase, err)
	}
	if res == 0 {
		q.log.Debug("enqueue deduplicated", "phase", job.Phase, "idem_key", job.IdempotencyKey)
		return false, nil
	}
	return true, nil
}

// Dequeue leases the highest-priority ready job for the phase, or returns
// nil when the stream is empty, nothing is due, or the phase is paused.
// The lease lasts the configured visibility timeout.
func (q *Queue) Dequeue(ctx context.Context, phase int) (*domain.Job, error) {
	now := time.Now()
	deadline := now.Add(q.cfg.VisibilityTimeout())
	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{streamKey(phase), leasedKey(phase), pausedKey(phase)},
		now.UnixMilli(), deadline.UnixMilli(), jobKeyPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue phase %d: %w", phase, err)
	}
	flat, ok := res.([]interface{})
	if !ok || len(flat) == 0 {
		return nil, nil
	}
	return jobFromFlat(flat)
}

// Ack completes a leased job and removes it.
func (q *Queue) Ack(ctx context.Context, job *domain.Job) error {
	held, err := ackScript.Run(ctx, q.rdb,
		[]string{leasedKey(job.Phase), jobKeyPrefix + job.JobID},
		job.JobID).Int()
	if err != nil {
		return fmt.Errorf("ack %s: %w", job.JobID, err)
	}
	if held == 0 {
		// Lease expired and the recovery sweep redelivered it; the other
		// delivery wins. Consumers are idempotent so this is harmless.
		q.log.Warn("acked job without a held lease", "job_id", job.JobID, "phase", job.Phase)
	}
	return nil
}

// Nack reports a failed attempt. The job is requeued with exponential
// backoff (30s·2^(n−1), capped at 15m, plus jitter) or moved to the dead
// letter list once max attempts are spent. Returns true when dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *domain.Job, cause error) (bool, error) {
	attempts := job.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	notBefore := time.Now().Add(retryBackoff(attempts))
	res, err := nackScript.Run(ctx, q.rdb,
		[]string{streamKey(job.Phase), leasedKey(job.Phase), deadKey(job.Phase), jobKeyPrefix + job.JobID},
		job.JobID, attempts, msg, q.cfg.MaxAttempts,
		score(job.Priority, notBefore), notBefore.UnixMilli()).Text()
	if err != nil {
		return false, fmt.Errorf("nack %s: %w", job.JobID, err)
	}
	job.Attempts = attempts

	if res == "dead" {
		q.log.Warn("job dead-lettered", "job_id", job.JobID, "phase", job.Phase,
			"attempts", attempts, "error", msg)
		return true, nil
	}
	q.log.Info("job requeued", "job_id", job.JobID, "phase", job.Phase,
		"attempts", attempts, "not_before", notBefore.Format(time.RFC3339))
	return false, nil
}

// Release puts a leased job back for redelivery after delay without
// spending an attempt. Used when the failure is environmental, like the
// model breaker being open: an outage outlasting the backoff ladder must
// not dead-letter healthy jobs.
func (q *Queue) Release(ctx context.Context, job *domain.Job, delay time.Duration, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	notBefore := time.Now().Add(delay)
	_, err := releaseScript.Run(ctx, q.rdb,
		[]string{streamKey(job.Phase), leasedKey(job.Phase), jobKeyPrefix + job.JobID},
		job.JobID, score(job.Priority, notBefore), notBefore.UnixMilli(), msg).Result()
	if err != nil {
		return fmt.Errorf("release %s: %w", job.JobID, err)
	}
	q.log.Info("job released without attempt charge", "job_id", job.JobID, "phase", job.Phase,
		"not_before", notBefore.Format(time.RFC3339))
	return nil
}

// retryBackoff returns the delay before attempt n+1: 30s·2^(n−1) capped at
// 15m, with up to 10% jitter.
func retryBackoff(attempts int) time.Duration {
	d := retryBase << uint(attempts-1)
	if d > retryCap || d <= 0 {
		d = retryCap
	}
	return d + time.Duration(rand.Int63n(int64(d)/10+1))
}

// RecoverExpired sweeps expired leases for a phase back into the stream.
// Run at startup and periodically; see worker.Recovery.
func (q *Queue) RecoverExpired(ctx context.Context, phase int) (requeued, dead int, err error) {
	res, err := recoverScript.Run(ctx, q.rdb,
		[]string{leasedKey(phase), streamKey(phase), deadKey(phase)},
		time.Now().UnixMilli(), q.cfg.MaxAttempts, jobKeyPrefix).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("recover phase %d: %w", phase, err)
	}
	if len(res) == 2 {
		requeued, dead = int(res[0]), int(res[1])
	}
	if requeued > 0 || dead > 0 {
		q.log.Info("recovered expired leases", "phase", phase, "requeued", requeued, "dead", dead)
	}
	return requeued, dead, nil
}

// PromoteAged bumps jobs that waited longer than the aging threshold up one
// priority rank, so low-priority work cannot starve forever.
func (q *Queue) PromoteAged(ctx context.Context, phase int) (int, error) {
	n, err := promoteScript.Run(ctx, q.rdb,
		[]string{streamKey(phase)},
		time.Now().UnixMilli(), q.cfg.AgingThreshold().Milliseconds(), jobKeyPrefix,
		string(domain.PriorityCritical), string(domain.PriorityHigh),
		string(domain.PriorityMedium), string(domain.PriorityLow)).Int()
	if err != nil {
		return 0, fmt.Errorf("promote phase %d: %w", phase, err)
	}
	if n > 0 {
		q.log.Info("aged jobs promoted", "phase", phase, "count", n)
	}
	return n, nil
}

// Pause stops dequeues for a phase. Enqueues still land.
func (q *Queue) Pause(ctx context.Context, phase int) error {
	return q.rdb.Set(ctx, pausedKey(phase), "1", 0).Err()
}

// Resume re-enables dequeues for a phase.
func (q *Queue) Resume(ctx context.Context, phase int) error {
	return q.rdb.Del(ctx, pausedKey(phase)).Err()
}

// Paused reports whether a phase stream is paused.
func (q *Queue) Paused(ctx context.Context, phase int) (bool, error) {
	n, err := q.rdb.Exists(ctx, pausedKey(phase)).Result()
	return n == 1, err
}

// Depth returns the number of ready (unleased) jobs for a phase.
func (q *Queue) Depth(ctx context.Context, phase int) (int64, error) {
	return q.rdb.ZCard(ctx, streamKey(phase)).Result()
}

// Stats returns a point-in-time snapshot of a phase stream.
func (q *Queue) Stats(ctx context.Context, phase int) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	depth := pipe.ZCard(ctx, streamKey(phase))
	leased := pipe.ZCard(ctx, leasedKey(phase))
	dead := pipe.LLen(ctx, deadKey(phase))
	paused := pipe.Exists(ctx, pausedKey(phase))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue stats phase %d: %w", phase, err)
	}
	return &Stats{
		Phase:       phase,
		Depth:       depth.Val(),
		Leased:      leased.Val(),
		DeadLetters: dead.Val(),
		Paused:      paused.Val() == 1,
	}, nil
}

// PeekDeadLetters returns up to limit dead-lettered jobs without removing
// them.
func (q *Queue) PeekDeadLetters(ctx context.Context, phase int, limit int64) ([]*domain.Job, error) {
	ids, err := q.rdb.LRange(ctx, deadKey(phase), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*domain.Job, 0, len(ids))
	for _, id := range ids {
		fields, err := q.rdb.HGetAll(ctx, jobKeyPrefix+id).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		job, err := jobFromMap(fields)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDeadLetters moves up to max dead-lettered jobs back into the
// stream with a fresh attempt budget.
func (q *Queue) RequeueDeadLetters(ctx context.Context, phase int, max int) (int, error) {
	n, err := requeueDeadScript.Run(ctx, q.rdb,
		[]string{deadKey(phase), streamKey(phase)},
		max, time.Now().UnixMilli(), jobKeyPrefix).Int()
	if err != nil {
		return 0, fmt.Errorf("requeue dead letters phase %d: %w", phase, err)
	}
	if n > 0 {
		q.log.Info("dead letters requeued", "phase", phase, "count", n)
	}
	return n, nil
}

// Ping checks queue liveness.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func jobFromFlat(flat []interface{}) (*domain.Job, error) {
	fields := make(map[string]string, len(flat)/2)
	for i := 0; i+1 < len(flat); i += 2 {
		k, _ := flat[i].(string)
		v, _ := flat[i+1].(string)
		fields[k] = v
	}
	return jobFromMap(fields)
}

func jobFromMap(fields map[string]string) (*domain.Job, error) {
	if fields["id"] == "" {
		return nil, fmt.Errorf("queue: job hash missing id")
	}
	job := &domain.Job{
		JobID:          fields["id"],
		IdempotencyKey: fields["idem_key"],
		LastError:      fields["last_error"],
	}
	// Rank drives the zset score and is what promotion rewrites, so it is
	// the authoritative priority on the way out.
	if rank, err := strconv.Atoi(fields["rank"]); err == nil {
		job.Priority = domain.PriorityFromRank(rank)
	} else {
		job.Priority = domain.ParsePriority(fields["priority"])
	}
	job.Phase, _ = strconv.Atoi(fields["phase"])
	job.Attempts, _ = strconv.Atoi(fields["attempts"])
	if raw := fields["email_ids"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.EmailIDs); err != nil {
			return nil, fmt.Errorf("queue: job %s email_ids: %w", job.JobID, err)
		}
	}
	if ms, err := strconv.ParseInt(fields["enqueued_ms"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(fields["not_before_ms"], 10, 64); err == nil {
		job.NotBefore = time.UnixMilli(ms)
	}
	return job, nil
}
