package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"
)

// ErrConflict is returned when an optimistic-concurrency check fails:
// the row's current status did not match the caller's expected status.
var ErrConflict = errors.New("store: status conflict")

// ErrNotFound is returned when the requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrUnavailable is returned when the backend stays unreachable after
// bounded retries.
var ErrUnavailable = errors.New("store: unavailable")

// isTransient reports whether an error is worth retrying inside the store.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", // connection exceptions
			"40", // transaction rollback (serialization failures)
			"53", // insufficient resources
			"57": // operator intervention (shutdown)
			return true
		}
	}
	return false
}

// withRetry runs fn up to maxAttempts times with bounded backoff for
// transient errors. Non-transient errors surface immediately; exhausted
// retries surface as ErrUnavailable wrapping the last error.
func withRetry(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isTransient(lastErr) {
			return lastErr
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return errors.Join(ErrUnavailable, lastErr)
}

// scanOne translates sql.ErrNoRows to ErrNotFound.
func scanOne(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
