package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

func TestPGAdvisoryLockPinsOneSession(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec("SELECT pg_advisory_unlock").
		WillReturnResult(sqlmock.NewResult(0, 1))

	l := NewPGAdvisoryLock(db, "chain:c-1")
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, l.conn, "a held lock keeps its session so unlock lands where the lock lives")

	require.NoError(t, l.Release(context.Background()))
	require.Nil(t, l.conn, "released lock returns the session to the pool")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockContendedDoesNotPin(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pg_try_advisory_lock").
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	l := NewPGAdvisoryLock(db, "chain:c-1")
	ok, err := l.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, l.conn)

	// nothing held, so no unlock statement may be issued
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGAdvisoryLockReleaseWithoutHoldIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := NewPGAdvisoryLock(db, "chain:c-1")
	require.NoError(t, l.Release(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

type countingLock struct {
	failures int
	calls    int
}

func (c *countingLock) Acquire(context.Context) (bool, error) {
	c.calls++
	return c.calls > c.failures, nil
}

func (c *countingLock) Release(context.Context) error { return nil }

func TestAcquireWithRetryPollsUntilHeld(t *testing.T) {
	l := &countingLock{failures: 2}
	ok, err := AcquireWithRetry(context.Background(), l, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 3, l.calls)
}
