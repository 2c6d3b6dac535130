package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-intel/internal/domain"
)

func setupTestDB(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return New(db), mock, func() { db.Close() }
}

func TestUpsertEmailNew(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO emails").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("11111111-1111-1111-1111-111111111111"))
	mock.ExpectExec("INSERT INTO email_recipients").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	id, created, err := s.UpsertEmail(context.Background(), &domain.Email{
		InternetMessageID: "<msg-1@corp.example>",
		Subject:           "Quote needed",
		SenderAddress:     "buyer@customer.example",
		ReceivedAt:        time.Now(),
		Recipients: []domain.Recipient{
			{Kind: domain.RecipientTo, Address: "sales@corp.example", Position: 0},
		},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmailDuplicateIsNoOp(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO emails").
		WillReturnError(sql.ErrNoRows) // ON CONFLICT DO NOTHING returns no row
	mock.ExpectQuery("SELECT id FROM emails WHERE internet_message_id").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("existing-id"))
	mock.ExpectCommit()

	id, created, err := s.UpsertEmail(context.Background(), &domain.Email{
		InternetMessageID: "<msg-1@corp.example>",
		ReceivedAt:        time.Now(),
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, "existing-id", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusConflict(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE emails SET").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT status FROM emails").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("phase1_complete"))

	err := s.UpdateStatus(context.Background(), "id-1",
		domain.StatusPending, domain.StatusPhase1Complete, StatusFields{})
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusRejectsIllegalTransitionWithoutQuerying(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// pending -> phase3_complete skips phases; must fail before touching the DB
	err := s.UpdateStatus(context.Background(), "id-1",
		domain.StatusPending, domain.StatusPhase3Complete, StatusFields{})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusSuccess(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE emails SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	score := 0.55
	err := s.UpdateStatus(context.Background(), "id-1",
		domain.StatusPhase1Complete, domain.StatusPhase2Complete,
		StatusFields{CompletenessScore: &score})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPhaseResultIsTransactional(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO phase_results").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE emails SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result := &domain.Phase1Result{
		WorkflowCategory: domain.WorkflowOrderProcessing,
		Priority:         domain.PriorityHigh,
		Confidence:       0.8,
	}
	err := s.AppendPhaseResult(context.Background(), "id-1", 1, result, 0.8, 0, "rules", 12)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendPhaseResultDiscardedByGuardSkipsBookkeeping(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Confidence guard rejects the replacement: zero rows written, so the
	// email's token tally and model columns must stay untouched.
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO phase_results").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	result := &domain.Phase2Result{Confidence: 0.2}
	err := s.AppendPhaseResult(context.Background(), "id-1", 2, result, 0.2, 450, "qwen2.5:3b-instruct", 900)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkToChainRecomputesCounter(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE emails SET chain_id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE chains SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.LinkToChain(context.Background(), "email-1", "chain-1")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkToChainConflictWhenLinkedElsewhere(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE emails SET chain_id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := s.LinkToChain(context.Background(), "email-1", "chain-2")
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEmailNotFound(t *testing.T) {
	s, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM emails WHERE id").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetEmail(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeCursorRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
	cur := encodeCursor(at, "abc")
	gotT, gotID := decodeCursor(cur)
	require.True(t, at.Equal(gotT))
	require.Equal(t, "abc", gotID)

	// Empty and malformed cursors fall back to the sentinel
	gotT, _ = decodeCursor("")
	require.True(t, gotT.After(time.Now()))
	gotT, _ = decodeCursor("garbage")
	require.True(t, gotT.After(time.Now()))
}
