// Package store is the persistent record of emails, chains, recipients, and
// per-phase analysis results. It is the single source of truth: workers
// mutate entities only through the operations here, and every status change
// goes through an optimistic-concurrency check against the status package's
// transition table.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/status"
)

const maxRetries = 3

// Store wraps the PostgreSQL connection pool.
type Store struct {
	db *sql.DB
}

// New creates a Store around an existing connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and configures the pool.
func Open(url string, maxOpen, maxIdle int, connMaxLife time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connMaxLife)
	return &Store{db: db}, nil
}

// DB exposes the underlying pool (for distlock fallback and health checks).
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// Migrate applies the schema.
func (s *Store) Migrate(ctx context.Context) error {
	return Migrate(ctx, s.db)
}

// =============================================================================
// Email operations
// =============================================================================

// UpsertEmail inserts a new email in pending status, idempotent on
// internet_message_id. Returns the row id and whether a new row was created.
// Recipients are written in the same transaction.
func (s *Store) UpsertEmail(ctx context.Context, e *domain.Email) (id string, created bool, err error) {
	err = withRetry(ctx, maxRetries, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		newID := e.ID
		if newID == "" {
			newID = uuid.New().String()
		}

		var gotID string
		insErr := tx.QueryRowContext(ctx, `
			INSERT INTO emails (
				id, internet_message_id, subject, sender_address, sender_display,
				body_text, body_preview, received_at, conversation_id, importance,
				status, phase_completed
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,'pending',0)
			ON CONFLICT (internet_message_id) DO NOTHING
			RETURNING id
		`, newID, e.InternetMessageID, e.Subject, e.SenderAddress, e.SenderDisplay,
			e.BodyText, e.BodyPreview, e.ReceivedAt.UTC(), e.ConversationID, e.Importance,
		).Scan(&gotID)

		if insErr == sql.ErrNoRows {
			// Duplicate — fetch the existing row id, keep its data untouched.
			if selErr := tx.QueryRowContext(ctx,
				`SELECT id FROM emails WHERE internet_message_id = $1`,
				e.InternetMessageID,
			).Scan(&gotID); selErr != nil {
				return selErr
			}
			id, created = gotID, false
			return tx.Commit()
		}
		if insErr != nil {
			return insErr
		}

		for _, r := range e.Recipients {
			if _, rErr := tx.ExecContext(ctx, `
				INSERT INTO email_recipients (email_id, kind, address, display, position)
				VALUES ($1,$2,$3,$4,$5)
			`, gotID, r.Kind, r.Address, r.Display, r.Position); rErr != nil {
				return rErr
			}
		}

		id, created = gotID, true
		return tx.Commit()
	})
	return id, created, err
}

// GetEmail loads a full email record including recipients and phase results.
func (s *Store) GetEmail(ctx context.Context, id string) (*domain.Email, error) {
	var e domain.Email
	err := withRetry(ctx, maxRetries, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, internet_message_id, subject, sender_address, sender_display,
			       body_text, body_preview, received_at, conversation_id, importance,
			       status, phase_completed, chain_id, completeness_score, recommended_phase,
			       analysis_confidence, processing_time_ms, model_used, tokens_used,
			       error_message, created_at, updated_at
			FROM emails WHERE id = $1
		`, id)
		if scanErr := scanEmail(row, &e); scanErr != nil {
			return scanOne(scanErr)
		}
		if rErr := s.loadRecipients(ctx, &e); rErr != nil {
			return rErr
		}
		return s.loadPhaseResults(ctx, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetEmailByMessageID loads an email by its internet_message_id.
func (s *Store) GetEmailByMessageID(ctx context.Context, msgID string) (*domain.Email, error) {
	var id string
	err := withRetry(ctx, maxRetries, func() error {
		return scanOne(s.db.QueryRowContext(ctx,
			`SELECT id FROM emails WHERE internet_message_id = $1`, msgID).Scan(&id))
	})
	if err != nil {
		return nil, err
	}
	return s.GetEmail(ctx, id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner, e *domain.Email) error {
	var chainID sql.NullString
	err := row.Scan(
		&e.ID, &e.InternetMessageID, &e.Subject, &e.SenderAddress, &e.SenderDisplay,
		&e.BodyText, &e.BodyPreview, &e.ReceivedAt, &e.ConversationID, &e.Importance,
		&e.Status, &e.PhaseCompleted, &chainID, &e.CompletenessScore, &e.RecommendedPhase,
		&e.AnalysisConfidence, &e.ProcessingTimeMS, &e.ModelUsed, &e.TokensUsed,
		&e.ErrorMessage, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if chainID.Valid {
		e.ChainID = &chainID.String
	}
	return nil
}

func (s *Store) loadRecipients(ctx context.Context, e *domain.Email) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email_id, kind, address, display, position
		FROM email_recipients WHERE email_id = $1
		ORDER BY kind, position
	`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	e.Recipients = nil
	for rows.Next() {
		var r domain.Recipient
		if err := rows.Scan(&r.EmailID, &r.Kind, &r.Address, &r.Display, &r.Position); err != nil {
			return err
		}
		e.Recipients = append(e.Recipients, r)
	}
	return rows.Err()
}

func (s *Store) loadPhaseResults(ctx context.Context, e *domain.Email) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT phase, result FROM phase_results WHERE email_id = $1 ORDER BY phase
	`, e.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var phase int
		var blob []byte
		if err := rows.Scan(&phase, &blob); err != nil {
			return err
		}
		switch phase {
		case 1:
			var r domain.Phase1Result
			if err := json.Unmarshal(blob, &r); err != nil {
				return fmt.Errorf("corrupt phase1 result for %s: %w", e.ID, err)
			}
			e.Phase1Result = &r
		case 2:
			var r domain.Phase2Result
			if err := json.Unmarshal(blob, &r); err != nil {
				return fmt.Errorf("corrupt phase2 result for %s: %w", e.ID, err)
			}
			e.Phase2Result = &r
		case 3:
			var r domain.Phase3Result
			if err := json.Unmarshal(blob, &r); err != nil {
				return fmt.Errorf("corrupt phase3 result for %s: %w", e.ID, err)
			}
			e.Phase3Result = &r
		}
	}
	return rows.Err()
}

// StatusFields are the optional updates carried alongside a status change.
// Atomic with the transition itself.
type StatusFields struct {
	CompletenessScore *float64
	RecommendedPhase  *int
	ErrorMessage      *string
}

// UpdateStatus transitions an email from oldStatus to newStatus using an
// optimistic-concurrency check: if the current status is no longer
// oldStatus, ErrConflict is returned and nothing changes. phase_completed
// advances monotonically (GREATEST), never decreases.
func (s *Store) UpdateStatus(ctx context.Context, id string, oldStatus, newStatus domain.Status, fields StatusFields) error {
	if err := status.Validate(oldStatus, newStatus); err != nil {
		return err
	}

	return withRetry(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE emails SET
				status = $3,
				phase_completed = GREATEST(phase_completed, $4),
				completeness_score = COALESCE($5, completeness_score),
				recommended_phase  = COALESCE($6, recommended_phase),
				error_message      = COALESCE($7, error_message),
				updated_at = NOW()
			WHERE id = $1 AND status = $2
		`, id, oldStatus, newStatus, status.PhaseFor(newStatus),
			fields.CompletenessScore, fields.RecommendedPhase, fields.ErrorMessage)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			// Either the row is gone or the status moved under us.
			var current domain.Status
			selErr := s.db.QueryRowContext(ctx, `SELECT status FROM emails WHERE id = $1`, id).Scan(&current)
			if selErr == sql.ErrNoRows {
				return ErrNotFound
			}
			if selErr != nil {
				return selErr
			}
			return fmt.Errorf("%w: email %s is %s, expected %s", ErrConflict, id, current, oldStatus)
		}
		return nil
	})
}

// AppendPhaseResult persists a phase result atomically with the email's
// bookkeeping columns. The (email_id, phase) primary key makes this
// idempotent under job redelivery; an existing result is replaced only when
// the new confidence is within 0.05 of the old (reprocess tolerance).
func (s *Store) AppendPhaseResult(ctx context.Context, emailID string, phase int, result any, confidence float64, tokens int, model string, durationMS int64) error {
	blob, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal phase %d result: %w", phase, err)
	}

	return withRetry(ctx, maxRetries, func() error {
		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		res, execErr := tx.ExecContext(ctx, `
			INSERT INTO phase_results (email_id, phase, result, confidence, tokens_used, model_used, duration_ms)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			ON CONFLICT (email_id, phase) DO UPDATE SET
				result = EXCLUDED.result,
				confidence = EXCLUDED.confidence,
				tokens_used = EXCLUDED.tokens_used,
				model_used = EXCLUDED.model_used,
				duration_ms = EXCLUDED.duration_ms,
				updated_at = NOW()
			WHERE EXCLUDED.confidence >= phase_results.confidence - 0.05
		`, emailID, phase, blob, confidence, tokens, model, durationMS)
		if execErr != nil {
			return execErr
		}

		// The confidence guard can discard the new result; bumping the
		// email's token tally for a discarded result would double-count.
		written, raErr := res.RowsAffected()
		if raErr != nil {
			return raErr
		}
		if written > 0 {
			if _, err := tx.ExecContext(ctx, `
				UPDATE emails SET
					phase_completed = GREATEST(phase_completed, $2),
					analysis_confidence = $3,
					processing_time_ms = $4,
					model_used = $5,
					tokens_used = tokens_used + $6,
					updated_at = NOW()
				WHERE id = $1
			`, emailID, phase, confidence, durationMS, model, tokens); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// ListForProcessing returns the oldest emails in the given status, optionally
// filtered by recommended phase (phaseHint 0 = any).
func (s *Store) ListForProcessing(ctx context.Context, st domain.Status, phaseHint, limit int) ([]*domain.Email, error) {
	if limit <= 0 {
		limit = 100
	}
	var emails []*domain.Email
	err := withRetry(ctx, maxRetries, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, internet_message_id, subject, sender_address, sender_display,
			       body_text, body_preview, received_at, conversation_id, importance,
			       status, phase_completed, chain_id, completeness_score, recommended_phase,
			       analysis_confidence, processing_time_ms, model_used, tokens_used,
			       error_message, created_at, updated_at
			FROM emails
			WHERE status = $1 AND ($2 = 0 OR recommended_phase = $2)
			ORDER BY received_at ASC
			LIMIT $3
		`, st, phaseHint, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		emails = nil
		for rows.Next() {
			var e domain.Email
			if err := scanEmail(rows, &e); err != nil {
				return err
			}
			emails = append(emails, &e)
		}
		return rows.Err()
	})
	return emails, err
}

// ListEmails returns a page of emails newest-first, optionally filtered by
// status. The cursor is "received_at_unixnano:id" keyset pagination.
func (s *Store) ListEmails(ctx context.Context, st domain.Status, limit int, cursor string) ([]*domain.Email, string, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	curTime, curID := decodeCursor(cursor)

	var emails []*domain.Email
	err := withRetry(ctx, maxRetries, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, internet_message_id, subject, sender_address, sender_display,
			       body_text, body_preview, received_at, conversation_id, importance,
			       status, phase_completed, chain_id, completeness_score, recommended_phase,
			       analysis_confidence, processing_time_ms, model_used, tokens_used,
			       error_message, created_at, updated_at
			FROM emails
			WHERE ($1 = '' OR status = $1)
			  AND (received_at, id::text) < ($2, $3)
			ORDER BY received_at DESC, id DESC
			LIMIT $4
		`, string(st), curTime, curID, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		emails = nil
		for rows.Next() {
			var e domain.Email
			if err := scanEmail(rows, &e); err != nil {
				return err
			}
			emails = append(emails, &e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(emails) == limit {
		last := emails[len(emails)-1]
		next = encodeCursor(last.ReceivedAt, last.ID)
	}
	return emails, next, nil
}

// CountByStatus returns the number of emails per internal status.
func (s *Store) CountByStatus(ctx context.Context) (map[domain.Status]int64, error) {
	counts := make(map[domain.Status]int64)
	err := withRetry(ctx, maxRetries, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT status, COUNT(*) FROM emails GROUP BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var st domain.Status
			var n int64
			if err := rows.Scan(&st, &n); err != nil {
				return err
			}
			counts[st] = n
		}
		return rows.Err()
	})
	return counts, err
}

func encodeCursor(t time.Time, id string) string {
	return fmt.Sprintf("%s|%s", t.UTC().Format(time.RFC3339Nano), id)
}

func decodeCursor(cursor string) (t time.Time, id string) {
	// Default cursor sorts after everything (newest-first listing).
	t = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	id = "￿"
	if cursor == "" {
		return t, id
	}
	if i := strings.IndexByte(cursor, '|'); i > 0 {
		if parsed, err := time.Parse(time.RFC3339Nano, cursor[:i]); err == nil {
			return parsed, cursor[i+1:]
		}
	}
	return t, id
}
