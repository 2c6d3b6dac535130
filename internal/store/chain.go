package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/email-intel/internal/domain"
)

// GetOrCreateChain returns the chain for the given grouping key, creating it
// on first observation. The UNIQUE constraint on group_key makes concurrent
// first-observers converge on a single row.
func (s *Store) GetOrCreateChain(ctx context.Context, groupKey, subjectHash, conversationID string, firstEmailAt time.Time) (*domain.Chain, bool, error) {
	var c domain.Chain
	var created bool
	err := withRetry(ctx, maxRetries, func() error {
		newID := uuid.New().String()
		insErr := s.db.QueryRowContext(ctx, `
			INSERT INTO chains (id, group_key, subject_hash, conversation_id, first_email_at, last_email_at)
			VALUES ($1,$2,$3,$4,$5,$5)
			ON CONFLICT (group_key) DO NOTHING
			RETURNING id
		`, newID, groupKey, subjectHash, conversationID, firstEmailAt.UTC()).Scan(&c.ID)

		if insErr == nil {
			created = true
		} else if insErr != sql.ErrNoRows {
			return insErr
		}

		return scanOne(s.db.QueryRowContext(ctx, `
			SELECT id, group_key, subject_hash, conversation_id, chain_type,
			       completeness_score, email_count, first_email_at, last_email_at,
			       primary_workflow, recommended_phase, created_at, updated_at
			FROM chains WHERE group_key = $1
		`, groupKey).Scan(
			&c.ID, &c.GroupKey, &c.SubjectHash, &c.ConversationID, &c.ChainType,
			&c.CompletenessScore, &c.EmailCount, &c.FirstEmailAt, &c.LastEmailAt,
			&c.PrimaryWorkflow, &c.RecommendedPhase, &c.CreatedAt, &c.UpdatedAt,
		))
	})
	if err != nil {
		return nil, false, err
	}
	return &c, created, nil
}

// GetChain loads a chain by id.
func (s *Store) GetChain(ctx context.Context, id string) (*domain.Chain, error) {
	var c domain.Chain
	err := withRetry(ctx, maxRetries, func() error {
		return scanOne(s.db.QueryRowContext(ctx, `
			SELECT id, group_key, subject_hash, conversation_id, chain_type,
			       completeness_score, email_count, first_email_at, last_email_at,
			       primary_workflow, recommended_phase, created_at, updated_at
			FROM chains WHERE id = $1
		`, id).Scan(
			&c.ID, &c.GroupKey, &c.SubjectHash, &c.ConversationID, &c.ChainType,
			&c.CompletenessScore, &c.EmailCount, &c.FirstEmailAt, &c.LastEmailAt,
			&c.PrimaryWorkflow, &c.RecommendedPhase, &c.CreatedAt, &c.UpdatedAt,
		))
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// LinkToChain attaches an email to a chain and refreshes the chain's derived
// counter and time bounds in a single transaction. The counter is recomputed
// from the emails table rather than incremented, so redelivered jobs and
// concurrent workers can never over-count.
func (s *Store) LinkToChain(ctx context.Context, emailID, chainID string) error {
	return withRetry(ctx, maxRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx, `
			UPDATE emails SET chain_id = $2, updated_at = NOW()
			WHERE id = $1 AND (chain_id IS NULL OR chain_id = $2)
		`, emailID, chainID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx,
				`SELECT EXISTS(SELECT 1 FROM emails WHERE id = $1)`, emailID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return fmt.Errorf("%w: email %s already linked to a different chain", ErrConflict, emailID)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chains SET
				email_count = (SELECT COUNT(*) FROM emails WHERE chain_id = $1),
				first_email_at = (SELECT MIN(received_at) FROM emails WHERE chain_id = $1),
				last_email_at  = (SELECT MAX(received_at) FROM emails WHERE chain_id = $1),
				updated_at = NOW()
			WHERE id = $1
		`, chainID); err != nil {
			return err
		}

		return tx.Commit()
	})
}

// UpdateChainRollup persists the analyzer's derived chain metadata.
func (s *Store) UpdateChainRollup(ctx context.Context, chainID string, chainType domain.ChainType, score float64, primaryWorkflow string, recommendedPhase int) error {
	return withRetry(ctx, maxRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE chains SET
				chain_type = $2,
				completeness_score = $3,
				primary_workflow = $4,
				recommended_phase = $5,
				updated_at = NOW()
			WHERE id = $1
		`, chainID, chainType, score, primaryWorkflow, recommendedPhase)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// PropagateChainScore pushes the chain's completeness score and recommended
// phase down to its member emails (the adaptive router reads them per email).
func (s *Store) PropagateChainScore(ctx context.Context, chainID string, score float64, recommendedPhase int) error {
	return withRetry(ctx, maxRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE emails SET
				completeness_score = $2,
				recommended_phase = $3,
				updated_at = NOW()
			WHERE chain_id = $1
		`, chainID, score, recommendedPhase)
		return err
	})
}

// ListChainEmails returns a chain's emails oldest-first, with phase results
// loaded (the analyzers build chain context from them).
func (s *Store) ListChainEmails(ctx context.Context, chainID string) ([]*domain.Email, error) {
	var emails []*domain.Email
	err := withRetry(ctx, maxRetries, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT id, internet_message_id, subject, sender_address, sender_display,
			       body_text, body_preview, received_at, conversation_id, importance,
			       status, phase_completed, chain_id, completeness_score, recommended_phase,
			       analysis_confidence, processing_time_ms, model_used, tokens_used,
			       error_message, created_at, updated_at
			FROM emails WHERE chain_id = $1
			ORDER BY received_at ASC
		`, chainID)
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
		if err := rows.Err(); err != nil {
			return err
		}
		for _, e := range emails {
			if err := s.loadPhaseResults(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	return emails, err
}

// ChainScoreDistribution buckets chain completeness scores for the stats
// endpoint and the completeness histogram.
func (s *Store) ChainScoreDistribution(ctx context.Context) (map[string]int64, error) {
	dist := make(map[string]int64)
	err := withRetry(ctx, maxRetries, func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT CASE
				WHEN completeness_score >= 0.70 THEN 'high'
				WHEN completeness_score >= 0.40 THEN 'mid'
				ELSE 'low'
			END AS bucket, COUNT(*)
			FROM chains GROUP BY bucket
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var bucket string
			var n int64
			if err := rows.Scan(&bucket, &n); err != nil {
				return err
			}
			dist[bucket] = n
		}
		return rows.Err()
	})
	return dist, err
}
