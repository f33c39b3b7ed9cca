package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/governor/pkg/models"
)

const patternColumns = `id, tenant_id, pattern_type, signature, signature_features, output_preference,
	confidence_boost, occurrences, success_rate, created_at, last_used_at, expires_at, version`

func (s *PostgresStore) GetPattern(ctx context.Context, tenantID uuid.UUID, patternType models.DecisionType, signature string) (*models.LearningPattern, error) {
	var p models.LearningPattern
	err := s.pool.QueryRow(ctx,
		`SELECT `+patternColumns+` FROM learning_patterns
		 WHERE tenant_id = $1 AND pattern_type = $2 AND signature = $3`,
		tenantID, string(patternType), signature,
	).Scan(&p.ID, &p.TenantID, &p.PatternType, &p.Signature, &p.SignatureFeatures, &p.OutputPreference,
		&p.ConfidenceBoost, &p.Occurrences, &p.SuccessRate, &p.CreatedAt, &p.LastUsedAt, &p.ExpiresAt, &p.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get learning pattern: %w", err)
	}
	return &p, nil
}

func (s *PostgresStore) SavePattern(ctx context.Context, p *models.LearningPattern, now time.Time) error {
	features := p.SignatureFeatures
	if features == nil {
		features = []string{}
	}
	pref := p.OutputPreference
	if pref == nil {
		pref = models.Payload{}
	}

	if p.Version == 0 {
		// A live row with the same key means another writer got there first;
		// an expired one is replaced wholesale.
		var version int
		err := s.pool.QueryRow(ctx,
			`INSERT INTO learning_patterns (`+patternColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 1)
			 ON CONFLICT (tenant_id, pattern_type, signature) DO UPDATE SET
			   id = EXCLUDED.id,
			   signature_features = EXCLUDED.signature_features,
			   output_preference = EXCLUDED.output_preference,
			   confidence_boost = EXCLUDED.confidence_boost,
			   occurrences = EXCLUDED.occurrences,
			   success_rate = EXCLUDED.success_rate,
			   created_at = EXCLUDED.created_at,
			   last_used_at = EXCLUDED.last_used_at,
			   expires_at = EXCLUDED.expires_at,
			   version = learning_patterns.version + 1
			 WHERE learning_patterns.expires_at IS NOT NULL AND learning_patterns.expires_at <= $13
			 RETURNING version`,
			p.ID, p.TenantID, string(p.PatternType), p.Signature, features, pref,
			p.ConfidenceBoost, p.Occurrences, p.SuccessRate, p.CreatedAt, p.LastUsedAt, p.ExpiresAt, now,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: pattern %s", ErrConcurrentUpdate, p.Signature)
		}
		if err != nil {
			return fmt.Errorf("insert learning pattern: %w", err)
		}
		p.Version = version
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE learning_patterns SET
		   output_preference = $3, confidence_boost = $4, occurrences = $5, success_rate = $6,
		   last_used_at = $7, expires_at = $8, version = version + 1
		 WHERE id = $1 AND version = $2`,
		p.ID, p.Version, pref, p.ConfidenceBoost, p.Occurrences, p.SuccessRate, p.LastUsedAt, p.ExpiresAt)
	if err != nil {
		return fmt.Errorf("update learning pattern: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pattern %s", ErrConcurrentUpdate, p.ID)
	}
	p.Version++
	return nil
}

func (s *PostgresStore) TouchPattern(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE learning_patterns SET last_used_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch learning pattern: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredPatterns(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM learning_patterns WHERE expires_at IS NOT NULL AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired learning patterns: %w", err)
	}
	return tag.RowsAffected(), nil
}
