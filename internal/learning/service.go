// Package learning turns human feedback on AI decisions into confidence
// adjustments for similar future decisions.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/internal/lock"
	"github.com/kiranshivaraju/governor/internal/tracing"
	"github.com/kiranshivaraju/governor/pkg/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidFeedback = errors.New("invalid feedback")

// Repository persists learning patterns. GetPattern returns (nil, nil) when
// no row exists, expired or not.
type Repository interface {
	GetPattern(ctx context.Context, tenantID uuid.UUID, patternType models.DecisionType, signature string) (*models.LearningPattern, error)
	// SavePattern inserts p when p.Version is 0, replacing an expired row
	// with the same key, and otherwise updates it if the stored version
	// still matches. On success p.Version is incremented.
	SavePattern(ctx context.Context, p *models.LearningPattern, now time.Time) error
	TouchPattern(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteExpiredPatterns(ctx context.Context, now time.Time) (int64, error)
}

// Config tunes how feedback moves boosts.
type Config struct {
	MaxBoost     int
	DefaultBoost int
	PatternTTL   time.Duration
	// Alpha is the weight of the newest feedback in the success rate.
	Alpha float64
	// SaturationOccurrences is the occurrence count at which a pattern
	// with a perfect success rate reaches MaxBoost.
	SaturationOccurrences int
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MaxBoost:              25,
		DefaultBoost:          5,
		PatternTTL:            90 * 24 * time.Hour,
		Alpha:                 0.3,
		SaturationOccurrences: 10,
	}
}

// Service ingests feedback and answers boost lookups.
type Service struct {
	repo   Repository
	cfg    Config
	locker lock.Locker
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*Service)

func WithLocker(l lock.Locker) Option       { return func(s *Service) { s.locker = l } }
func WithLogger(l *slog.Logger) Option      { return func(s *Service) { s.logger = l } }
func WithTracer(t trace.Tracer) Option      { return func(s *Service) { s.tracer = t } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(repo Repository, cfg Config, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		cfg:    cfg,
		locker: lock.NewKeyedMutex(),
		logger: slog.Default(),
		tracer: tracing.Tracer(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateFeedback(fb models.HumanFeedback) error {
	switch {
	case fb.TenantID == uuid.Nil:
		return fmt.Errorf("%w: tenant_id is required", ErrInvalidFeedback)
	case !fb.DecisionType.Valid():
		return fmt.Errorf("%w: unknown decision type %q", ErrInvalidFeedback, fb.DecisionType)
	case !fb.FeedbackType.Valid():
		return fmt.Errorf("%w: unknown feedback type %q", ErrInvalidFeedback, fb.FeedbackType)
	case fb.FeedbackType == models.FeedbackCorrected && len(fb.CorrectedDecision) == 0:
		return fmt.Errorf("%w: corrected feedback needs corrected_decision", ErrInvalidFeedback)
	}
	return nil
}

// Ingest folds one piece of feedback into the pattern for its input signature.
func (s *Service) Ingest(ctx context.Context, fb models.HumanFeedback) (p *models.LearningPattern, err error) {
	ctx, span := tracing.Start(ctx, s.tracer, "learning.Ingest",
		attribute.String("decision_type", string(fb.DecisionType)),
		attribute.String("feedback_type", string(fb.FeedbackType)),
	)
	defer func() { tracing.End(span, err) }()

	if err := validateFeedback(fb); err != nil {
		return nil, err
	}

	sig, features := Signature(fb.DecisionType, fb.OriginalContext)
	unlock, err := s.locker.Lock(ctx, patternLockKey(fb.TenantID, fb.DecisionType, sig))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := s.now()
	p, err = s.repo.GetPattern(ctx, fb.TenantID, fb.DecisionType, sig)
	if err != nil {
		return nil, fmt.Errorf("loading pattern: %w", err)
	}
	if p != nil && p.Expired(now) {
		s.logger.Debug("replacing expired pattern", "pattern_id", p.ID, "signature", sig)
		p = nil
	}

	if p == nil {
		p = s.newPattern(fb, sig, features, now)
	} else {
		s.apply(p, fb, now)
	}

	if err := s.repo.SavePattern(ctx, p, now); err != nil {
		return nil, fmt.Errorf("saving pattern: %w", err)
	}

	s.logger.Info("feedback ingested",
		"tenant_id", fb.TenantID,
		"decision_type", fb.DecisionType,
		"feedback_type", fb.FeedbackType,
		"pattern_id", p.ID,
		"occurrences", p.Occurrences,
		"confidence_boost", p.ConfidenceBoost,
	)
	return p, nil
}

func (s *Service) newPattern(fb models.HumanFeedback, sig string, features []string, now time.Time) *models.LearningPattern {
	expires := now.Add(s.cfg.PatternTTL)
	p := &models.LearningPattern{
		ID:                uuid.New(),
		TenantID:          fb.TenantID,
		PatternType:       fb.DecisionType,
		Signature:         sig,
		SignatureFeatures: features,
		OutputPreference:  models.Payload{},
		ConfidenceBoost:   s.cfg.DefaultBoost,
		Occurrences:       1,
		SuccessRate:       target(fb.FeedbackType, 0.5),
		CreatedAt:         now,
		LastUsedAt:        now,
		ExpiresAt:         &expires,
	}
	switch fb.FeedbackType {
	case models.FeedbackCorrected:
		p.OutputPreference = fb.CorrectedDecision.Clone()
	case models.FeedbackApproved:
		p.OutputPreference = fb.OriginalDecision.Clone()
	}
	return p
}

// apply folds feedback into an existing, unexpired pattern.
func (s *Service) apply(p *models.LearningPattern, fb models.HumanFeedback, now time.Time) {
	p.Occurrences++
	if fb.FeedbackType != models.FeedbackIgnored {
		t := target(fb.FeedbackType, p.SuccessRate)
		p.SuccessRate = s.cfg.Alpha*t + (1-s.cfg.Alpha)*p.SuccessRate
	}

	switch fb.FeedbackType {
	case models.FeedbackCorrected:
		if !fb.CorrectedDecision.Equal(p.OutputPreference) {
			p.OutputPreference = fb.CorrectedDecision.Clone()
		}
	case models.FeedbackApproved:
		if len(p.OutputPreference) == 0 {
			p.OutputPreference = fb.OriginalDecision.Clone()
		}
	}

	boost := s.boost(p.SuccessRate, p.Occurrences)
	if fb.FeedbackType == models.FeedbackApproved && boost < p.ConfidenceBoost {
		boost = p.ConfidenceBoost
	}
	p.ConfidenceBoost = boost
	p.LastUsedAt = now
	expires := now.Add(s.cfg.PatternTTL)
	p.ExpiresAt = &expires
}

// target is the success-rate value feedback pulls toward.
func target(t models.FeedbackType, current float64) float64 {
	switch t {
	case models.FeedbackApproved:
		return 1
	case models.FeedbackCorrected, models.FeedbackRejected:
		return 0
	case models.FeedbackPartiallyApplied:
		return 0.5
	default:
		return current
	}
}

// boost grows with success rate and, logarithmically, with occurrences.
func (s *Service) boost(successRate float64, occurrences int) int {
	sat := math.Log2(float64(s.cfg.SaturationOccurrences) + 1)
	growth := 1.0
	if sat > 0 {
		growth = math.Min(1, math.Log2(float64(occurrences)+1)/sat)
	}
	b := int(math.Round(float64(s.cfg.MaxBoost) * successRate * growth))
	return max(0, min(b, s.cfg.MaxBoost))
}

// BoostFor returns the confidence boost learned for a decision input, or 0
// when no live pattern matches.
func (s *Service) BoostFor(ctx context.Context, tenantID uuid.UUID, patternType models.DecisionType, primary models.Payload) (int, error) {
	sig, _ := Signature(patternType, primary)
	p, err := s.repo.GetPattern(ctx, tenantID, patternType, sig)
	if err != nil {
		return 0, fmt.Errorf("loading pattern: %w", err)
	}
	now := s.now()
	if p == nil || p.Expired(now) {
		return 0, nil
	}
	if err := s.repo.TouchPattern(ctx, p.ID, now); err != nil {
		s.logger.Warn("touching pattern", "pattern_id", p.ID, "error", err)
	}
	return p.ConfidenceBoost, nil
}

// PurgeExpired deletes expired patterns. Expired patterns are already
// ignored by lookups; this only reclaims storage.
func (s *Service) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpiredPatterns(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("purging expired patterns: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged expired learning patterns", "count", n)
	}
	return n, nil
}

// RunSweeper calls PurgeExpired every interval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeExpired(ctx); err != nil {
				s.logger.Error("learning sweep failed", "error", err)
			}
		}
	}
}

func patternLockKey(tenantID uuid.UUID, t models.DecisionType, sig string) string {
	return fmt.Sprintf("pattern:%s|%s|%s", tenantID, t, sig)
}
