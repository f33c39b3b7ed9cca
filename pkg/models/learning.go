package models

import (
	"time"

	"github.com/google/uuid"
)

// FeedbackType classifies what a human did with an AI suggestion.
type FeedbackType string

const (
	FeedbackApproved         FeedbackType = "approved"
	FeedbackRejected         FeedbackType = "rejected"
	FeedbackCorrected        FeedbackType = "corrected"
	FeedbackIgnored          FeedbackType = "ignored"
	FeedbackPartiallyApplied FeedbackType = "partially_applied"
)

func (f FeedbackType) Valid() bool {
	switch f {
	case FeedbackApproved, FeedbackRejected, FeedbackCorrected, FeedbackIgnored, FeedbackPartiallyApplied:
		return true
	}
	return false
}

// HumanFeedback records a reviewer's reaction to a suggested decision.
type HumanFeedback struct {
	TenantID          uuid.UUID    `json:"tenant_id"`
	DecisionID        uuid.UUID    `json:"decision_id"`
	DecisionType      DecisionType `json:"decision_type"`
	ReviewerID        string       `json:"reviewer_id"`
	FeedbackType      FeedbackType `json:"feedback_type"`
	OriginalContext   Payload      `json:"original_context"`
	OriginalDecision  Payload      `json:"original_decision"`
	CorrectedDecision Payload      `json:"corrected_decision,omitempty"`
	Reason            string       `json:"reason"`
	CreatedAt         time.Time    `json:"created_at"`
}

// LearningPattern is a confidence adjustment learned from repeated feedback
// on decisions sharing an input signature.
type LearningPattern struct {
	ID                uuid.UUID    `db:"id"                 json:"id"`
	TenantID          uuid.UUID    `db:"tenant_id"          json:"tenant_id"`
	PatternType       DecisionType `db:"pattern_type"       json:"pattern_type"`
	Signature         string       `db:"signature"          json:"signature"`
	SignatureFeatures []string     `db:"signature_features" json:"signature_features"`
	OutputPreference  Payload      `db:"output_preference"  json:"output_preference"`
	ConfidenceBoost   int          `db:"confidence_boost"   json:"confidence_boost"`
	Occurrences       int          `db:"occurrences"        json:"occurrences"`
	SuccessRate       float64      `db:"success_rate"       json:"success_rate"`
	CreatedAt         time.Time    `db:"created_at"         json:"created_at"`
	LastUsedAt        time.Time    `db:"last_used_at"       json:"last_used_at"`
	ExpiresAt         *time.Time   `db:"expires_at"         json:"expires_at,omitempty"`
	Version           int          `db:"version"            json:"-"`
}

// Expired reports whether the pattern has stopped influencing scores at now.
func (p *LearningPattern) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}
