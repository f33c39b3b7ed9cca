package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/governor/pkg/confidence"
)

// DecisionEngine is the contract every rule, statistical or LLM-backed engine
// must satisfy. The governance layer never calls engines itself; it only
// relies on the shape of their output.
type DecisionEngine interface {
	// Decide produces a scored decision for the given context.
	Decide(ctx context.Context, dc DecisionContext) (DecisionResult, error)
	// Name returns the engine identifier (e.g., "rules", "llm").
	Name() string
}

// DecisionType enumerates the kinds of decisions engines produce.
type DecisionType string

const (
	DecisionPricing               DecisionType = "pricing"
	DecisionInventoryReorder      DecisionType = "inventory_reorder"
	DecisionProductCategorization DecisionType = "product_categorization"
	DecisionCustomerSegmentation  DecisionType = "customer_segmentation"
	DecisionDeliveryRouting       DecisionType = "delivery_routing"
	DecisionInvoiceClassification DecisionType = "invoice_classification"
	DecisionFraudCheck            DecisionType = "fraud_check"
)

var validDecisionTypes = map[DecisionType]bool{
	DecisionPricing:               true,
	DecisionInventoryReorder:      true,
	DecisionProductCategorization: true,
	DecisionCustomerSegmentation:  true,
	DecisionDeliveryRouting:       true,
	DecisionInvoiceClassification: true,
	DecisionFraudCheck:            true,
}

// Valid reports whether t is a known decision type.
func (t DecisionType) Valid() bool { return validDecisionTypes[t] }

var (
	ErrMissingTenant       = errors.New("tenant id is required")
	ErrInvalidDecisionType = errors.New("invalid decision type")
	ErrMissingExplanation  = errors.New("explanation is required")
	ErrMissingReasons      = errors.New("at least one reason is required")
	ErrInvalidEvidence     = errors.New("evidence weight must be within [0, 1]")
	ErrLevelMismatch       = errors.New("confidence level does not match score")
)

// DecisionContext is the immutable input to a decision. Create it with
// NewDecisionContext; never modify it afterwards.
type DecisionContext struct {
	TenantID       uuid.UUID    `json:"tenant_id"`
	DecisionType   DecisionType `json:"decision_type"`
	RequestID      uuid.UUID    `json:"request_id"`
	Timestamp      time.Time    `json:"timestamp"`
	PrimaryData    Payload      `json:"primary_data"`
	AdditionalData Payload      `json:"additional_data,omitempty"`
	Constraints    Payload      `json:"constraints,omitempty"`
	Source         string       `json:"source"`
}

// ContextOption customizes optional DecisionContext fields.
type ContextOption func(*DecisionContext)

func WithAdditionalData(p Payload) ContextOption {
	return func(dc *DecisionContext) { dc.AdditionalData = p.Clone() }
}

func WithConstraints(p Payload) ContextOption {
	return func(dc *DecisionContext) { dc.Constraints = p.Clone() }
}

func WithSource(source string) ContextOption {
	return func(dc *DecisionContext) { dc.Source = source }
}

// NewDecisionContext validates inputs and stamps a fresh request id.
func NewDecisionContext(tenantID uuid.UUID, t DecisionType, primary Payload, opts ...ContextOption) (DecisionContext, error) {
	if tenantID == uuid.Nil {
		return DecisionContext{}, ErrMissingTenant
	}
	if !t.Valid() {
		return DecisionContext{}, fmt.Errorf("%w: %q", ErrInvalidDecisionType, t)
	}
	dc := DecisionContext{
		TenantID:     tenantID,
		DecisionType: t,
		RequestID:    uuid.New(),
		Timestamp:    time.Now().UTC(),
		PrimaryData:  primary.Clone(),
		Source:       "api",
	}
	for _, opt := range opts {
		opt(&dc)
	}
	return dc, nil
}

// Evidence is an auditable data point cited as justification for a decision.
type Evidence struct {
	Source      string  `json:"source"`
	Value       Value   `json:"value"`
	Weight      float64 `json:"weight"`
	Explanation string  `json:"explanation"`
}

// Alternative is an option the engine considered and discarded.
type Alternative struct {
	Option          Value  `json:"option"`
	Score           int    `json:"score"`
	RejectionReason string `json:"rejection_reason"`
}

// DecisionResult is the output of a decision engine. ConfidenceLevel is
// always derived from ConfidenceScore; build results with NewDecisionResult.
type DecisionResult struct {
	RequestID           uuid.UUID        `json:"request_id"`
	DecisionType        DecisionType     `json:"decision_type"`
	Timestamp           time.Time        `json:"timestamp"`
	Decision            Payload          `json:"decision"`
	ConfidenceScore     int              `json:"confidence_score"`
	ConfidenceLevel     confidence.Level `json:"confidence_level"`
	Explanation         string           `json:"explanation"`
	Reasons             []string         `json:"reasons"`
	Evidence            []Evidence       `json:"evidence"`
	Alternatives        []Alternative    `json:"alternatives"`
	EngineName          string           `json:"engine_name"`
	ProcessingTime      time.Duration    `json:"processing_time_ns"`
	SuggestedActions    []string         `json:"suggested_actions,omitempty"`
	RequiresHumanReview bool             `json:"requires_human_review"`
}

// ResultInput carries the engine-supplied parts of a DecisionResult.
type ResultInput struct {
	Decision         Payload
	ConfidenceScore  int
	Explanation      string
	Reasons          []string
	Evidence         []Evidence
	Alternatives     []Alternative
	EngineName       string
	ProcessingTime   time.Duration
	SuggestedActions []string
}

// NewDecisionResult derives the confidence level and review flag from the
// score and validates the mandatory fields.
func NewDecisionResult(dc DecisionContext, in ResultInput) (DecisionResult, error) {
	level, err := confidence.FromScore(in.ConfidenceScore)
	if err != nil {
		return DecisionResult{}, err
	}
	r := DecisionResult{
		RequestID:           dc.RequestID,
		DecisionType:        dc.DecisionType,
		Timestamp:           time.Now().UTC(),
		Decision:            in.Decision.Clone(),
		ConfidenceScore:     in.ConfidenceScore,
		ConfidenceLevel:     level,
		Explanation:         strings.TrimSpace(in.Explanation),
		Reasons:             append([]string(nil), in.Reasons...),
		Evidence:            append([]Evidence{}, in.Evidence...),
		Alternatives:        append([]Alternative{}, in.Alternatives...),
		EngineName:          in.EngineName,
		ProcessingTime:      in.ProcessingTime,
		SuggestedActions:    append([]string(nil), in.SuggestedActions...),
		RequiresHumanReview: level.Policy().RequiresHumanReview(),
	}
	if err := r.Validate(); err != nil {
		return DecisionResult{}, err
	}
	return r, nil
}

// Validate checks the result's invariants.
func (r DecisionResult) Validate() error {
	level, err := confidence.FromScore(r.ConfidenceScore)
	if err != nil {
		return err
	}
	if level != r.ConfidenceLevel {
		return fmt.Errorf("%w: score %d is %s, got %s", ErrLevelMismatch, r.ConfidenceScore, level, r.ConfidenceLevel)
	}
	if strings.TrimSpace(r.Explanation) == "" {
		return ErrMissingExplanation
	}
	if len(r.Reasons) == 0 {
		return ErrMissingReasons
	}
	for _, ev := range r.Evidence {
		if ev.Weight < 0 || ev.Weight > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidEvidence, ev.Source, ev.Weight)
		}
	}
	return nil
}

// Policy returns the action policy implied by the result's confidence.
func (r DecisionResult) Policy() confidence.Policy {
	return r.ConfidenceLevel.Policy()
}
