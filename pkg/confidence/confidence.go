// Package confidence classifies decision confidence scores into levels and the
// action policy each level implies. All threshold logic lives here; callers
// must never compare raw scores against their own cut-offs.
package confidence

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidScore is returned for scores outside 0..100.
var ErrInvalidScore = errors.New("confidence score out of range")

const (
	MinScore = 0
	MaxScore = 100
)

// Level is an ordered categorical classification of a 0..100 score.
type Level int

const (
	VeryLow Level = iota
	Low
	Medium
	High
	VeryHigh
)

// Inclusive lower bounds, ascending.
var thresholds = [...]struct {
	min   int
	level Level
}{
	{0, VeryLow},
	{40, Low},
	{60, Medium},
	{80, High},
	{90, VeryHigh},
}

// FromScore maps a score to its Level.
func FromScore(score int) (Level, error) {
	if score < MinScore || score > MaxScore {
		return VeryLow, fmt.Errorf("%w: %d", ErrInvalidScore, score)
	}
	level := VeryLow
	for _, t := range thresholds {
		if score >= t.min {
			level = t.level
		}
	}
	return level, nil
}

// MustFromScore is FromScore for scores already known to be in range.
func MustFromScore(score int) Level {
	l, err := FromScore(score)
	if err != nil {
		panic(err)
	}
	return l
}

// Levels returns all levels in ascending order.
func Levels() []Level {
	return []Level{VeryLow, Low, Medium, High, VeryHigh}
}

var levelNames = map[Level]string{
	VeryLow:  "VERY_LOW",
	Low:      "LOW",
	Medium:   "MEDIUM",
	High:     "HIGH",
	VeryHigh: "VERY_HIGH",
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel is the inverse of Level.String. Matching is case-insensitive.
func ParseLevel(s string) (Level, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	for l, name := range levelNames {
		if name == upper {
			return l, nil
		}
	}
	return VeryLow, fmt.Errorf("unknown confidence level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if _, ok := levelNames[l]; !ok {
		return nil, fmt.Errorf("unknown confidence level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	parsed, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// Policy is the action a caller must take for a given level.
type Policy string

const (
	// PolicyDiscard: drop the decision or request more data.
	PolicyDiscard Policy = "discard"
	// PolicySuggest: surface as a suggestion only, never auto-apply.
	PolicySuggest Policy = "suggest"
	// PolicyRequireApproval: route through human approval before any effect.
	PolicyRequireApproval Policy = "require_approval"
	// PolicyAutoApplyAudited: may auto-apply, must be logged with full audit detail.
	PolicyAutoApplyAudited Policy = "auto_apply_audited"
	// PolicyAutoApply: may auto-apply without review.
	PolicyAutoApply Policy = "auto_apply"
)

var policies = map[Level]Policy{
	VeryLow:  PolicyDiscard,
	Low:      PolicySuggest,
	Medium:   PolicyRequireApproval,
	High:     PolicyAutoApplyAudited,
	VeryHigh: PolicyAutoApply,
}

// Policy returns the fixed action policy for the level.
func (l Level) Policy() Policy {
	if p, ok := policies[l]; ok {
		return p
	}
	return PolicyDiscard
}

// AutoApplies reports whether the decision may take effect without a human.
func (p Policy) AutoApplies() bool {
	return p == PolicyAutoApply || p == PolicyAutoApplyAudited
}

// RequiresHumanReview reports whether a human must look at the decision
// before (approval) or instead of (suggestion) it taking effect.
func (p Policy) RequiresHumanReview() bool {
	return p == PolicyRequireApproval || p == PolicySuggest
}

// MustAudit reports whether applying the decision requires a full audit entry.
func (p Policy) MustAudit() bool {
	return p == PolicyAutoApplyAudited || p == PolicyRequireApproval
}

// Routing is the outcome of classifying a score after a learning boost.
type Routing struct {
	OriginalScore int    `json:"original_score"`
	Boost         int    `json:"boost"`
	Score         int    `json:"score"`
	Level         Level  `json:"level"`
	Policy        Policy `json:"policy"`
}

// Route applies boost to score, clamps the result into range and classifies it.
// The original score must itself be valid; the boost may be negative.
func Route(score, boost int) (Routing, error) {
	if _, err := FromScore(score); err != nil {
		return Routing{}, err
	}
	adjusted := Clamp(score + boost)
	level := MustFromScore(adjusted)
	return Routing{
		OriginalScore: score,
		Boost:         boost,
		Score:         adjusted,
		Level:         level,
		Policy:        level.Policy(),
	}, nil
}

// Clamp forces a score into MinScore..MaxScore.
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}
