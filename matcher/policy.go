package matcher

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrToleranceExceeded is returned when a rounding tolerance above the hard
// cap is requested. Candidates whose difference falls beyond every amount
// tier are filtered silently and never produce this error.
var ErrToleranceExceeded = errors.New("tolerance exceeded")

// Policy holds every tunable constant of the matcher.
type Policy struct {
	ExactTolerance    decimal.Decimal
	RoundingTolerance decimal.Decimal
	RoundingHardCap   decimal.Decimal
	PercentTolerance  decimal.Decimal

	ExactScore    float64
	RoundingScore float64
	PercentScore  float64

	AmountWeight float64
	TextWeight   float64

	// MinScore discards, SuggestScore marks the "needs justification" floor,
	// AutoScore is the auto-reconcile threshold.
	MinScore     float64
	SuggestScore float64
	AutoScore    float64

	ReferenceBonus    float64
	AdvanceBonus      float64
	MinTokenRunes     int
	SaturationRunes   int
	MinReferenceRunes int

	DefaultWindowDays int
	TaxWindowDays     int
	MaxCandidates     int
}

func DefaultPolicy() Policy {
	return Policy{
		ExactTolerance:    decimal.NewFromFloat(0.01),
		RoundingTolerance: decimal.NewFromInt(1),
		RoundingHardCap:   decimal.NewFromInt(5),
		PercentTolerance:  decimal.NewFromFloat(0.05),

		ExactScore:    100,
		RoundingScore: 80,
		PercentScore:  60,

		AmountWeight: 0.6,
		TextWeight:   0.4,

		MinScore:     40,
		SuggestScore: 60,
		AutoScore:    98,

		ReferenceBonus:    40,
		AdvanceBonus:      10,
		MinTokenRunes:     3,
		SaturationRunes:   5,
		MinReferenceRunes: 3,

		DefaultWindowDays: 30,
		TaxWindowDays:     3,
		MaxCandidates:     5,
	}
}

func (p Policy) Validate() error {
	if p.ExactTolerance.IsNegative() || p.RoundingTolerance.IsNegative() || p.PercentTolerance.IsNegative() {
		return errors.New("tolerances must not be negative")
	}
	if p.RoundingTolerance.GreaterThan(p.RoundingHardCap) {
		return fmt.Errorf("rounding tolerance %s above cap %s: %w", p.RoundingTolerance, p.RoundingHardCap, ErrToleranceExceeded)
	}
	if p.RoundingTolerance.LessThan(p.ExactTolerance) {
		return errors.New("rounding tolerance must not be below the exact tolerance")
	}
	if math.Abs(p.AmountWeight+p.TextWeight-1) > 1e-9 {
		return errors.New("amount and text weights must sum to 1")
	}
	if !(p.MinScore <= p.SuggestScore && p.SuggestScore <= p.AutoScore && p.AutoScore <= 100) {
		return errors.New("score thresholds must satisfy min <= suggest <= auto <= 100")
	}
	if p.DefaultWindowDays <= 0 || p.TaxWindowDays <= 0 {
		return errors.New("date windows must be positive")
	}
	if p.MaxCandidates <= 0 {
		return errors.New("max candidates must be positive")
	}
	return nil
}

// WithRoundingTolerance returns a copy using tolerance t, refusing anything
// above the hard cap.
func (p Policy) WithRoundingTolerance(t decimal.Decimal) (Policy, error) {
	if t.IsNegative() {
		return p, errors.New("tolerance must not be negative")
	}
	if t.GreaterThan(p.RoundingHardCap) {
		return p, fmt.Errorf("tolerance %s above cap %s: %w", t, p.RoundingHardCap, ErrToleranceExceeded)
	}
	p.RoundingTolerance = t
	return p, nil
}

// WithinRounding reports whether |a - b| is inside the rounding tolerance.
func (p Policy) WithinRounding(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(p.RoundingTolerance)
}
