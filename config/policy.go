package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mmdatafocus/books_reconciliation/matcher"
	"github.com/shopspring/decimal"
)

// policyFile mirrors the optional TOML file named by MATCH_POLICY_FILE.
// Amounts are strings so they parse straight into decimals.
//
//	rounding_tolerance = "1.00"
//	auto_threshold     = 98
//	[windows]
//	default_days = 30
//	tax_days     = 3
type policyFile struct {
	RoundingTolerance string   `toml:"rounding_tolerance"`
	PercentTolerance  string   `toml:"percent_tolerance"`
	AmountWeight      *float64 `toml:"amount_weight"`
	TextWeight        *float64 `toml:"text_weight"`
	MinThreshold      *float64 `toml:"min_threshold"`
	SuggestThreshold  *float64 `toml:"suggest_threshold"`
	AutoThreshold     *float64 `toml:"auto_threshold"`
	ReferenceBonus    *float64 `toml:"reference_bonus"`
	AdvanceBonus      *float64 `toml:"advance_bonus"`
	MaxCandidates     *int     `toml:"max_candidates"`
	Windows           struct {
		DefaultDays *int `toml:"default_days"`
		TaxDays     *int `toml:"tax_days"`
	} `toml:"windows"`
}

// LoadMatchPolicy starts from the built-in defaults, applies MATCH_POLICY_FILE
// and then MATCH_* env overrides. The result is validated; a rounding
// tolerance above the hard cap fails with matcher.ErrToleranceExceeded.
func LoadMatchPolicy() (matcher.Policy, error) {
	p := matcher.DefaultPolicy()

	if path := strings.TrimSpace(os.Getenv("MATCH_POLICY_FILE")); path != "" {
		var f policyFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return p, fmt.Errorf("read match policy %s: %w", path, err)
		}
		if err := applyPolicyFile(&p, f); err != nil {
			return p, err
		}
	}
	if err := applyPolicyEnv(&p); err != nil {
		return p, err
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func applyPolicyFile(p *matcher.Policy, f policyFile) error {
	if f.RoundingTolerance != "" {
		d, err := decimal.NewFromString(f.RoundingTolerance)
		if err != nil {
			return fmt.Errorf("rounding_tolerance: %w", err)
		}
		p.RoundingTolerance = d
	}
	if f.PercentTolerance != "" {
		d, err := decimal.NewFromString(f.PercentTolerance)
		if err != nil {
			return fmt.Errorf("percent_tolerance: %w", err)
		}
		p.PercentTolerance = d
	}
	setFloat(&p.AmountWeight, f.AmountWeight)
	setFloat(&p.TextWeight, f.TextWeight)
	setFloat(&p.MinScore, f.MinThreshold)
	setFloat(&p.SuggestScore, f.SuggestThreshold)
	setFloat(&p.AutoScore, f.AutoThreshold)
	setFloat(&p.ReferenceBonus, f.ReferenceBonus)
	setFloat(&p.AdvanceBonus, f.AdvanceBonus)
	setInt(&p.MaxCandidates, f.MaxCandidates)
	setInt(&p.DefaultWindowDays, f.Windows.DefaultDays)
	setInt(&p.TaxWindowDays, f.Windows.TaxDays)
	return nil
}

func applyPolicyEnv(p *matcher.Policy) error {
	if v := strings.TrimSpace(os.Getenv("MATCH_ROUNDING_TOLERANCE")); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("MATCH_ROUNDING_TOLERANCE: %w", err)
		}
		p.RoundingTolerance = d
	}
	for key, dst := range map[string]*float64{
		"MATCH_MIN_THRESHOLD":     &p.MinScore,
		"MATCH_SUGGEST_THRESHOLD": &p.SuggestScore,
		"MATCH_AUTO_THRESHOLD":    &p.AutoScore,
	} {
		v := strings.TrimSpace(os.Getenv(key))
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = f
	}
	p.DefaultWindowDays = intFromEnv("MATCH_DEFAULT_WINDOW_DAYS", p.DefaultWindowDays)
	p.TaxWindowDays = intFromEnv("MATCH_TAX_WINDOW_DAYS", p.TaxWindowDays)
	return nil
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
