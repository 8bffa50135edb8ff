// Package matcher ranks settlement candidates for an obligation (or an
// advance payment, or a movement) by amount and text evidence. It has no
// side effects and never touches a store.
package matcher

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

type CandidateKind string

const (
	CandidateMovement       CandidateKind = "movement"
	CandidateAdvancePayment CandidateKind = "advance_payment"
	CandidateObligation     CandidateKind = "obligation"
)

// Amount tiers.
const (
	TierExact    = "exact"
	TierRounding = "rounding"
	TierPercent  = "percent"
)

// Discard reasons.
const (
	DiscardDirection         = "direction"
	DiscardOutsideWindow     = "outside_window"
	DiscardToleranceExceeded = "tolerance_exceeded"
	DiscardBelowMinimum      = "below_minimum"
	DiscardCounterparty      = "counterparty_mismatch"
)

// Subject is the side being settled. Amount is signed: positive means money
// is expected to leave (a negative movement settles it), negative means money
// is expected to arrive.
type Subject struct {
	ID            int
	Amount        decimal.Decimal
	ReferenceDate time.Time
	Text          TextReference
	// WindowDays bounds the posting-date distance of movement candidates;
	// zero uses the policy default.
	WindowDays int
}

type MovementCandidate struct {
	ID          int
	Channel     string
	PostingDate time.Time
	Amount      decimal.Decimal
	Description string
}

type AdvanceCandidate struct {
	ID                int
	Counterparty      string
	CounterpartyTaxId string
	Residual          decimal.Decimal
	PaymentDate       time.Time
	Channel           string
}

type Breakdown struct {
	AmountTier       string   `json:"amount_tier"`
	NameScore        float64  `json:"name_score"`
	ReferenceBonus   float64  `json:"reference_bonus"`
	AdvanceBonus     float64  `json:"advance_bonus,omitempty"`
	MatchedTokens    []string `json:"matched_tokens,omitempty"`
	MatchedReference string   `json:"matched_reference,omitempty"`
	TaxIdMatched     bool     `json:"tax_id_matched,omitempty"`
}

type MatchCandidate struct {
	Kind               CandidateKind   `json:"kind"`
	RefId              int             `json:"ref_id"`
	Channel            string          `json:"channel,omitempty"`
	Amount             decimal.Decimal `json:"amount"`
	AmountDifference   decimal.Decimal `json:"amount_difference"`
	DateDifferenceDays int             `json:"date_difference_days"`
	AmountScore        float64         `json:"amount_score"`
	TextScore          float64         `json:"text_score"`
	Composite          float64         `json:"composite"`
	Breakdown          Breakdown       `json:"breakdown"`
}

type Result struct {
	Candidates []MatchCandidate `json:"candidates"`
	Considered int              `json:"considered"`
	Discarded  map[string]int   `json:"discarded,omitempty"`
}

// Best returns the top candidate or nil.
func (r Result) Best() *MatchCandidate {
	if len(r.Candidates) == 0 {
		return nil
	}
	return &r.Candidates[0]
}

// TopTied reports whether the first two candidates cannot be told apart by
// any ranking criterion.
func (r Result) TopTied() bool {
	if len(r.Candidates) < 2 {
		return false
	}
	a, b := r.Candidates[0], r.Candidates[1]
	return a.Composite == b.Composite &&
		a.DateDifferenceDays == b.DateDifferenceDays &&
		a.AmountDifference.Equal(b.AmountDifference)
}

type Matcher struct {
	policy Policy
	text   TextScorer
}

// New builds a Matcher. A nil scorer selects the token-overlap scorer.
func New(policy Policy, scorer TextScorer) *Matcher {
	if scorer == nil {
		scorer = NewTokenOverlapScorer(policy)
	}
	return &Matcher{policy: policy, text: scorer}
}

func (m *Matcher) Policy() Policy { return m.policy }

// Match ranks movements and open advance payments against subject.
func (m *Matcher) Match(subject Subject, movements []MovementCandidate, advances []AdvanceCandidate) Result {
	res := Result{Discarded: map[string]int{}}
	if !subject.Amount.IsPositive() && !subject.Amount.IsNegative() {
		return res
	}
	for _, mv := range movements {
		res.Considered++
		c, reason := m.scoreMovement(subject, mv)
		m.collect(&res, c, reason)
	}
	for _, adv := range advances {
		res.Considered++
		c, reason := m.scoreAdvance(subject, adv)
		m.collect(&res, c, reason)
	}
	m.rank(&res)
	return res
}

// MatchObligations ranks obligations (as subjects) that movement could settle.
func (m *Matcher) MatchObligations(movement MovementCandidate, subjects []Subject) Result {
	res := Result{Discarded: map[string]int{}}
	for _, s := range subjects {
		res.Considered++
		c, reason := m.scoreMovement(s, movement)
		if reason == "" {
			c.Kind = CandidateObligation
			c.RefId = s.ID
			c.Amount = s.Amount
		}
		m.collect(&res, c, reason)
	}
	m.rank(&res)
	return res
}

func (m *Matcher) collect(res *Result, c MatchCandidate, reason string) {
	if reason == "" && c.Composite < m.policy.MinScore {
		reason = DiscardBelowMinimum
	}
	if reason != "" {
		res.Discarded[reason]++
		return
	}
	res.Candidates = append(res.Candidates, c)
}

func (m *Matcher) rank(res *Result) {
	sort.SliceStable(res.Candidates, func(i, j int) bool {
		a, b := res.Candidates[i], res.Candidates[j]
		if a.Composite != b.Composite {
			return a.Composite > b.Composite
		}
		if a.DateDifferenceDays != b.DateDifferenceDays {
			return a.DateDifferenceDays < b.DateDifferenceDays
		}
		if !a.AmountDifference.Equal(b.AmountDifference) {
			return a.AmountDifference.LessThan(b.AmountDifference)
		}
		if a.Kind != b.Kind {
			return a.Kind > b.Kind // movement before advance_payment
		}
		return a.RefId < b.RefId
	})
	if len(res.Candidates) > m.policy.MaxCandidates {
		res.Candidates = res.Candidates[:m.policy.MaxCandidates]
	}
}

func (m *Matcher) scoreMovement(s Subject, mv MovementCandidate) (MatchCandidate, string) {
	c := MatchCandidate{
		Kind:    CandidateMovement,
		RefId:   mv.ID,
		Channel: mv.Channel,
		Amount:  mv.Amount,
	}
	// opposite signs: an amount owed is settled by money leaving the account
	if mv.Amount.Sign() == 0 || mv.Amount.Sign() == s.Amount.Sign() {
		return c, DiscardDirection
	}
	window := s.WindowDays
	if window == 0 {
		window = m.policy.DefaultWindowDays
	}
	c.DateDifferenceDays = DaysBetween(s.ReferenceDate, mv.PostingDate)
	if c.DateDifferenceDays > window {
		return c, DiscardOutsideWindow
	}

	target := s.Amount.Abs()
	c.AmountDifference = target.Sub(mv.Amount.Abs()).Abs()
	score, tier, ok := m.amountScore(target, c.AmountDifference, true)
	if !ok {
		return c, DiscardToleranceExceeded
	}
	c.AmountScore = score
	c.Breakdown.AmountTier = tier

	ts := m.text.ScoreText(s.Text, mv.Description)
	c.TextScore = ts.Score
	c.Breakdown.NameScore = ts.NameScore
	c.Breakdown.ReferenceBonus = ts.ReferenceBonus
	c.Breakdown.MatchedTokens = ts.MatchedTokens
	c.Breakdown.MatchedReference = ts.MatchedReference
	c.Breakdown.TaxIdMatched = ts.TaxIdMatched

	c.Composite = m.composite(c.AmountScore, c.TextScore, 0)
	return c, ""
}

// scoreAdvance rates an open advance payment. Dates do not limit advances;
// the residual must cover the subject within the rounding tolerance.
func (m *Matcher) scoreAdvance(s Subject, adv AdvanceCandidate) (MatchCandidate, string) {
	c := MatchCandidate{
		Kind:               CandidateAdvancePayment,
		RefId:              adv.ID,
		Channel:            adv.Channel,
		Amount:             adv.Residual,
		DateDifferenceDays: DaysBetween(s.ReferenceDate, adv.PaymentDate),
	}
	if !s.Amount.IsPositive() || !adv.Residual.IsPositive() {
		return c, DiscardDirection
	}
	target := s.Amount
	if adv.Residual.LessThan(target) {
		c.AmountDifference = target.Sub(adv.Residual)
	} else {
		c.AmountDifference = decimal.Zero
	}
	score, tier, ok := m.amountScore(target, c.AmountDifference, false)
	if !ok {
		return c, DiscardToleranceExceeded
	}
	c.AmountScore = score
	c.Breakdown.AmountTier = tier

	ts := m.text.ScoreText(s.Text, adv.Counterparty+" "+adv.CounterpartyTaxId)
	sameTaxId := s.Text.CounterpartyTaxId != "" &&
		NormalizeReference(s.Text.CounterpartyTaxId) == NormalizeReference(adv.CounterpartyTaxId)
	if sameTaxId {
		ts.NameScore = 100
		ts.TaxIdMatched = true
		ts.Score = 100
	}
	// an advance belongs to one counterparty; amount alone is no evidence
	if ts.NameScore == 0 {
		return c, DiscardCounterparty
	}
	c.TextScore = ts.Score
	c.Breakdown.NameScore = ts.NameScore
	c.Breakdown.MatchedTokens = ts.MatchedTokens
	c.Breakdown.TaxIdMatched = ts.TaxIdMatched

	if tier == TierExact && ts.NameScore >= 100 {
		c.Breakdown.AdvanceBonus = m.policy.AdvanceBonus
	}
	c.Composite = m.composite(c.AmountScore, c.TextScore, c.Breakdown.AdvanceBonus)
	return c, ""
}

func (m *Matcher) amountScore(target, diff decimal.Decimal, allowPercent bool) (float64, string, bool) {
	switch {
	case diff.LessThanOrEqual(m.policy.ExactTolerance):
		return m.policy.ExactScore, TierExact, true
	case diff.LessThanOrEqual(m.policy.RoundingTolerance):
		return m.policy.RoundingScore, TierRounding, true
	case allowPercent && diff.LessThanOrEqual(target.Mul(m.policy.PercentTolerance)):
		return m.policy.PercentScore, TierPercent, true
	}
	return 0, "", false
}

func (m *Matcher) composite(amount, text, bonus float64) float64 {
	v := m.policy.AmountWeight*amount + m.policy.TextWeight*text + bonus
	if v > 100 {
		v = 100
	}
	return math.Round(v*100) / 100
}

// DaysBetween returns the absolute number of calendar days between a and b (UTC).
func DaysBetween(a, b time.Time) int {
	au, bu := a.UTC(), b.UTC()
	da := time.Date(au.Year(), au.Month(), au.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(bu.Year(), bu.Month(), bu.Day(), 0, 0, 0, 0, time.UTC)
	d := int(da.Sub(db).Hours() / 24)
	if d < 0 {
		d = -d
	}
	return d
}
