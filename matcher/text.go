package matcher

import (
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextReference carries the free-text fields of the side being matched.
type TextReference struct {
	Counterparty      string
	CounterpartyTaxId string
	DocumentNumber    string
	Reference         string
}

type TextScore struct {
	Score            float64
	NameScore        float64
	ReferenceBonus   float64
	MatchedTokens    []string
	MatchedReference string
	TaxIdMatched     bool
}

// TextScorer rates how well a free-text description corroborates a reference.
// Scores are in [0, 100].
type TextScorer interface {
	ScoreText(ref TextReference, description string) TextScore
}

// defaultStopwords are company forms and payment boilerplate that carry no identity.
var defaultStopwords = []string{
	"srl", "srls", "spa", "snc", "sas", "sapa", "scarl", "coop", "ltd", "llc", "inc", "gmbh", "sarl",
	"the", "and", "del", "della", "dei", "per", "con",
	"bonifico", "pagamento", "fattura", "fatt", "stipendio", "sepa", "sct", "favore", "disposizione",
	"fornitore", "cliente", "causale", "saldo", "acconto", "anticipo", "versamento", "assegno", "rif",
	"payment", "invoice", "transfer", "salary",
}

// TokenOverlapScorer weights matched tokens by their rune length. A reference
// whose matched weight reaches the saturation length (or its own total weight
// when shorter) scores 100. A partial match loses the saturation when another
// name stands next to a matched token, so "Mario Rossi" against "MARIO
// BIANCHI" only scores the matched share. Finding the exact document number
// or reference as whole description tokens adds a fixed bonus.
type TokenOverlapScorer struct {
	MinTokenRunes     int
	SaturationRunes   int
	MinReferenceRunes int
	ReferenceBonus    float64
	stopwords         map[string]struct{}
}

func NewTokenOverlapScorer(p Policy) *TokenOverlapScorer {
	s := &TokenOverlapScorer{
		MinTokenRunes:     p.MinTokenRunes,
		SaturationRunes:   p.SaturationRunes,
		MinReferenceRunes: p.MinReferenceRunes,
		ReferenceBonus:    p.ReferenceBonus,
		stopwords:         make(map[string]struct{}, len(defaultStopwords)),
	}
	for _, w := range defaultStopwords {
		s.stopwords[w] = struct{}{}
	}
	return s
}

func (s *TokenOverlapScorer) ScoreText(ref TextReference, description string) TextScore {
	var out TextScore
	tokens := Tokenize(description)
	descTokens := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		descTokens[t] = struct{}{}
	}

	if taxId := NormalizeReference(ref.CounterpartyTaxId); utf8.RuneCountInString(taxId) >= s.MinReferenceRunes && containsTokenRun(tokens, taxId) {
		out.TaxIdMatched = true
		out.NameScore = 100
	} else {
		own := map[string]struct{}{}
		total, matched := 0, 0
		for _, t := range s.distinctive(ref.Counterparty) {
			own[t] = struct{}{}
			w := utf8.RuneCountInString(t)
			total += w
			if _, ok := descTokens[t]; ok {
				matched += w
				out.MatchedTokens = append(out.MatchedTokens, t)
			}
		}
		if total > 0 {
			denom := total
			saturate := matched == total || !s.contradicted(tokens, own)
			if saturate && s.SaturationRunes > 0 && s.SaturationRunes < denom {
				denom = s.SaturationRunes
			}
			out.NameScore = math.Min(100, 100*float64(matched)/float64(denom))
		}
	}

	for _, r := range []string{ref.DocumentNumber, ref.Reference} {
		n := NormalizeReference(r)
		if utf8.RuneCountInString(n) < s.MinReferenceRunes {
			continue
		}
		if containsTokenRun(tokens, n) {
			out.ReferenceBonus = s.ReferenceBonus
			out.MatchedReference = r
			break
		}
	}

	out.Score = math.Min(100, out.NameScore+out.ReferenceBonus)
	return out
}

// contradicted reports whether a matched token of own has a neighbour in the
// description that looks like a name but is not part of own.
func (s *TokenOverlapScorer) contradicted(tokens []string, own map[string]struct{}) bool {
	for i, t := range tokens {
		if _, ok := own[t]; !ok {
			continue
		}
		for _, j := range []int{i - 1, i + 1} {
			if j < 0 || j >= len(tokens) {
				continue
			}
			if _, mine := own[tokens[j]]; !mine && s.nameLike(tokens[j]) {
				return true
			}
		}
	}
	return false
}

func (s *TokenOverlapScorer) nameLike(t string) bool {
	if utf8.RuneCountInString(t) < s.MinTokenRunes {
		return false
	}
	if _, stop := s.stopwords[t]; stop {
		return false
	}
	for _, r := range t {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}

// containsTokenRun reports whether target equals one description token or
// several consecutive ones joined, so a reference never matches inside a
// longer code such as an IBAN.
func containsTokenRun(tokens []string, target string) bool {
	for i := range tokens {
		acc := ""
		for _, t := range tokens[i:] {
			acc += t
			if !strings.HasPrefix(target, acc) {
				break
			}
			if acc == target {
				return true
			}
		}
	}
	return false
}

// distinctive returns the sorted, de-duplicated tokens of s that are long
// enough and not boilerplate.
func (s *TokenOverlapScorer) distinctive(text string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, t := range Tokenize(text) {
		if utf8.RuneCountInString(t) < s.MinTokenRunes {
			continue
		}
		if _, stop := s.stopwords[t]; stop {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Tokenize lower-cases s and splits it on anything that is not a letter or digit.
func Tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// NormalizeReference strips everything but letters and digits, so
// "FT 2024/0153" and "ft20240153" compare equal.
func NormalizeReference(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
