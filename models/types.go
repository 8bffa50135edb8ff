package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"

	"github.com/mmdatafocus/books_reconciliation/matcher"
)

// IntList is stored as a JSON array in a text column.
type IntList []int

func (l IntList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]int(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *IntList) Scan(value interface{}) error {
	return scanJSON(value, l)
}

// MatchCandidates snapshots the matcher output last shown for an obligation.
type MatchCandidates []matcher.MatchCandidate

func (c MatchCandidates) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]matcher.MatchCandidate(c))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *MatchCandidates) Scan(value interface{}) error {
	return scanJSON(value, c)
}

// Find returns the candidate of the given kind and id, if it was offered.
func (c MatchCandidates) Find(kind matcher.CandidateKind, id int) (matcher.MatchCandidate, bool) {
	for _, x := range c {
		if x.Kind == kind && x.RefId == id {
			return x, true
		}
	}
	return matcher.MatchCandidate{}, false
}

func scanJSON(value interface{}, dest interface{}) error {
	var b []byte
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("unsupported type for json column")
	}
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, dest)
}
