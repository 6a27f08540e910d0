package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("candidate not found")

// Candidate is the externally owned record the call pipeline reads and,
// for the summary field only, writes.
type Candidate struct {
	Name           string
	Identification string
	Address        string
	Phone          string
	WalletAddress  string
	LastSubsidy    *time.Time
	Summary        string
}

// Eligible reports whether the candidate can receive a new subsidy:
// either never paid, or last paid more than 60 days ago.
func (c Candidate) Eligible(now time.Time) bool {
	if c.LastSubsidy == nil {
		return true
	}
	return now.Sub(*c.LastSubsidy) > 60*24*time.Hour
}

// Fields is a partial update; only the named fields are touched.
type Fields map[string]any

// Store is the narrow candidate-store interface the call pipeline depends
// on. Updates for a given identification must be applied atomically: a
// summary write and other mutations (eligibility fields) can race.
type Store interface {
	GetCandidate(id string) (Candidate, error)
	UpdateCandidate(id string, fields Fields) error
	AddCandidate(c Candidate)
	ListCandidates() []Candidate
}
