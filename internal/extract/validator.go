package extract

import (
	"fmt"

	"github.com/jackzampolin/tally/internal/votes"
)

// Validator applies the domain rules to extracted records.
type Validator struct {
	// Strict additionally requires valid + void + no_vote == used.
	Strict bool
}

// NewValidator creates a validator.
func NewValidator(strict bool) *Validator {
	return &Validator{Strict: strict}
}

type ballotField struct {
	name  string
	value func(votes.ExtractedRecord) int
}

var ballotFields = []ballotField{
	{"ballots_used", func(r votes.ExtractedRecord) int { return r.BallotsUsed }},
	{"ballots_valid", func(r votes.ExtractedRecord) int { return r.BallotsValid }},
	{"ballots_void", func(r votes.ExtractedRecord) int { return r.BallotsVoid }},
	{"ballots_no_vote", func(r votes.ExtractedRecord) int { return r.BallotsNoVote }},
}

// Validate checks records in order and reports the first failure. Per
// record the checks run as: vote count, ballot counts, name, then totals
// when Strict is set.
func (v *Validator) Validate(records []votes.ExtractedRecord) votes.ValidationOutcome {
	for i, r := range records {
		name := r.ResolvedName()

		if r.VoteCount < 0 {
			return votes.Invalid(fmt.Sprintf("Negative vote count for %s", name), i, "vote_count", r)
		}
		for _, f := range ballotFields {
			if f.value(r) < 0 {
				return votes.Invalid(fmt.Sprintf("Negative %s for %s", f.name, name), i, f.name, r)
			}
		}
		if !r.HasName() {
			return votes.Invalid(fmt.Sprintf("Missing candidate and party name (%s)", name), i, "candidate_name", r)
		}
		if v.Strict && r.BallotsValid+r.BallotsVoid+r.BallotsNoVote != r.BallotsUsed {
			return votes.Invalid(fmt.Sprintf("Ballot totals do not add up for %s", name), i, "ballots_used", r)
		}
	}
	return votes.Valid()
}
