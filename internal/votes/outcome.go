package votes

import "encoding/json"

// OutcomeKind discriminates ValidationOutcome.
type OutcomeKind int

const (
	OutcomeValid OutcomeKind = iota
	OutcomeInvalid
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeValid:
		return "valid"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ValidationOutcome is either Valid or Invalid. The zero value is Valid.
type ValidationOutcome struct {
	kind OutcomeKind

	// Reason is a human-readable message naming the record's resolved name.
	Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
	// Index is the position of the failing record in the model output.
	Index int `json:"index" yaml:"index"`
	// Field is the field that failed the check.
	Field string `json:"field,omitempty" yaml:"field,omitempty"`
	// Record is a copy of the failing record.
	Record *ExtractedRecord `json:"record,omitempty" yaml:"record,omitempty"`
}

// Valid returns the passing outcome.
func Valid() ValidationOutcome {
	return ValidationOutcome{kind: OutcomeValid, Index: -1}
}

// Invalid returns a failing outcome for the record at index.
func Invalid(reason string, index int, field string, record ExtractedRecord) ValidationOutcome {
	return ValidationOutcome{
		kind:   OutcomeInvalid,
		Reason: reason,
		Index:  index,
		Field:  field,
		Record: &record,
	}
}

// Kind returns which variant this outcome is.
func (o ValidationOutcome) Kind() OutcomeKind {
	return o.kind
}

// IsValid is shorthand for Kind() == OutcomeValid.
func (o ValidationOutcome) IsValid() bool {
	return o.kind == OutcomeValid
}

// MarshalYAML and MarshalJSON both go through this view so the variant is visible.
type outcomeView struct {
	Status string           `json:"status" yaml:"status"`
	Reason string           `json:"reason,omitempty" yaml:"reason,omitempty"`
	Index  *int             `json:"index,omitempty" yaml:"index,omitempty"`
	Field  string           `json:"field,omitempty" yaml:"field,omitempty"`
	Record *ExtractedRecord `json:"record,omitempty" yaml:"record,omitempty"`
}

func (o ValidationOutcome) view() outcomeView {
	v := outcomeView{Status: o.kind.String()}
	if o.kind == OutcomeInvalid {
		idx := o.Index
		v.Reason = o.Reason
		v.Index = &idx
		v.Field = o.Field
		v.Record = o.Record
	}
	return v
}

// MarshalYAML implements yaml.Marshaler.
func (o ValidationOutcome) MarshalYAML() (any, error) {
	return o.view(), nil
}

// MarshalJSON implements json.Marshaler.
func (o ValidationOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.view())
}
