package votes

// JudgeScore is the judge model's assessment of one extraction.
type JudgeScore struct {
	Score       float64  `json:"score" yaml:"score"`
	Reasoning   string   `json:"reasoning" yaml:"reasoning"`
	ErrorsFound []string `json:"errors" yaml:"errors"`
}

// ZeroScore is returned whenever judging fails.
func ZeroScore(reason string) JudgeScore {
	return JudgeScore{Score: 0, Reasoning: reason, ErrorsFound: []string{}}
}

// Normalize clamps Score into [0, 1] and replaces a nil error list with an empty one.
func (s JudgeScore) Normalize() JudgeScore {
	switch {
	case s.Score < 0:
		s.Score = 0
	case s.Score > 1:
		s.Score = 1
	}
	if s.ErrorsFound == nil {
		s.ErrorsFound = []string{}
	}
	return s
}
