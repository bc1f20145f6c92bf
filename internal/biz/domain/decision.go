package domain

// Action is a filter verdict.
type Action string

const (
	ActionPass Action = "PASS"
	ActionDrop Action = "DROP"
)

// Stage tags which engine produced a record.
type Stage string

const (
	StageRule     Stage = "rule"
	StageML       Stage = "ml"
	StagePrompt   Stage = "prompt"
	StageGenerate Stage = "generate"
	StageSummary  Stage = "summary"
)

// Order is the position of a filter stage in the pipeline.
func (s Stage) Order() int {
	switch s {
	case StageRule:
		return 1
	case StageML:
		return 2
	}
	return 0
}

// SpanMatch is one accepted rule match.
type SpanMatch struct {
	Text     string   `json:"text"`
	Category Category `json:"category"`
	Start    int      `json:"start"`
	End      int      `json:"end"`
}

// SpanResult is the output of the rule engine.
type SpanResult struct {
	RemainingText string      `json:"remaining_text"`
	TopCategory   Category    `json:"top_category,omitempty"`
	Bitmask       Bitmask     `json:"bitmask"`
	Mode          Mode        `json:"mode"`
	Matches       []SpanMatch `json:"matches"`
	Response      string      `json:"response,omitempty"`
}

// DropLogEntry records one fragment removed by the classifier.
type DropLogEntry struct {
	Sentence   string   `json:"sentence"`
	Stage      Stage    `json:"stage"`
	Text       string   `json:"text"`
	Label      Category `json:"label"`
	Confidence float64  `json:"confidence"`
}

// FilterDecision is the output of the classifier stage.
type FilterDecision struct {
	Action  Action         `json:"action"`
	Label   Category       `json:"label,omitempty"`
	Score   float64        `json:"score"`
	Text    string         `json:"text"`
	DropLog []DropLogEntry `json:"drop_log"`
}

// Dropped reports whether the classifier removed anything.
func (d *FilterDecision) Dropped() bool { return len(d.DropLog) > 0 }

// Score is a scorer verdict for one piece of text.
type Score struct {
	Label Category             `json:"label"`
	Probs map[Category]float64 `json:"probs"`
}

// Top returns the probability of the predicted label and the runner-up.
func (s Score) Top() (top, second float64) {
	top = s.Probs[s.Label]
	for l, p := range s.Probs {
		if l == s.Label {
			continue
		}
		if p > second {
			second = p
		}
	}
	return top, second
}
