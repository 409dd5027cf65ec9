package moderation

import "context"

// Actions an analyzer can return for a piece of text.
const (
	ActionAllow = "allow"
	ActionWarn  = "warn"  // deliver SanitizedText instead of the original
	ActionBlock = "block" // do not deliver
)

// Verdict is an analyzer's decision about one message.
type Verdict struct {
	Action        string
	SanitizedText string // set when Action is warn
	Category      string // blocked_keyword | spam_pattern
	Term          string
}

// Analyzer reviews message text before it is relayed. Implementations must be
// safe for concurrent use. Callers treat analyzer errors as allow: a broken
// moderation pipeline degrades to unmoderated chat, not to a dead one.
type Analyzer interface {
	Analyze(ctx context.Context, userID, text string) (Verdict, error)
}

// FilterAnalyzer adapts Filter to the Analyzer interface. Keyword hits warn
// and deliver the text with the term masked; spam patterns (URLs, phone
// numbers, flooding) block delivery outright.
type FilterAnalyzer struct {
	filter *Filter
}

// NewFilterAnalyzer wraps the given filter. A nil filter gets the default
// blocklist.
func NewFilterAnalyzer(f *Filter) *FilterAnalyzer {
	if f == nil {
		f = NewFilter()
	}
	return &FilterAnalyzer{filter: f}
}

// Analyze runs the filter and maps its result to a verdict.
func (a *FilterAnalyzer) Analyze(_ context.Context, _ string, text string) (Verdict, error) {
	res := a.filter.Check(text)
	if !res.Blocked {
		return Verdict{Action: ActionAllow}, nil
	}
	if res.Reason == "blocked_keyword" {
		return Verdict{
			Action:        ActionWarn,
			SanitizedText: Mask(text, res.Term),
			Category:      res.Reason,
			Term:          res.Term,
		}, nil
	}
	return Verdict{Action: ActionBlock, Category: res.Reason, Term: res.Term}, nil
}
