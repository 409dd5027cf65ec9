// Package moderation provides content filtering for relayed chat messages.
// It screens text for prohibited terms and spam patterns before a message is
// forwarded to the partner.
package moderation

import (
	"strings"
	"unicode"
)

// FilterResult is the outcome of a single content check.
type FilterResult struct {
	Blocked bool
	Reason  string // blocked_keyword | spam_pattern
	Term    string // the matched term or pattern name
}

// leetMap normalizes common character substitutions before matching, so
// "b@dw0rd" is caught by a blocklist entry for "badword".
var leetMap = map[rune]rune{
	'0': 'o',
	'1': 'i',
	'3': 'e',
	'4': 'a',
	'5': 's',
	'7': 't',
	'@': 'a',
	'$': 's',
	'!': 'i',
}

// defaultTerms is the built-in blocklist: slurs, self-harm incitement,
// exploitation, solicitation, and scam bait. Deployments extend it via
// NewFilterWithTerms.
var defaultTerms = []string{
	// slurs
	"nigger", "nigga", "faggot", "tranny", "kike", "spic", "chink",
	// self-harm incitement
	"kill yourself", "kys", "go die", "hang yourself",
	// exploitation
	"child porn", "cp trade", "jailbait", "loli pics",
	// solicitation
	"send nudes", "onlyfans promo", "cashapp me", "sugar daddy needed",
	// extremism
	"heil hitler", "white power", "gas the",
	// threats
	"bomb threat", "shoot up",
	// scams
	"free bitcoin", "crypto giveaway", "double your money",
}

// Filter checks text against a blocklist of words and phrases. Single words
// match on word boundaries; multi-word phrases match as normalized substrings.
// All matching is case-insensitive and leetspeak-normalized. A Filter is
// immutable after construction and safe for concurrent use.
type Filter struct {
	words   map[string]struct{}
	phrases []string
}

// NewFilter creates a filter with the built-in blocklist.
func NewFilter() *Filter {
	return NewFilterWithTerms(defaultTerms)
}

// NewFilterWithTerms creates a filter with a custom blocklist. Terms with
// spaces become phrases, the rest become word-boundary entries.
func NewFilterWithTerms(terms []string) *Filter {
	f := &Filter{words: make(map[string]struct{})}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if strings.ContainsRune(t, ' ') {
			f.phrases = append(f.phrases, t)
		} else {
			f.words[t] = struct{}{}
		}
	}
	return f
}

// normalize lowercases text and undoes leetspeak substitutions.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if sub, ok := leetMap[r]; ok {
			r = sub
		}
		b.WriteRune(r)
	}
	return b.String()
}

// tokenize splits normalized text into words, treating any non-letter
// non-digit rune as a delimiter.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Check screens text against the blocklist and spam patterns. Keyword checks
// run first; the first match wins.
func (f *Filter) Check(text string) FilterResult {
	norm := normalize(text)

	for _, w := range tokenize(norm) {
		if _, ok := f.words[w]; ok {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: w}
		}
	}

	// Phrase matching needs word boundaries on both ends: "kill yourself"
	// must not match "kill yourselves".
	padded := " " + strings.Join(tokenize(norm), " ") + " "
	for _, p := range f.phrases {
		if strings.Contains(padded, " "+p+" ") {
			return FilterResult{Blocked: true, Reason: "blocked_keyword", Term: p}
		}
	}

	return f.checkSpamPatterns(text)
}

// CheckInterests drops blocked terms from an interest list. Blocked entries
// are silently removed rather than failing the whole request.
func (f *Filter) CheckInterests(interests []string) []string {
	clean := make([]string, 0, len(interests))
	for _, in := range interests {
		if !f.Check(in).Blocked {
			clean = append(clean, in)
		}
	}
	return clean
}

// Mask replaces every character of term within text with asterisks,
// case-insensitively. Used when the verdict is warn rather than block.
func Mask(text, term string) string {
	if term == "" {
		return text
	}
	lower := strings.ToLower(text)
	term = strings.ToLower(term)
	var b strings.Builder
	i := 0
	for {
		j := strings.Index(lower[i:], term)
		if j < 0 {
			b.WriteString(text[i:])
			return b.String()
		}
		j += i
		b.WriteString(text[i:j])
		b.WriteString(strings.Repeat("*", len(term)))
		i = j + len(term)
	}
}
