package moderation

import (
	"regexp"
	"strings"
)

// Pattern rules applied to chat text and interest tags. Compiled once at
// package init; regexp values are safe for concurrent use.
var (
	// Links. The bare-domain alternative requires a path ("evil.com/free") so
	// that version strings ("v2.0") and decimals ("3.14") pass.
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	// Phone numbers in the usual layouts: +1-555-123-4567, (555) 123-4567,
	// 555.123.4567. Whitespace anchors keep short counts like "100" and digit
	// runs inside longer tokens from matching.
	phonePattern = regexp.MustCompile(`(?:^|\s)(\+?\d{1,3}[-.\s]?)?\(?\d{2,4}\)?[-.\s]?\d{3,4}[-.\s]?\d{3,4}(?:\s|$)`)

	// Messenger handles used to pull a partner off-platform mid-call. Matches
	// "<platform>: <handle>", "<platform> @handle", and "add/dm me on
	// <platform>"; a bare platform name in conversation does not match.
	handlePattern = regexp.MustCompile(`(?i)(\b(telegram|whatsapp|snapchat|instagram|insta|discord|signal|kik)\s*[:@]\s*[a-z0-9_.]{2,}|\b(add|dm|find|message)\s+me\s+on\s+(telegram|whatsapp|snapchat|instagram|insta|discord|signal|kik)\b)`)
)

// Flood thresholds: consecutive identical runes, and consecutive identical
// words ignoring case.
const (
	charFloodRun = 5
	wordFloodRun = 3
)

// spamRule is one pattern gate. The rule name travels in FilterResult.Term so
// the moderator service can count offenses per category.
type spamRule struct {
	name  string
	match func(string) bool
}

// Ordered; the first matching rule decides the result.
var spamRules = []spamRule{
	{"url", urlPattern.MatchString},
	{"phone", phonePattern.MatchString},
	{"contact_lure", handlePattern.MatchString},
	{"char_flood", hasCharFlood},
	{"word_flood", hasWordFlood},
}

// hasCharFlood reports a run of charFloodRun identical runes. RE2 has no
// backreferences, so runs are counted directly.
func hasCharFlood(text string) bool {
	prev := rune(-1)
	run := 1
	for _, r := range text {
		if r != prev {
			prev, run = r, 1
			continue
		}
		run++
		if run >= charFloodRun {
			return true
		}
	}
	return false
}

// hasWordFlood reports the same word wordFloodRun times in a row, compared
// case-insensitively across whitespace-separated tokens.
func hasWordFlood(text string) bool {
	prev := ""
	run := 1
	for _, w := range strings.Fields(text) {
		w = strings.ToLower(w)
		if w != prev {
			prev, run = w, 1
			continue
		}
		run++
		if run >= wordFloodRun {
			return true
		}
	}
	return false
}

// checkSpamPatterns applies the rules in order and blocks on the first hit.
// No hit returns the zero (non-blocking) FilterResult.
func (f *Filter) checkSpamPatterns(text string) FilterResult {
	for _, rule := range spamRules {
		if rule.match(text) {
			return FilterResult{
				Blocked: true,
				Reason:  "spam_pattern",
				Term:    rule.name,
			}
		}
	}
	return FilterResult{}
}
