// Package classify scans assistant output for transient failure signatures.
// It is a pure function over text chunks: no state beyond the caller's
// accumulator, at most one hit per pattern per chunk, and match order follows
// position in the chunk so event ordering tracks arrival order.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Kind labels the signature family a match belongs to.
type Kind string

const (
	// KindUsageLimit is a rate/usage/quota limit signature.
	KindUsageLimit Kind = "usage_limit"
	// KindContextLimit is a context-window exhaustion signature.
	KindContextLimit Kind = "context_limit"
	// KindCompactSuggestion is the assistant hinting at /compact.
	KindCompactSuggestion Kind = "compact_suggestion"
	// KindTokenUsage is a token/character usage mention. Recorded only;
	// never drives control flow.
	KindTokenUsage Kind = "token_usage"
	// KindPlain is the absence of any signature. Scan returns no match for
	// plain chunks; the constant exists for callers that label events.
	KindPlain Kind = "plain"
)

// Match is a single pattern hit inside a chunk.
type Match struct {
	Kind    Kind
	Pattern string
	// Fragment is the matched substring plus up to 200 chars of context on
	// each side, so logs capture something useful.
	Fragment string
}

// contextWindow bounds the fragment on each side of a match.
const contextWindow = 200

// pattern is one literal signature. Generic short phrases match
// case-insensitively; verbatim assistant sentences match exactly.
type pattern struct {
	text        string
	insensitive bool
}

var usageLimitPatterns = []pattern{
	{text: "rate limit", insensitive: true},
	{text: "usage limit", insensitive: true},
	{text: "quota", insensitive: true},
	{text: "Claude Max usage limit reached"},
	{text: "Your limit will reset at"},
	{text: "upgrade to a higher plan"},
}

var contextLimitPatterns = []pattern{
	{text: "Prompt is too long"},
	{text: "Context low"},
	{text: "Run /compact to compact"},
	{text: "/compact"},
	{text: "context limit", insensitive: true},
	{text: "Message too long"},
}

var (
	compactSuggestionRe = regexp.MustCompile(`(?i)/compact|run compact|compact context`)
	tokenUsageRe        = regexp.MustCompile(`\d+\s*(tokens?|characters?)\s*(used|remaining)`)
)

// Scan reports every signature the chunk contains, ordered by position.
// A chunk with no signatures returns nil.
func Scan(chunk string) []Match {
	return scan(chunk, true)
}

// ScanContext runs only the context-limit and compact-suggestion families.
// The context monitor uses this so usage-limit noise stays out of its log.
func ScanContext(chunk string) []Match {
	return scan(chunk, false)
}

func scan(chunk string, all bool) []Match {
	if chunk == "" {
		return nil
	}

	type hit struct {
		match Match
		pos   int
	}
	var hits []hit
	lower := strings.ToLower(chunk)

	literal := func(kind Kind, pats []pattern) {
		for _, p := range pats {
			var idx int
			if p.insensitive {
				idx = strings.Index(lower, strings.ToLower(p.text))
			} else {
				idx = strings.Index(chunk, p.text)
			}
			if idx < 0 {
				continue
			}
			hits = append(hits, hit{
				match: Match{Kind: kind, Pattern: p.text, Fragment: fragment(chunk, idx, idx+len(p.text))},
				pos:   idx,
			})
		}
	}

	if all {
		literal(KindUsageLimit, usageLimitPatterns)
	}
	literal(KindContextLimit, contextLimitPatterns)

	if loc := compactSuggestionRe.FindStringIndex(chunk); loc != nil {
		hits = append(hits, hit{
			match: Match{Kind: KindCompactSuggestion, Pattern: compactSuggestionRe.String(), Fragment: fragment(chunk, loc[0], loc[1])},
			pos:   loc[0],
		})
	}
	if all {
		if loc := tokenUsageRe.FindStringIndex(chunk); loc != nil {
			hits = append(hits, hit{
				match: Match{Kind: KindTokenUsage, Pattern: tokenUsageRe.String(), Fragment: fragment(chunk, loc[0], loc[1])},
				pos:   loc[0],
			})
		}
	}

	if len(hits) == 0 {
		return nil
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	matches := make([]Match, len(hits))
	for i, h := range hits {
		matches[i] = h.match
	}
	return matches
}

// fragment returns chunk[start:end] widened by the context window on each
// side, clamped to the chunk.
func fragment(chunk string, start, end int) string {
	lo := start - contextWindow
	if lo < 0 {
		lo = 0
	}
	hi := end + contextWindow
	if hi > len(chunk) {
		hi = len(chunk)
	}
	return chunk[lo:hi]
}

// HasUsageLimit reports whether text contains any usage-limit signature.
func HasUsageLimit(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range usageLimitPatterns {
		if p.insensitive {
			if strings.Contains(lower, strings.ToLower(p.text)) {
				return true
			}
		} else if strings.Contains(text, p.text) {
			return true
		}
	}
	return false
}

// HasContextLimit reports whether text contains any context-limit signature.
func HasContextLimit(text string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range contextLimitPatterns {
		if p.insensitive {
			if strings.Contains(lower, strings.ToLower(p.text)) {
				return true
			}
		} else if strings.Contains(text, p.text) {
			return true
		}
	}
	return false
}
