package classify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func kinds(matches []Match) []Kind {
	out := make([]Kind, len(matches))
	for i, m := range matches {
		out[i] = m.Kind
	}
	return out
}

func TestScan_UsageLimitPatterns(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		hit   bool
	}{
		{"rate limit lowercase", "error: rate limit exceeded", true},
		{"rate limit mixed case", "Rate Limit hit, slow down", true},
		{"usage limit", "you have hit your USAGE LIMIT for today", true},
		{"quota", "Quota exhausted for this billing period", true},
		{"claude max verbatim", "Claude Max usage limit reached|1735689600", true},
		{"reset notice", "Your limit will reset at 3pm (America/Chicago)", true},
		{"reset notice wrong case", "your limit will reset at 3pm", false},
		{"upgrade plan", "or upgrade to a higher plan for more usage", true},
		{"plain output", "wrote 3 files, all tests green", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := Scan(tt.chunk)
			require.Equal(t, tt.hit, containsKind(matches, KindUsageLimit),
				"chunk %q matches %v", tt.chunk, kinds(matches))
			require.Equal(t, tt.hit, HasUsageLimit(tt.chunk))
		})
	}
}

func TestScan_ContextLimitPatterns(t *testing.T) {
	tests := []struct {
		name  string
		chunk string
		hit   bool
	}{
		{"prompt too long", "API Error: Prompt is too long", true},
		{"context low", "Context low (8% remaining) · Run /compact to compact", true},
		{"slash compact", "try /compact to free space", true},
		{"context limit generic", "approaching the CONTEXT LIMIT now", true},
		{"message too long", "Message too long, please shorten", true},
		{"plain output", "iteration finished cleanly", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches := Scan(tt.chunk)
			require.Equal(t, tt.hit, containsKind(matches, KindContextLimit),
				"chunk %q matches %v", tt.chunk, kinds(matches))
			require.Equal(t, tt.hit, HasContextLimit(tt.chunk))
		})
	}
}

func TestScan_CompactSuggestion(t *testing.T) {
	require.True(t, containsKind(Scan("please RUN COMPACT soon"), KindCompactSuggestion))
	require.True(t, containsKind(Scan("you should compact context"), KindCompactSuggestion))
	require.True(t, containsKind(Scan("use /compact"), KindCompactSuggestion))
	require.False(t, containsKind(Scan("compacting the disk"), KindCompactSuggestion))
}

func TestScan_TokenUsage(t *testing.T) {
	matches := Scan("5000 tokens used so far")
	require.True(t, containsKind(matches, KindTokenUsage))

	matches = Scan("1 token remaining")
	require.True(t, containsKind(matches, KindTokenUsage))

	matches = Scan("300  characters remaining")
	require.True(t, containsKind(matches, KindTokenUsage))

	require.False(t, containsKind(Scan("tokens used"), KindTokenUsage), "needs a number")
}

func TestScan_AtMostOncePerPattern(t *testing.T) {
	chunk := "rate limit ... rate limit ... rate limit"
	matches := Scan(chunk)

	count := 0
	for _, m := range matches {
		if m.Pattern == "rate limit" {
			count++
		}
	}
	require.Equal(t, 1, count, "one hit per pattern per chunk")
}

func TestScan_OrderFollowsPosition(t *testing.T) {
	chunk := "Context low here, then later a rate limit notice"
	matches := Scan(chunk)

	require.GreaterOrEqual(t, len(matches), 2)
	require.Equal(t, KindContextLimit, matches[0].Kind)

	sawUsage := false
	for _, m := range matches[1:] {
		if m.Kind == KindUsageLimit {
			sawUsage = true
		}
	}
	require.True(t, sawUsage)
}

func TestScan_FragmentWindow(t *testing.T) {
	pad := strings.Repeat("x", 500)
	chunk := pad + "Prompt is too long" + pad
	matches := Scan(chunk)

	require.NotEmpty(t, matches)
	frag := matches[0].Fragment
	require.Contains(t, frag, "Prompt is too long")
	require.LessOrEqual(t, len(frag), len("Prompt is too long")+2*contextWindow)
}

func TestScan_FragmentClampedAtChunkEdges(t *testing.T) {
	chunk := "quota"
	matches := Scan(chunk)

	require.NotEmpty(t, matches)
	require.Equal(t, "quota", matches[0].Fragment)
}

func TestScan_EmptyChunk(t *testing.T) {
	require.Nil(t, Scan(""))
	require.False(t, HasUsageLimit(""))
	require.False(t, HasContextLimit(""))
}

func TestScanContext_SkipsUsagePatterns(t *testing.T) {
	chunk := "rate limit and Context low in one chunk"
	matches := ScanContext(chunk)

	require.False(t, containsKind(matches, KindUsageLimit))
	require.True(t, containsKind(matches, KindContextLimit))
}

func TestScan_NoSignatures_Property(t *testing.T) {
	// The xyz alphabet cannot form any pattern text and has no digits for
	// the token regex.
	rapid.Check(t, func(t *rapid.T) {
		chunk := rapid.StringMatching(`[xyz ]{0,400}`).Draw(t, "chunk")
		require.Nil(t, Scan(chunk))
	})
}

func TestScan_EmbeddedSignature_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[xyz ]{0,300}`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[xyz ]{0,300}`).Draw(t, "suffix")
		chunk := prefix + "Your limit will reset at" + suffix

		matches := Scan(chunk)
		require.True(t, containsKind(matches, KindUsageLimit))
		for _, m := range matches {
			if m.Kind == KindUsageLimit {
				require.Contains(t, m.Fragment, "Your limit will reset at")
			}
		}
	})
}

func containsKind(matches []Match, kind Kind) bool {
	for _, m := range matches {
		if m.Kind == kind {
			return true
		}
	}
	return false
}
