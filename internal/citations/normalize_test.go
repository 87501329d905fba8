package citations

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/dossier/config"
)

func TestNormalize(t *testing.T) {
	published := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name    string
		raw     RawCitation
		want    Citation
		outcome Outcome
	}{
		{
			name:    "bare url without scheme",
			raw:     RawCitation{Text: "www.Reuters.com/markets/story"},
			want:    Citation{URL: "https://www.Reuters.com/markets/story", Domain: "reuters.com"},
			outcome: OutcomeNormalized,
		},
		{
			name:    "bare string that is not a url",
			raw:     RawCitation{Text: "according to analysts"},
			outcome: OutcomeMalformed,
		},
		{
			name:    "host without dot",
			raw:     RawCitation{Text: "http://localhost/path"},
			outcome: OutcomeMalformed,
		},
		{
			name:    "unsupported scheme",
			raw:     RawCitation{Text: "ftp://files.example.com/report.pdf"},
			outcome: OutcomeMalformed,
		},
		{
			name: "record with domain passes through unchanged",
			raw: RawCitation{Fields: map[string]any{
				"url": "https://Example.com/a", "domain": "Example.com", "title": "A",
			}},
			want:    Citation{URL: "https://Example.com/a", Domain: "Example.com", Title: "A"},
			outcome: OutcomePassThrough,
		},
		{
			name: "record with link and mixed-case keys",
			raw: RawCitation{Fields: map[string]any{
				"Link": "https://www.sec.gov/filing", "Title": "10-K", "PublishedAt": "2024-04-15",
			}},
			want: Citation{
				URL: "https://www.sec.gov/filing", Domain: "sec.gov", Title: "10-K", PublishedAt: &published,
			},
			outcome: OutcomeNormalized,
		},
		{
			name:    "record with source field",
			raw:     RawCitation{Fields: map[string]any{"source": "ft.com/content/x", "snippet": "margins"}},
			want:    Citation{URL: "https://ft.com/content/x", Domain: "ft.com", Snippet: "margins"},
			outcome: OutcomeNormalized,
		},
		{
			name:    "record without url is retained",
			raw:     RawCitation{Fields: map[string]any{"title": "Internal memo"}},
			want:    Citation{Title: "Internal memo"},
			outcome: OutcomeInsufficient,
		},
		{
			name:    "record with unusable url",
			raw:     RawCitation{Fields: map[string]any{"url": "not a url"}},
			outcome: OutcomeMalformed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, outcome := Normalize(tc.raw)
			assert.Equal(t, tc.outcome, outcome)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("citation mismatch (-want +got):\n%s", diff)
			}
			again, againOutcome := Normalize(tc.raw)
			assert.Equal(t, outcome, againOutcome)
			assert.Empty(t, cmp.Diff(got, again))
		})
	}
}

func TestNormalizeNeverPanicsOnOddValues(t *testing.T) {
	inputs := []RawCitation{
		{},
		{Text: "   "},
		{Text: "://"},
		{Text: "https://"},
		{Fields: map[string]any{}},
		{Fields: map[string]any{"url": 42, "domain": nil}},
		{Fields: map[string]any{"url": []any{"x"}}},
		{Fields: map[string]any{"published_at": "not a date", "url": "a.io"}},
	}
	for _, in := range inputs {
		assert.NotPanics(t, func() { Normalize(in) })
	}
}

func TestRawCitationJSON(t *testing.T) {
	var raws []RawCitation
	require.NoError(t, json.Unmarshal([]byte(`["https://a.com", {"url": "b.com", "title": "B"}, null, 7]`), &raws))
	require.Len(t, raws, 4)
	assert.Equal(t, "https://a.com", raws[0].Text)
	assert.True(t, raws[1].IsRecord())
	assert.Equal(t, "B", raws[1].Fields["title"])
	assert.False(t, raws[2].IsRecord())
	assert.Equal(t, "7", raws[3].Text)

	out, err := json.Marshal(raws[:2])
	require.NoError(t, err)
	assert.JSONEq(t, `["https://a.com", {"url": "b.com", "title": "B"}]`, string(out))
}

func TestNormalizeAllCountsAndPolicy(t *testing.T) {
	policy := NewPolicy(config.CitationConfig{
		Deny:  []string{"spam.example"},
		Allow: []string{"good.spam.example"},
	})
	raws := []RawCitation{
		{Text: "https://reuters.com/a"},
		{Text: "https://reuters.com/b"},
		{Text: "https://bloomberg.com/c"},
		{Text: "garbage value"},
		{Text: "https://ads.spam.example/x"},
		{Text: "https://good.spam.example/y"},
		{Fields: map[string]any{"title": "no url"}},
		{Fields: map[string]any{"domain": "wsj.com"}},
	}

	got, stats := NormalizeAll(raws, policy)
	require.Len(t, got, 6)
	assert.Equal(t, 8, stats.Total)
	assert.Equal(t, 5, stats.Normalized)
	assert.Equal(t, 1, stats.PassThrough)
	assert.Equal(t, 1, stats.Insufficient)
	assert.Equal(t, 1, stats.Malformed)
	assert.Equal(t, 1, stats.Denied)
	assert.Equal(t, 6, stats.Kept())
	assert.Equal(t, map[string]int{
		"reuters.com": 2, "bloomberg.com": 1, "good.spam.example": 1, "wsj.com": 1,
	}, stats.DomainCounts)
	assert.Greater(t, stats.Diversity, 0.0)
	assert.LessOrEqual(t, stats.Diversity, 1.0)
}

func TestEntropyScore(t *testing.T) {
	assert.Equal(t, 0.0, EntropyScore(nil))
	assert.Equal(t, 0.0, EntropyScore(map[string]int{"a.com": 40}))
	assert.InDelta(t, 1.0, EntropyScore(map[string]int{"a.com": 3, "b.com": 3, "c.com": 3}), 1e-9)

	skewed := EntropyScore(map[string]int{"a.com": 20, "b.com": 1})
	assert.Less(t, skewed, 0.5)

	uniform := map[string]int{}
	for _, d := range []string{"a.io", "b.io", "c.io", "d.io", "e.io", "f.io", "g.io", "h.io"} {
		uniform[d] = 5
	}
	assert.InDelta(t, 1.0, EntropyScore(uniform), 1e-9)
}

func TestStatsMerge(t *testing.T) {
	var total Stats
	total.Merge(Stats{Total: 2, Normalized: 2, DomainCounts: map[string]int{"a.com": 2}})
	assert.Equal(t, 0.0, total.Diversity)
	total.Merge(Stats{Total: 3, Normalized: 1, Malformed: 2, DomainCounts: map[string]int{"b.com": 2}})
	assert.Equal(t, 5, total.Total)
	assert.Equal(t, 2, total.Malformed)
	assert.InDelta(t, 1.0, total.Diversity, 1e-9)
}

func TestKey(t *testing.T) {
	a := Key(Citation{URL: "https://www.example.com/a/?utm_source=x"})
	b := Key(Citation{URL: "https://www.example.com/a/"})
	assert.Equal(t, a, b)
	assert.Equal(t, "example.com|memo", Key(Citation{Domain: "Example.com", Title: " Memo "}))
}
