package synthesis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/dossier/internal/citations"
	"github.com/mohammad-safakhou/dossier/internal/helpers"
	"github.com/mohammad-safakhou/dossier/internal/protocol"
	"github.com/mohammad-safakhou/dossier/internal/retry"
)

// TitleResolver looks up the title of a page.
type TitleResolver interface {
	ResolveTitle(ctx context.Context, url string) (string, error)
}

// Enricher resolves, deduplicates and scores the citations of a bundle.
type Enricher struct {
	scorer       *citations.Scorer
	policy       citations.Policy
	titles       TitleResolver
	titleTimeout time.Duration
	logger       *zap.Logger
}

type citationRef struct {
	citation citations.Citation
	section  string
	steps    map[string]struct{}
}

// corroboration counts the distinct steps citing the reference. Sections
// reuse step citations, so a citation known only from sections is a single
// source.
func (r *citationRef) corroboration() int {
	if len(r.steps) == 0 {
		return 1
	}
	return len(r.steps)
}

// Enrich merges section and step citations by canonical key. Corroboration
// is the number of distinct steps referencing a citation.
// Results are ordered by confidence, highest first.
func (e *Enricher) Enrich(ctx context.Context, sections []Section, results []protocol.StepResult) ([]citations.Citation, citations.Metrics, citations.Stats) {
	var stats citations.Stats
	refs := map[string]*citationRef{}
	var order []string
	collect := func(raws []citations.RawCitation, step, section string) {
		normalized, s := citations.NormalizeAll(raws, e.policy)
		stats.Merge(s)
		for _, c := range normalized {
			key := citations.Key(c)
			ref, ok := refs[key]
			if !ok {
				ref = &citationRef{citation: c, steps: map[string]struct{}{}}
				refs[key] = ref
				order = append(order, key)
			} else {
				ref.citation = fillMissing(ref.citation, c)
			}
			if ref.section == "" {
				ref.section = section
			}
			if step != "" {
				ref.steps[step] = struct{}{}
			}
		}
	}
	for _, s := range sections {
		collect(s.Citations, "", s.Name)
	}
	for _, r := range results {
		collect(append(append([]citations.RawCitation{}, r.Citations...), r.Payload.Citations...), r.StepCode, "")
	}

	type keyed struct {
		key      string
		citation citations.Citation
	}
	scored := make([]keyed, 0, len(order))
	for _, key := range order {
		ref := refs[key]
		c := ref.citation
		if c.Title == "" && c.URL != "" && e.titles != nil {
			c.Title = e.resolveTitle(ctx, c.URL)
		}
		c.Type = e.scorer.TypeOf(c)
		c.Corroboration = ref.corroboration()
		c.Confidence = e.scorer.Confidence(c, citations.ConfidenceContext{Section: ref.section, Corroboration: c.Corroboration})
		scored = append(scored, keyed{key: key, citation: c})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].citation.Confidence != scored[j].citation.Confidence {
			return scored[i].citation.Confidence > scored[j].citation.Confidence
		}
		return scored[i].key < scored[j].key
	})
	out := make([]citations.Citation, 0, len(scored))
	for _, k := range scored {
		out = append(out, k.citation)
	}
	return out, e.scorer.DiversityMetrics(out), stats
}

func (e *Enricher) resolveTitle(ctx context.Context, url string) string {
	ctx, cancel := context.WithTimeout(ctx, e.titleTimeout)
	defer cancel()
	title, err := e.titles.ResolveTitle(ctx, url)
	if err != nil {
		e.logger.Debug("title resolution failed", zap.String("url", url), zap.Error(err))
		return ""
	}
	return title
}

func fillMissing(c, other citations.Citation) citations.Citation {
	if c.URL == "" {
		c.URL = other.URL
	}
	if c.Title == "" {
		c.Title = other.Title
	}
	if c.Snippet == "" {
		c.Snippet = other.Snippet
	}
	if c.PublishedAt == nil {
		c.PublishedAt = other.PublishedAt
	}
	if c.Type == "" {
		c.Type = other.Type
	}
	return c
}

const maxPageBytes = 2 << 20

var errNoTitle = errors.New("page has no title")

// ReadabilityTitleResolver fetches a page and extracts its article title.
type ReadabilityTitleResolver struct {
	client *http.Client
}

// NewReadabilityTitleResolver creates a resolver. client may be nil.
func NewReadabilityTitleResolver(client *http.Client) *ReadabilityTitleResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &ReadabilityTitleResolver{client: client}
}

// ResolveTitle implements TitleResolver.
func (r *ReadabilityTitleResolver) ResolveTitle(ctx context.Context, rawURL string) (string, error) {
	u, err := helpers.ParseHTTPURL(rawURL)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &retry.StatusError{Service: "title", Code: resp.StatusCode}
	}
	article, err := readability.FromReader(io.LimitReader(resp.Body, maxPageBytes), u)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", u.Host, err)
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		return "", errNoTitle
	}
	return title, nil
}
