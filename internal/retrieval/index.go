package retrieval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/blevesearch/bleve"
	"github.com/blevesearch/bleve/search"
)

// Document is a piece of known material about an entity.
type Document struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url,omitempty"`
	Text  string `json:"text"`
}

// Chunk is a retrieved slice of a document.
type Chunk struct {
	EntityID   string  `json:"entity_id"`
	DocumentID string  `json:"document_id"`
	Title      string  `json:"title"`
	URL        string  `json:"url,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score"`
}

const maxChunkRunes = 1200

// ContextIndex is an in-memory full-text index with one bleve index per entity.
type ContextIndex struct {
	mu      sync.RWMutex
	indexes map[string]bleve.Index
}

// NewContextIndex creates an empty index.
func NewContextIndex() *ContextIndex {
	return &ContextIndex{indexes: map[string]bleve.Index{}}
}

// Add indexes docs for entityID, splitting long documents into chunks.
func (x *ContextIndex) Add(entityID string, docs ...Document) error {
	idx, err := x.indexFor(entityID)
	if err != nil {
		return err
	}
	batch := idx.NewBatch()
	for _, doc := range docs {
		for i, text := range splitChunks(doc.Text, maxChunkRunes) {
			id := fmt.Sprintf("%s#%03d", doc.ID, i)
			if err := batch.Index(id, map[string]interface{}{
				"document_id": doc.ID,
				"title":       doc.Title,
				"url":         doc.URL,
				"text":        text,
			}); err != nil {
				return fmt.Errorf("index %s: %w", id, err)
			}
		}
	}
	if err := idx.Batch(batch); err != nil {
		return fmt.Errorf("index batch for %s: %w", entityID, err)
	}
	return nil
}

func (x *ContextIndex) indexFor(entityID string) (bleve.Index, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if idx, ok := x.indexes[entityID]; ok {
		return idx, nil
	}
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index for %s: %w", entityID, err)
	}
	x.indexes[entityID] = idx
	return idx, nil
}

// Search returns up to limit chunks for entityID ranked against query. When
// nothing matches, the entity's first chunks are returned in document order.
func (x *ContextIndex) Search(entityID, query string, limit int) ([]Chunk, error) {
	x.mu.RLock()
	idx, ok := x.indexes[entityID]
	x.mu.RUnlock()
	if !ok || limit <= 0 {
		return nil, nil
	}

	fields := []string{"document_id", "title", "url", "text"}
	if strings.TrimSpace(query) != "" {
		q := bleve.NewMatchQuery(query)
		q.SetField("text")
		req := bleve.NewSearchRequestOptions(q, limit, 0, false)
		req.Fields = fields
		res, err := idx.Search(req)
		if err != nil {
			return nil, fmt.Errorf("search %s: %w", entityID, err)
		}
		if len(res.Hits) > 0 {
			return toChunks(entityID, res.Hits), nil
		}
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), limit, 0, false)
	req.Fields = fields
	req.SortBy([]string{"_id"})
	res, err := idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", entityID, err)
	}
	return toChunks(entityID, res.Hits), nil
}

// Close releases every index.
func (x *ContextIndex) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var firstErr error
	for id, idx := range x.indexes {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close index %s: %w", id, err)
		}
	}
	x.indexes = map[string]bleve.Index{}
	return firstErr
}

func toChunks(entityID string, hits search.DocumentMatchCollection) []Chunk {
	out := make([]Chunk, 0, len(hits))
	for _, hit := range hits {
		out = append(out, Chunk{
			EntityID:   entityID,
			DocumentID: fieldString(hit.Fields, "document_id"),
			Title:      fieldString(hit.Fields, "title"),
			URL:        fieldString(hit.Fields, "url"),
			Text:       fieldString(hit.Fields, "text"),
			Score:      hit.Score,
		})
	}
	return out
}

func fieldString(fields map[string]interface{}, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// splitChunks breaks text on paragraph boundaries into pieces of at most
// limit runes. A single oversized paragraph is cut on rune boundaries.
func splitChunks(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	var cur strings.Builder
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		runes := []rune(para)
		for len(runes) > limit {
			flush()
			out = append(out, string(runes[:limit]))
			runes = runes[limit:]
		}
		para = string(runes)
		if len([]rune(cur.String()))+len(runes)+2 > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	flush()
	return out
}
