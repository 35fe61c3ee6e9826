package textindex

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/memorose/memorose/pkg/types"
)

// Hit is one full-text match with its raw relevance score.
type Hit struct {
	ID    string
	Score float64
}

// Result carries the ranked hits plus the best score of the result set so
// the fusion layer can normalize into [0,1].
type Result struct {
	Hits     []Hit
	MaxScore float64
}

// doc is the indexed projection of a memory row. Content and keywords share
// the analyzed text field; tenant/app/level are keyword fields so filters
// can be pushed into the query as exact terms.
type doc struct {
	Text   string `json:"text"`
	Tenant string `json:"tenant"`
	App    string `json:"app"`
	Level  string `json:"level"`
}

// Index is the per-shard inverted index. It lives in memory and is rebuilt
// from the KV memory rows on open and on snapshot restore, like the vector
// index.
type Index struct {
	idx bleve.Index
}

// New creates an empty memory-only index.
func New() (*Index, error) {
	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	dm := bleve.NewDocumentMapping()
	dm.AddFieldMappingsAt("text", bleve.NewTextFieldMapping())
	dm.AddFieldMappingsAt("tenant", kw)
	dm.AddFieldMappingsAt("app", kw)
	dm.AddFieldMappingsAt("level", kw)

	mapping := bleve.NewIndexMapping()
	mapping.DefaultMapping = dm

	idx, err := bleve.NewMemOnly(mapping)
	if err != nil {
		return nil, fmt.Errorf("failed to create text index: %w", err)
	}
	return &Index{idx: idx}, nil
}

// IndexMemory (re)indexes one memory row's content and keywords.
func (ix *Index) IndexMemory(m *types.Memory) error {
	text := m.Content
	if len(m.Keywords) > 0 {
		text += " " + strings.Join(m.Keywords, " ")
	}
	return ix.idx.Index(m.ID, doc{
		Text:   text,
		Tenant: m.Tenant,
		App:    m.App,
		Level:  fmt.Sprintf("%d", m.Level),
	})
}

// Delete removes one row from the index.
func (ix *Index) Delete(id string) error {
	return ix.idx.Delete(id)
}

// Filter narrows a search to exact tenant/app/level terms.
type Filter struct {
	Tenant string
	App    string
	Level  types.MemoryLevel
}

// Search runs a relevance query and returns up to k hits.
func (ix *Index) Search(text string, f Filter, k int) (*Result, error) {
	if k <= 0 || strings.TrimSpace(text) == "" {
		return &Result{}, nil
	}

	mq := bleve.NewMatchQuery(text)
	mq.SetField("text")

	conj := bleve.NewConjunctionQuery(mq)
	if f.Tenant != "" {
		tq := bleve.NewTermQuery(f.Tenant)
		tq.SetField("tenant")
		conj.AddQuery(tq)
	}
	if f.App != "" {
		tq := bleve.NewTermQuery(f.App)
		tq.SetField("app")
		conj.AddQuery(tq)
	}
	if f.Level != 0 {
		tq := bleve.NewTermQuery(fmt.Sprintf("%d", f.Level))
		tq.SetField("level")
		conj.AddQuery(tq)
	}

	req := bleve.NewSearchRequestOptions(conj, k, 0, false)
	res, err := ix.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("text search failed: %w", err)
	}

	out := &Result{MaxScore: res.MaxScore}
	for _, hit := range res.Hits {
		out.Hits = append(out.Hits, Hit{ID: hit.ID, Score: hit.Score})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() (uint64, error) {
	return ix.idx.DocCount()
}

// Close releases the index.
func (ix *Index) Close() error {
	return ix.idx.Close()
}
