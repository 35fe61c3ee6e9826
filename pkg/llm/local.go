package llm

import (
	"context"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
	"github.com/memorose/memorose/pkg/types"
)

// Local is the built-in deterministic provider. It keeps the binary
// self-contained for development and tests: embeddings are hashed
// bag-of-token projections, summaries are extractive, and arbitration is
// a negation heuristic. Every output is a pure function of its input, which
// also satisfies the re-derivation idempotence the consolidation engine
// relies on.
type Local struct {
	dim int
}

// NewLocal creates a local provider with the deployment embedding dimension.
func NewLocal(dim int) *Local {
	return &Local{dim: dim}
}

func tokenize(text string) []string {
	var tokens []string
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}
	if b.Len() > 0 {
		tokens = append(tokens, b.String())
	}
	return tokens
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"in": true, "on": true, "of": true, "to": true, "and": true, "or": true,
	"it": true, "this": true, "that": true, "for": true, "with": true,
}

// Embed projects each text into a hashed bag-of-tokens vector. Shared
// tokens land in shared dimensions, so related texts get high cosine.
func (l *Local) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, l.dim)
		for _, tok := range tokenize(text) {
			if stopwords[tok] {
				continue
			}
			h := xxhash.Sum64String(tok)
			idx := int(h % uint64(l.dim))
			if h&(1<<63) != 0 {
				vec[idx] -= 1
			} else {
				vec[idx] += 1
			}
		}
		out[i] = vec
	}
	return out, nil
}

// Summarize produces one extractive candidate per batch: the longest event
// payload becomes the statement, the most frequent tokens become keywords.
func (l *Local) Summarize(_ context.Context, events []*types.Event) ([]Candidate, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var content string
	freq := make(map[string]int)
	for _, e := range events {
		if len(e.Content.Data) > len(content) {
			content = e.Content.Data
		}
		for _, tok := range tokenize(e.Content.Data) {
			if !stopwords[tok] {
				freq[tok]++
			}
		}
	}

	memType := types.MemoryTypeFactual
	lower := strings.ToLower(content)
	for _, marker := range []string{"how to", "step ", "first,", "then ", "always ", "procedure"} {
		if strings.Contains(lower, marker) {
			memType = types.MemoryTypeProcedural
			break
		}
	}

	return []Candidate{{
		Content:    content,
		MemoryType: memType,
		Keywords:   topTokens(freq, 5),
		Importance: importanceOf(content, len(events)),
	}}, nil
}

// SummarizeCommunity folds member statements into one insight.
func (l *Local) SummarizeCommunity(_ context.Context, contents []string) (Candidate, error) {
	freq := make(map[string]int)
	for _, c := range contents {
		for _, tok := range tokenize(c) {
			if !stopwords[tok] {
				freq[tok]++
			}
		}
	}
	keywords := topTokens(freq, 5)
	var longest string
	for _, c := range contents {
		if len(c) > len(longest) {
			longest = c
		}
	}
	content := longest
	if len(keywords) > 0 {
		content = "Recurring theme (" + strings.Join(keywords, ", ") + "): " + longest
	}
	return Candidate{
		Content:    content,
		MemoryType: types.MemoryTypeFactual,
		Keywords:   keywords,
		Importance: importanceOf(content, len(contents)),
	}, nil
}

// Arbitrate flags a conflict when one statement negates the other's terms.
func (l *Local) Arbitrate(_ context.Context, candidate, existing string) (Verdict, error) {
	if hasNegation(candidate) != hasNegation(existing) {
		return VerdictConflicts, nil
	}
	return VerdictDistinct, nil
}

func hasNegation(text string) bool {
	for _, tok := range tokenize(text) {
		switch tok {
		case "not", "no", "never", "dislikes", "hates", "stopped":
			return true
		}
	}
	return false
}

// Rerank orders docs by token overlap with the query, stable on input order.
func (l *Local) Rerank(_ context.Context, query string, docs []string) ([]int, error) {
	qtokens := make(map[string]bool)
	for _, tok := range tokenize(query) {
		if !stopwords[tok] {
			qtokens[tok] = true
		}
	}
	type scored struct {
		idx     int
		overlap int
	}
	ranked := make([]scored, len(docs))
	for i, d := range docs {
		n := 0
		seen := make(map[string]bool)
		for _, tok := range tokenize(d) {
			if qtokens[tok] && !seen[tok] {
				n++
				seen[tok] = true
			}
		}
		ranked[i] = scored{idx: i, overlap: n}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].overlap > ranked[j].overlap })
	out := make([]int, len(ranked))
	for i, r := range ranked {
		out[i] = r.idx
	}
	return out, nil
}

func topTokens(freq map[string]int, n int) []string {
	type kv struct {
		tok string
		n   int
	}
	all := make([]kv, 0, len(freq))
	for t, c := range freq {
		all = append(all, kv{t, c})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].n != all[j].n {
			return all[i].n > all[j].n
		}
		return all[i].tok < all[j].tok
	})
	var out []string
	for i := 0; i < len(all) && i < n; i++ {
		out = append(out, all[i].tok)
	}
	return out
}

// importanceOf seeds importance from statement length and corroboration,
// clipped into [0,1].
func importanceOf(content string, sources int) float64 {
	v := 0.4
	if len(content) > 40 {
		v += 0.1
	}
	v += 0.1 * float64(sources)
	if v > 1 {
		v = 1
	}
	return v
}
