package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/memorose/memorose/pkg/config"
	"github.com/memorose/memorose/pkg/metrics"
	"github.com/memorose/memorose/pkg/types"
)

// Candidate is one L1/L2 memory proposal returned by summarization.
type Candidate struct {
	Content    string           `json:"content"`
	MemoryType types.MemoryType `json:"memory_type"`
	Keywords   []string         `json:"keywords"`
	Importance float64          `json:"importance"`
}

// Verdict is the arbitration decision between a candidate and an existing
// memory in the ambiguous similarity band.
type Verdict string

const (
	VerdictDistinct  Verdict = "distinct"
	VerdictConflicts Verdict = "conflicts"
)

// Capability is the narrow interface every model provider implements.
// Concrete remote providers live behind this boundary and are out of scope;
// the local provider keeps the binary self-contained.
type Capability interface {
	// Summarize turns one (tenant, app, stream) batch of events into L1
	// candidate memories.
	Summarize(ctx context.Context, events []*types.Event) ([]Candidate, error)
	// SummarizeCommunity folds member contents into one L2 insight.
	SummarizeCommunity(ctx context.Context, contents []string) (Candidate, error)
	// Embed returns one fixed-dimension embedding per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Arbitrate decides whether two statements in the ambiguous similarity
	// band conflict.
	Arbitrate(ctx context.Context, candidate, existing string) (Verdict, error)
	// Rerank reorders docs by relevance to query, returning indexes into docs.
	Rerank(ctx context.Context, query string, docs []string) ([]int, error)
}

// Client wraps a Capability with the shared resource policy: a bounded
// concurrency slot pool, a per-call deadline, and rate-limit-aware retries
// with exponential backoff capped at one minute.
type Client struct {
	provider   Capability
	slots      chan struct{}
	timeout    time.Duration
	maxRetries int
}

// NewClient builds the shared capability client from configuration.
func NewClient(provider Capability, cfg config.LLMConfig) *Client {
	return &Client{
		provider:   provider,
		slots:      make(chan struct{}, cfg.MaxConcurrency),
		timeout:    cfg.Timeout(),
		maxRetries: cfg.MaxRetries,
	}
}

const backoffCap = 60 * time.Second

// call runs fn under a concurrency slot with deadline and retries.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	select {
	case c.slots <- struct{}{}:
		defer func() { <-c.slots }()
	case <-ctx.Done():
		return types.WrapError(types.KindExternal, "capability slot wait canceled", ctx.Err())
	}

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return types.WrapError(types.KindExternal, "capability retry canceled", ctx.Err())
			}
			backoff *= 2
			if backoff > backoffCap {
				backoff = backoffCap
			}
		}

		timer := metrics.NewTimer()
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx)
		cancel()
		timer.ObserveDuration(metrics.LLMCallDuration.WithLabelValues(op))

		if err == nil {
			metrics.LLMCallsTotal.WithLabelValues(op, "ok").Inc()
			return nil
		}
		lastErr = err
		metrics.LLMCallsTotal.WithLabelValues(op, "error").Inc()
		if ctx.Err() != nil {
			break
		}
	}
	return types.WrapError(types.KindExternal,
		fmt.Sprintf("%s failed after %d attempts", op, c.maxRetries+1), lastErr)
}

// Summarize proposes L1 candidates for one event batch.
func (c *Client) Summarize(ctx context.Context, events []*types.Event) ([]Candidate, error) {
	var out []Candidate
	err := c.call(ctx, "summarize", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Summarize(ctx, events)
		return err
	})
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Importance = clip01(out[i].Importance)
	}
	return out, nil
}

// SummarizeCommunity proposes one L2 insight for a community.
func (c *Client) SummarizeCommunity(ctx context.Context, contents []string) (Candidate, error) {
	var out Candidate
	err := c.call(ctx, "summarize_community", func(ctx context.Context) error {
		var err error
		out, err = c.provider.SummarizeCommunity(ctx, contents)
		return err
	})
	out.Importance = clip01(out.Importance)
	return out, err
}

// Embed computes embeddings for texts.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := c.call(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Embed(ctx, texts)
		return err
	})
	return out, err
}

// EmbedOne computes a single embedding.
func (c *Client) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, types.NewErrorf(types.KindExternal, "expected 1 embedding, got %d", len(vecs))
	}
	return vecs[0], nil
}

// Arbitrate decides conflict vs distinct for the ambiguous band.
func (c *Client) Arbitrate(ctx context.Context, candidate, existing string) (Verdict, error) {
	var out Verdict
	err := c.call(ctx, "arbitrate", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Arbitrate(ctx, candidate, existing)
		return err
	})
	return out, err
}

// Rerank reorders docs by relevance to query.
func (c *Client) Rerank(ctx context.Context, query string, docs []string) ([]int, error) {
	var out []int
	err := c.call(ctx, "rerank", func(ctx context.Context) error {
		var err error
		out, err = c.provider.Rerank(ctx, query, docs)
		return err
	})
	return out, err
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
