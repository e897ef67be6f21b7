// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"sync"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/llm"
)

// Provider replays Tokens on every Complete call. OpenErr fails Complete
// itself; StreamErr surfaces after the tokens have been emitted.
type Provider struct {
	ProviderName string
	Budget       int
	Tokens       []string
	OpenErr      error
	StreamErr    error
	// Count overrides the token estimate when set.
	Count func(llm.Prompt) int

	mu    sync.Mutex
	calls []llm.Prompt
}

var _ llm.Provider = (*Provider)(nil)

func New(name string, tokens ...string) *Provider {
	return &Provider{ProviderName: name, Tokens: tokens}
}

// Timeout builds a retryable error as the given provider would report it.
func Timeout(provider string) error {
	return &core.ProviderError{Provider: provider, Reason: core.ReasonTimeout, Err: context.DeadlineExceeded}
}

func RateLimited(provider string) error {
	return &core.ProviderError{Provider: provider, Reason: core.ReasonRateLimit}
}

func AuthFailed(provider string) error {
	return &core.ProviderError{Provider: provider, Reason: core.ReasonAuth}
}

func (p *Provider) Name() string { return p.ProviderName }

func (p *Provider) InputBudget() int { return p.Budget }

func (p *Provider) Complete(ctx context.Context, prompt llm.Prompt, params llm.Params) (llm.Stream, error) {
	p.mu.Lock()
	p.calls = append(p.calls, prompt)
	p.mu.Unlock()
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	toks := p.Tokens
	if !params.Stream {
		joined := ""
		for _, t := range toks {
			joined += t
		}
		toks = nil
		if joined != "" {
			toks = []string{joined}
		}
	}
	return &stream{ctx: ctx, provider: p.ProviderName, tokens: toks, err: p.StreamErr, pos: -1}, nil
}

func (p *Provider) CountTokens(_ context.Context, prompt llm.Prompt) (int, error) {
	if p.Count != nil {
		return p.Count(prompt), nil
	}
	return llm.EstimatePromptTokens(prompt), nil
}

func (p *Provider) EstimateCost(ctx context.Context, prompt llm.Prompt, params llm.Params) (llm.Cost, error) {
	n, _ := llm.CountTokens(ctx, p, prompt)
	return llm.Cost{Provider: p.ProviderName, InputTokens: n, OutputTokens: params.MaxOutputTokens}, nil
}

// Calls returns the prompts received so far.
func (p *Provider) Calls() []llm.Prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Prompt(nil), p.calls...)
}

type stream struct {
	ctx      context.Context
	provider string
	tokens   []string
	err      error
	pos      int
	failed   error
	closed   bool
}

func (s *stream) Next() bool {
	if s.closed || s.failed != nil {
		return false
	}
	if err := s.ctx.Err(); err != nil {
		s.failed = core.NewProviderError(s.provider, core.ReasonOther, err)
		return false
	}
	s.pos++
	if s.pos < len(s.tokens) {
		return true
	}
	s.failed = s.err
	return false
}

func (s *stream) Token() string {
	if s.pos >= 0 && s.pos < len(s.tokens) {
		return s.tokens[s.pos]
	}
	return ""
}

func (s *stream) Err() error       { return s.failed }
func (s *stream) Close() error     { s.closed = true; return nil }
func (s *stream) Provider() string { return s.provider }
