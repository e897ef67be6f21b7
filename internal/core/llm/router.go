package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/contexta/internal/core"
)

// Router picks a primary provider per request and falls back once to a
// secondary when the primary times out or is rate limited before producing
// any token.
type Router struct {
	providers map[string]Provider
	primary   string
	fallback  string
	log       *slog.Logger
}

var _ Provider = (*Router)(nil)

func NewRouter(primary, fallback string, providers ...Provider) (*Router, error) {
	r := &Router{
		providers: make(map[string]Provider, len(providers)),
		primary:   primary,
		fallback:  fallback,
		log:       slog.With("component", "llm_router"),
	}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	if _, ok := r.providers[primary]; !ok {
		return nil, fmt.Errorf("primary provider %q is not configured", primary)
	}
	if fallback != "" {
		if _, ok := r.providers[fallback]; !ok {
			return nil, fmt.Errorf("fallback provider %q is not configured", fallback)
		}
	}
	return r, nil
}

// Prefer returns a router whose primary is name when that provider is
// configured. The previous primary becomes the fallback when none is set.
func (r *Router) Prefer(name string) *Router {
	if name == "" || name == r.primary {
		return r
	}
	if _, ok := r.providers[name]; !ok {
		return r
	}
	cp := *r
	cp.primary = name
	if cp.fallback == "" || cp.fallback == name {
		cp.fallback = r.primary
	}
	return &cp
}

// Providers lists configured provider names.
func (r *Router) Providers() []string {
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}

func (r *Router) route(params Params) (Provider, Provider) {
	rr := r.Prefer(params.Provider)
	primary := rr.providers[rr.primary]
	var secondary Provider
	if rr.fallback != "" && rr.fallback != rr.primary {
		secondary = rr.providers[rr.fallback]
	}
	return primary, secondary
}

func (r *Router) Name() string { return r.primary }

func (r *Router) InputBudget() int { return r.providers[r.primary].InputBudget() }

func (r *Router) CountTokens(ctx context.Context, p Prompt) (int, error) {
	return CountTokens(ctx, r.providers[r.primary], p)
}

func (r *Router) EstimateCost(ctx context.Context, p Prompt, params Params) (Cost, error) {
	primary, _ := r.route(params)
	return primary.EstimateCost(ctx, p, params)
}

// Complete fits the prompt to the chosen provider and opens a stream. The
// returned stream switches to the secondary provider at most once.
func (r *Router) Complete(ctx context.Context, p Prompt, params Params) (Stream, error) {
	primary, secondary := r.route(params)
	streamParams := params
	streamParams.Stream = true

	fs := &fallbackStream{ctx: ctx, prompt: p, params: streamParams, secondary: secondary, log: r.log}
	fitted, err := fitForSend(ctx, primary, p)
	if err != nil {
		return nil, err
	}
	s, err := primary.Complete(ctx, fitted, streamParams)
	if err != nil {
		if !fs.canFallBack(err) {
			return nil, err
		}
		if err := fs.switchOver(primary.Name(), err); err != nil {
			return nil, err
		}
	} else {
		fs.current, fs.sent = s, fitted
	}
	return finish(fs, params), nil
}

type fallbackStream struct {
	ctx       context.Context
	prompt    Prompt
	params    Params
	secondary Provider
	log       *slog.Logger

	current  Stream
	sent     Prompt
	emitted  bool
	switched bool
	err      error
}

func (s *fallbackStream) canFallBack(err error) bool {
	if s.switched || s.emitted || s.secondary == nil {
		return false
	}
	var pe *core.ProviderError
	return errors.As(err, &pe) && pe.Retryable()
}

func (s *fallbackStream) switchOver(from string, cause error) error {
	s.switched = true
	s.log.Warn("primary provider failed, falling back", "from", from, "to", s.secondary.Name(), "err", cause)
	fitted, err := fitForSend(s.ctx, s.secondary, s.prompt)
	if err != nil {
		return err
	}
	next, err := s.secondary.Complete(s.ctx, fitted, s.params)
	if err != nil {
		return err
	}
	s.current, s.sent = next, fitted
	return nil
}

func (s *fallbackStream) Next() bool {
	if s.err != nil || s.current == nil {
		return false
	}
	if s.current.Next() {
		s.emitted = true
		return true
	}
	err := s.current.Err()
	if err == nil {
		return false
	}
	if !s.canFallBack(err) {
		s.err = err
		return false
	}
	from := s.current.Provider()
	_ = s.current.Close()
	if serr := s.switchOver(from, err); serr != nil {
		s.err = serr
		return false
	}
	return s.Next()
}

func (s *fallbackStream) Token() string { return s.current.Token() }

func (s *fallbackStream) Err() error { return s.err }

func (s *fallbackStream) Close() error {
	if s.current == nil {
		return nil
	}
	return s.current.Close()
}

// SentPrompt is the prompt as fitted for the provider now answering.
func (s *fallbackStream) SentPrompt() (Prompt, bool) { return s.sent, s.current != nil }

func (s *fallbackStream) Provider() string {
	if s.current == nil {
		return ""
	}
	return s.current.Provider()
}
