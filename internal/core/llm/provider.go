package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

// Message is one prior turn of a conversation.
type Message struct {
	Role    string // models.RoleUser or models.RoleAssistant
	Content string
}

// Prompt is everything sent to a model for one completion.
type Prompt struct {
	System  string
	Context string    // rendered context window, may be empty
	History []Message // prior turns, oldest first, excluding the current message
	User    string
}

// UserTurn renders the current message with the retrieved context attached.
func (p Prompt) UserTurn() string {
	if strings.TrimSpace(p.Context) == "" {
		return p.User
	}
	return fmt.Sprintf("Context:\n%s\n\nQuestion: %s", p.Context, p.User)
}

type Params struct {
	Temperature     float64
	MaxOutputTokens int
	// Stream false buffers the whole completion into a single token.
	Stream   bool
	Provider string // preferred provider name, empty for the default
}

// Cost is an estimate for one completion at MaxOutputTokens.
type Cost struct {
	Provider     string  `json:"provider"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	USD          float64 `json:"usd"`
}

// Pricing is USD per thousand tokens.
type Pricing struct {
	InputPer1K  float64
	OutputPer1K float64
}

func (p Pricing) estimate(provider string, in, out int) Cost {
	return Cost{
		Provider:     provider,
		InputTokens:  in,
		OutputTokens: out,
		USD:          float64(in)/1000*p.InputPer1K + float64(out)/1000*p.OutputPer1K,
	}
}

// Stream yields completion tokens. Close releases the upstream connection
// and is safe to call more than once.
type Stream interface {
	Next() bool
	Token() string
	Err() error
	Close() error
	Provider() string
}

// SentPrompt returns the prompt the answering provider received after
// fitting, when the stream records it.
func SentPrompt(s Stream) (Prompt, bool) {
	if r, ok := s.(interface{ SentPrompt() (Prompt, bool) }); ok {
		return r.SentPrompt()
	}
	return Prompt{}, false
}

// Provider is a chat-completion backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, p Prompt, params Params) (Stream, error)
	CountTokens(ctx context.Context, p Prompt) (int, error)
	EstimateCost(ctx context.Context, p Prompt, params Params) (Cost, error)
	InputBudget() int
}

// EstimatePromptTokens counts a prompt with the shared estimate plus a small
// per-message overhead for role markers.
func EstimatePromptTokens(p Prompt) int {
	const perMessage = 4
	n := tokens.Estimate(p.System) + perMessage
	for _, m := range p.History {
		n += tokens.Estimate(m.Content) + perMessage
	}
	n += tokens.Estimate(p.UserTurn()) + perMessage
	return n + 3
}

// Collect drains a stream and returns the concatenated text.
func Collect(s Stream) (string, error) {
	defer s.Close()
	var b strings.Builder
	for s.Next() {
		b.WriteString(s.Token())
	}
	return b.String(), s.Err()
}

// pullStream adapts an SDK iterator to Stream.
type pullStream struct {
	provider string
	next     func() (string, bool, error)
	closeFn  func() error
	cancel   context.CancelFunc
	classify func(error) error

	token  string
	err    error
	done   bool
	closed bool
}

func newPullStream(provider string, next func() (string, bool, error), closeFn func() error, cancel context.CancelFunc, classify func(error) error) *pullStream {
	return &pullStream{provider: provider, next: next, closeFn: closeFn, cancel: cancel, classify: classify}
}

func (s *pullStream) Next() bool {
	if s.done {
		return false
	}
	for {
		tok, ok, err := s.next()
		if err != nil {
			s.err = s.classify(err)
			s.done = true
			return false
		}
		if !ok {
			s.done = true
			return false
		}
		if tok == "" {
			continue
		}
		s.token = tok
		return true
	}
}

func (s *pullStream) Token() string    { return s.token }
func (s *pullStream) Err() error       { return s.err }
func (s *pullStream) Provider() string { return s.provider }

func (s *pullStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.done = true
	var err error
	if s.closeFn != nil {
		err = s.closeFn()
	}
	if s.cancel != nil {
		s.cancel()
	}
	return err
}

// bufferedStream replays a fully collected completion as a single token.
type bufferedStream struct {
	provider string
	text     string
	err      error
	served   bool
	sent     Prompt
	hasSent  bool
}

func (s *bufferedStream) Next() bool {
	if s.served || s.err != nil || s.text == "" {
		return false
	}
	s.served = true
	return true
}

func (s *bufferedStream) Token() string    { return s.text }
func (s *bufferedStream) Err() error       { return s.err }
func (s *bufferedStream) Close() error     { return nil }
func (s *bufferedStream) Provider() string { return s.provider }

func (s *bufferedStream) SentPrompt() (Prompt, bool) { return s.sent, s.hasSent }

// finish applies Params.Stream to a freshly opened stream.
func finish(s Stream, params Params) Stream {
	if params.Stream {
		return s
	}
	sent, hasSent := SentPrompt(s)
	text, err := Collect(s)
	return &bufferedStream{provider: s.Provider(), text: text, err: err, sent: sent, hasSent: hasSent}
}

// historyRole maps a stored role onto the provider vocabulary.
func historyRole(role, assistant string) string {
	if role == models.RoleAssistant {
		return assistant
	}
	return models.RoleUser
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// DefaultPricing holds list prices for the default models of each backend.
var DefaultPricing = map[string]Pricing{
	geminiName:    {InputPer1K: 0.000075, OutputPer1K: 0.0003},
	openAIName:    {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	anthropicName: {InputPer1K: 0.0008, OutputPer1K: 0.004},
}
