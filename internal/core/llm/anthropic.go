package llm

import (
	"context"
	"errors"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/markdave123-py/contexta/internal/core"
)

const anthropicName = "anthropic"

type AnthropicLLM struct {
	client      anthropic.Client
	model       string
	timeout     time.Duration
	inputBudget int
	pricing     Pricing
}

var _ Provider = (*AnthropicLLM)(nil)

func NewAnthropicLLM(apiKey, model string, timeout time.Duration, inputBudget int, pricing Pricing) *AnthropicLLM {
	if model == "" {
		model = string(anthropic.ModelClaude3_5HaikuLatest)
	}
	return &AnthropicLLM{
		client:      anthropic.NewClient(anthropicopt.WithAPIKey(apiKey)),
		model:       model,
		timeout:     timeout,
		inputBudget: inputBudget,
		pricing:     pricing,
	}
}

func (a *AnthropicLLM) Name() string { return anthropicName }

func (a *AnthropicLLM) InputBudget() int { return a.inputBudget }

func (a *AnthropicLLM) messages(p Prompt) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(p.History)+1)
	for _, h := range p.History {
		block := anthropic.NewTextBlock(h.Content)
		if historyRole(h.Role, "assistant") == "assistant" {
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}
	return append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(p.UserTurn())))
}

func (a *AnthropicLLM) system(p Prompt) []anthropic.TextBlockParam {
	if p.System == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Text: p.System}}
}

func (a *AnthropicLLM) Complete(ctx context.Context, p Prompt, params Params) (Stream, error) {
	cctx, cancel := withTimeout(ctx, a.timeout)

	maxTokens := int64(params.MaxOutputTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	stream := a.client.Messages.NewStreaming(cctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(a.model),
		MaxTokens:   maxTokens,
		System:      a.system(p),
		Messages:    a.messages(p),
		Temperature: anthropic.Float(params.Temperature),
	})

	next := func() (string, bool, error) {
		if !stream.Next() {
			return "", false, stream.Err()
		}
		ev, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			return "", true, nil
		}
		if d, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
			return d.Text, true, nil
		}
		return "", true, nil
	}
	s := newPullStream(anthropicName, next, stream.Close, cancel, classifyAnthropic)
	return finish(s, params), nil
}

// CountTokens asks the API; the estimate is used when the call fails or does
// not answer in time.
func (a *AnthropicLLM) CountTokens(ctx context.Context, p Prompt) (int, error) {
	params := anthropic.MessageCountTokensParams{
		Model:    anthropic.Model(a.model),
		Messages: a.messages(p),
	}
	if sys := a.system(p); sys != nil {
		params.System = anthropic.MessageCountTokensParamsSystemUnion{OfTextBlockArray: sys}
	}
	return countWithin(ctx, anthropicName, a.timeout, p, func(ctx context.Context) (int, error) {
		resp, err := a.client.Messages.CountTokens(ctx, params)
		if err != nil {
			return 0, err
		}
		return int(resp.InputTokens), nil
	}), nil
}

func (a *AnthropicLLM) EstimateCost(ctx context.Context, p Prompt, params Params) (Cost, error) {
	n, err := CountTokens(ctx, a, p)
	if err != nil {
		return Cost{}, err
	}
	return a.pricing.estimate(anthropicName, n, params.MaxOutputTokens), nil
}

func classifyAnthropic(err error) error {
	pe := core.NewProviderError(anthropicName, core.ReasonOther, err)
	if pe.Reason != core.ReasonOther {
		return pe
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe.Reason = reasonFromHTTP(apiErr.StatusCode)
		// 529 is Anthropic's overloaded status.
		if apiErr.StatusCode == 529 {
			pe.Reason = core.ReasonRateLimit
		}
	}
	return pe
}
