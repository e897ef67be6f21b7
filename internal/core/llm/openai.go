package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/markdave123-py/contexta/internal/core"
)

const openAIName = "openai"

type OpenAIChat struct {
	client      *openai.Client
	model       string
	timeout     time.Duration
	inputBudget int
	pricing     Pricing
}

var _ Provider = (*OpenAIChat)(nil)

func NewOpenAIChat(apiKey, model string, timeout time.Duration, inputBudget int, pricing Pricing) *OpenAIChat {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIChat{
		client:      openai.NewClient(apiKey),
		model:       model,
		timeout:     timeout,
		inputBudget: inputBudget,
		pricing:     pricing,
	}
}

func (c *OpenAIChat) Name() string { return openAIName }

func (c *OpenAIChat) InputBudget() int { return c.inputBudget }

func (c *OpenAIChat) messages(p Prompt) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(p.History)+2)
	if p.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.System})
	}
	for _, h := range p.History {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    historyRole(h.Role, openai.ChatMessageRoleAssistant),
			Content: h.Content,
		})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: p.UserTurn()})
}

func (c *OpenAIChat) Complete(ctx context.Context, p Prompt, params Params) (Stream, error) {
	cctx, cancel := withTimeout(ctx, c.timeout)

	stream, err := c.client.CreateChatCompletionStream(cctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    c.messages(p),
		Temperature: float32(params.Temperature),
		MaxTokens:   params.MaxOutputTokens,
		Stream:      true,
	})
	if err != nil {
		cancel()
		return nil, classifyOpenAI(err)
	}

	next := func() (string, bool, error) {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		if len(resp.Choices) == 0 {
			return "", true, nil
		}
		return resp.Choices[0].Delta.Content, true, nil
	}
	s := newPullStream(openAIName, next, stream.Close, cancel, classifyOpenAI)
	return finish(s, params), nil
}

// CountTokens uses the shared estimate; the API has no counting endpoint.
func (c *OpenAIChat) CountTokens(_ context.Context, p Prompt) (int, error) {
	return EstimatePromptTokens(p), nil
}

func (c *OpenAIChat) EstimateCost(ctx context.Context, p Prompt, params Params) (Cost, error) {
	n, err := CountTokens(ctx, c, p)
	if err != nil {
		return Cost{}, err
	}
	return c.pricing.estimate(openAIName, n, params.MaxOutputTokens), nil
}

func classifyOpenAI(err error) error {
	pe := core.NewProviderError(openAIName, core.ReasonOther, err)
	if pe.Reason != core.ReasonOther {
		return pe
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe.Reason = reasonFromHTTP(apiErr.HTTPStatusCode)
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe.Reason = reasonFromHTTP(reqErr.HTTPStatusCode)
	}
	return pe
}

type OpenAIEmbedder struct {
	client *openai.Client
	model  string
	dim    int
}

var _ core.EmbeddingProvider = (*OpenAIEmbedder)(nil)

func NewOpenAIEmbedder(apiKey, model string, dim int) *OpenAIEmbedder {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: openai.NewClient(apiKey), model: model, dim: dim}
}

func (e *OpenAIEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", classifyOpenAI(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d texts", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: vector index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}
