package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"

	"github.com/markdave123-py/contexta/internal/core"
)

const geminiName = "gemini"

type GeminiLLM struct {
	client      *genai.Client
	modelName   string
	timeout     time.Duration
	inputBudget int
	pricing     Pricing
}

var _ Provider = (*GeminiLLM)(nil)

func NewGeminiLLM(ctx context.Context, apiKey, modelName string, timeout time.Duration, inputBudget int, pricing Pricing) (*GeminiLLM, error) {
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &GeminiLLM{client: cl, modelName: modelName, timeout: timeout, inputBudget: inputBudget, pricing: pricing}, nil
}

func (g *GeminiLLM) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiLLM) Name() string { return geminiName }

func (g *GeminiLLM) InputBudget() int { return g.inputBudget }

func (g *GeminiLLM) model(system string, params Params) *genai.GenerativeModel {
	m := g.client.GenerativeModel(g.modelName)
	if system != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(system)},
		}
	}
	m.SetTemperature(float32(params.Temperature))
	if params.MaxOutputTokens > 0 {
		m.SetMaxOutputTokens(int32(params.MaxOutputTokens))
	}
	return m
}

func (g *GeminiLLM) Complete(ctx context.Context, p Prompt, params Params) (Stream, error) {
	cctx, cancel := withTimeout(ctx, g.timeout)

	cs := g.model(p.System, params).StartChat()
	for _, h := range p.History {
		cs.History = append(cs.History, &genai.Content{
			Role:  historyRole(h.Role, "model"),
			Parts: []genai.Part{genai.Text(h.Content)},
		})
	}
	iter := cs.SendMessageStream(cctx, genai.Text(p.UserTurn()))

	next := func() (string, bool, error) {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return geminiText(resp), true, nil
	}
	s := newPullStream(geminiName, next, nil, cancel, classifyGemini)
	return finish(s, params), nil
}

func geminiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var out string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			out += string(t)
		}
	}
	return out
}

// CountTokens asks the model API; the estimate is used when the call fails
// or does not answer in time.
func (g *GeminiLLM) CountTokens(ctx context.Context, p Prompt) (int, error) {
	parts := []genai.Part{genai.Text(p.System)}
	for _, h := range p.History {
		parts = append(parts, genai.Text(h.Content))
	}
	parts = append(parts, genai.Text(p.UserTurn()))

	return countWithin(ctx, geminiName, g.timeout, p, func(ctx context.Context) (int, error) {
		resp, err := g.client.GenerativeModel(g.modelName).CountTokens(ctx, parts...)
		if err != nil {
			return 0, err
		}
		return int(resp.TotalTokens), nil
	}), nil
}

func (g *GeminiLLM) EstimateCost(ctx context.Context, p Prompt, params Params) (Cost, error) {
	n, err := CountTokens(ctx, g, p)
	if err != nil {
		return Cost{}, err
	}
	return g.pricing.estimate(geminiName, n, params.MaxOutputTokens), nil
}

// classifyGemini maps gRPC and HTTP statuses onto provider failure reasons.
func classifyGemini(err error) error {
	pe := core.NewProviderError(geminiName, core.ReasonOther, err)
	if pe.Reason != core.ReasonOther {
		return pe
	}
	var apiErr *apierror.APIError
	if !errors.As(err, &apiErr) {
		return pe
	}
	switch apiErr.GRPCStatus().Code() {
	case codes.ResourceExhausted:
		pe.Reason = core.ReasonRateLimit
	case codes.DeadlineExceeded:
		pe.Reason = core.ReasonTimeout
	case codes.Unavailable:
		pe.Reason = core.ReasonUnavailable
	case codes.Unauthenticated, codes.PermissionDenied:
		pe.Reason = core.ReasonAuth
	case codes.InvalidArgument:
		pe.Reason = core.ReasonBadRequest
	}
	if pe.Reason == core.ReasonOther {
		pe.Reason = reasonFromHTTP(apiErr.HTTPCode())
	}
	return pe
}

func reasonFromHTTP(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return core.ReasonRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return core.ReasonTimeout
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.ReasonAuth
	case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
		return core.ReasonUnavailable
	case status >= 400 && status < 500:
		return core.ReasonBadRequest
	default:
		return core.ReasonOther
	}
}

func formatGeminiErr(op string, err error) error {
	return fmt.Errorf("gemini %s: %w", op, classifyGemini(err))
}
