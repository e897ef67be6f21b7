package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/markdave123-py/contexta/internal/core"
)

// FitPrompt trims p until the provider counts it within its input budget.
// Oldest history goes first, then the retrieved context. The system prompt
// and the current message are never dropped; when they alone exceed the
// budget a BudgetExceededError is returned along with that minimal prompt.
func FitPrompt(ctx context.Context, provider Provider, p Prompt) (Prompt, error) {
	budget := provider.InputBudget()
	if budget <= 0 {
		return p, nil
	}

	n, err := CountTokens(ctx, provider, p)
	if err != nil {
		return p, fmt.Errorf("count tokens: %w", err)
	}
	if n <= budget {
		return p, nil
	}

	if len(p.History) > 0 {
		var countErr error
		withDrop := func(d int) Prompt {
			q := p
			q.History = p.History[d:]
			return q
		}
		// Token count only falls as more history is dropped, so binary search
		// the smallest drop that fits.
		d := sort.Search(len(p.History)+1, func(d int) bool {
			if countErr != nil {
				return true
			}
			c, err := CountTokens(ctx, provider, withDrop(d))
			if err != nil {
				countErr = err
				return true
			}
			return c <= budget
		})
		if countErr != nil {
			return p, fmt.Errorf("count tokens: %w", countErr)
		}
		if d <= len(p.History) {
			return withDrop(d), nil
		}
		p = withDrop(len(p.History))
	}

	p.Context = ""
	n, err = CountTokens(ctx, provider, p)
	if err != nil {
		return p, fmt.Errorf("count tokens: %w", err)
	}
	if n <= budget {
		return p, nil
	}
	return p, &core.BudgetExceededError{Needed: n, Budget: budget}
}

// fitForSend is FitPrompt for a request about to be sent: an over-budget
// minimal prompt is still submitted and left for the provider to judge.
func fitForSend(ctx context.Context, provider Provider, p Prompt) (Prompt, error) {
	fitted, err := FitPrompt(ctx, provider, p)
	var be *core.BudgetExceededError
	if errors.As(err, &be) {
		slog.Warn("prompt over input budget, sending minimal prompt",
			"provider", provider.Name(), "needed", be.Needed, "budget", be.Budget)
		return fitted, nil
	}
	return fitted, err
}
