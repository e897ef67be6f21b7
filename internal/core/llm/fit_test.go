package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/llm"
	"github.com/markdave123-py/contexta/internal/core/llm/llmtest"
	"github.com/markdave123-py/contexta/internal/models"
)

// 10 for system+user, 10 per history message, 50 for a non-empty context.
func countByParts(p llm.Prompt) int {
	n := 10 + 10*len(p.History)
	if p.Context != "" {
		n += 50
	}
	return n
}

func samplePrompt() llm.Prompt {
	return llm.Prompt{
		System:  "be brief",
		Context: "[1] Handbook (page 2)\nsome passage",
		History: []llm.Message{
			{Role: models.RoleUser, Content: "h1"},
			{Role: models.RoleAssistant, Content: "h2"},
			{Role: models.RoleUser, Content: "h3"},
			{Role: models.RoleAssistant, Content: "h4"},
		},
		User: "what now?",
	}
}

func TestFitPrompt_FitsUnchanged(t *testing.T) {
	p := llmtest.New("fake")
	p.Budget = 1000
	p.Count = countByParts

	got, err := llm.FitPrompt(context.Background(), p, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, samplePrompt(), got)
}

func TestFitPrompt_DropsOldestHistoryFirst(t *testing.T) {
	p := llmtest.New("fake")
	p.Budget = 75
	p.Count = countByParts

	got, err := llm.FitPrompt(context.Background(), p, samplePrompt())
	require.NoError(t, err)
	require.Len(t, got.History, 1)
	assert.Equal(t, "h4", got.History[0].Content)
	assert.NotEmpty(t, got.Context)
	assert.Equal(t, "be brief", got.System)
	assert.Equal(t, "what now?", got.User)
}

func TestFitPrompt_DropsContextAfterHistory(t *testing.T) {
	p := llmtest.New("fake")
	p.Budget = 45
	p.Count = countByParts

	got, err := llm.FitPrompt(context.Background(), p, samplePrompt())
	require.NoError(t, err)
	assert.Empty(t, got.History)
	assert.Empty(t, got.Context)
	assert.Equal(t, "what now?", got.User)
}

func TestFitPrompt_BudgetExceeded(t *testing.T) {
	p := llmtest.New("fake")
	p.Budget = 5
	p.Count = countByParts

	_, err := llm.FitPrompt(context.Background(), p, samplePrompt())
	var be *core.BudgetExceededError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 10, be.Needed)
	assert.Equal(t, 5, be.Budget)
	assert.Equal(t, "budget_exceeded", core.KindOf(err))
}

func TestFitPrompt_NoBudgetMeansNoLimit(t *testing.T) {
	p := llmtest.New("fake")
	p.Count = countByParts

	got, err := llm.FitPrompt(context.Background(), p, samplePrompt())
	require.NoError(t, err)
	assert.Len(t, got.History, 4)
}

func TestPrompt_UserTurn(t *testing.T) {
	assert.Equal(t, "hi", llm.Prompt{User: "hi"}.UserTurn())
	assert.Equal(t, "Context:\nctx\n\nQuestion: hi", llm.Prompt{Context: "ctx", User: "hi"}.UserTurn())
}

func TestCountTokens_CachesIdenticalPromptsPerContext(t *testing.T) {
	var calls int
	p := llmtest.New("fake")
	p.Budget = 75
	p.Count = func(q llm.Prompt) int {
		calls++
		return countByParts(q)
	}

	ctx := llm.WithCountCache(context.Background())
	first, err := llm.FitPrompt(ctx, p, samplePrompt())
	require.NoError(t, err)
	perFit := calls

	second, err := llm.FitPrompt(ctx, p, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, perFit, calls)

	n, err := llm.CountTokens(ctx, p, first)
	require.NoError(t, err)
	assert.Equal(t, countByParts(first), n)
	assert.Equal(t, perFit, calls)

	_, err = llm.FitPrompt(context.Background(), p, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, 2*perFit, calls)
}

func TestCountTokens_CacheSeparatesProviders(t *testing.T) {
	a := llmtest.New("a")
	a.Count = func(llm.Prompt) int { return 1 }
	b := llmtest.New("b")
	b.Count = func(llm.Prompt) int { return 2 }

	ctx := llm.WithCountCache(context.Background())
	n, err := llm.CountTokens(ctx, a, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = llm.CountTokens(ctx, b, samplePrompt())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
