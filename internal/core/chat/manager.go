// Package chat runs conversation turns: retrieve, build context, stream the
// model's answer and persist both sides of the exchange.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/contextwindow"
	"github.com/markdave123-py/contexta/internal/core/llm"
	"github.com/markdave123-py/contexta/internal/core/retrieval"
	"github.com/markdave123-py/contexta/internal/core/tokens"
	"github.com/markdave123-py/contexta/internal/models"
)

const (
	DefaultHistoryWindow = 20

	DefaultSystemPrompt = `You are a helpful assistant answering questions about the user's documents.
Use only the numbered context passages when they are relevant and cite them inline as [n].
If the context does not contain the answer, say so and answer from the conversation alone.`

	fallbackReply = "Sorry, I couldn't finish that answer. Please try again."
)

// Searcher is the retrieval dependency of a turn.
type Searcher interface {
	Search(ctx context.Context, query, ownerID string, f retrieval.Filters, k int) ([]models.SearchResult, error)
}

// Config tunes a turn.
//
// HistoryWindow: messages sent to the model, the current one included.
// ContextBudget: upper bound on context tokens; 0 disables retrieval context.
type Config struct {
	SystemPrompt    string
	HistoryWindow   int
	TopK            int
	ContextBudget   int
	Temperature     float64
	MaxOutputTokens int
}

// Turn is one user message to send.
type Turn struct {
	OwnerID        string
	ConversationID string
	Text           string
	Provider       string
	Filters        retrieval.Filters
}

// TurnResult is the outcome of a completed or failed turn.
type TurnResult struct {
	Conversation     *models.Conversation `json:"conversation"`
	UserMessage      models.Message       `json:"user_message"`
	AssistantMessage models.Message       `json:"assistant_message"`
	References       []models.Reference   `json:"references"`
	Provider         string               `json:"provider"`
	Cost             llm.Cost             `json:"cost"`
	NoContext        bool                 `json:"no_context"`
	ContextTokens    int                  `json:"context_tokens"`
}

// StateObserver is told about every state transition.
type StateObserver func(conversationID, from, to string)

type Manager struct {
	store    core.ConversationStore
	searcher Searcher
	router   *llm.Router
	cfg      Config
	observe  StateObserver
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type Option func(*Manager)

func WithStateObserver(fn StateObserver) Option {
	return func(m *Manager) { m.observe = fn }
}

func NewManager(store core.ConversationStore, searcher Searcher, router *llm.Router, cfg Config, opts ...Option) *Manager {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.TopK <= 0 {
		cfg.TopK = retrieval.DefaultTopK
	}
	m := &Manager{
		store:    store,
		searcher: searcher,
		router:   router,
		cfg:      cfg,
		log:      slog.With("component", "chat"),
		sessions: make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// acquire returns the conversation's session and holds a reference to it
// until release. Sessions live only while someone holds them.
func (m *Manager) acquire(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &session{}
		m.sessions[id] = s
	}
	s.refs++
	return s
}

func (m *Manager) release(id string, s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && m.sessions[id] == s {
		delete(m.sessions, id)
	}
}

// sessionCount reports how many conversations have turns in flight.
func (m *Manager) sessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// State reports the current state of a conversation.
func (m *Manager) State(conversationID string) string {
	m.mu.Lock()
	s, ok := m.sessions[conversationID]
	m.mu.Unlock()
	if !ok {
		return StateIdle
	}
	return s.get()
}

func (m *Manager) transition(id string, s *session, to string) {
	from := s.set(to)
	if m.observe != nil && from != to {
		m.observe(id, from, to)
	}
}

// SendMessage runs one turn. Tokens are passed to onToken as they arrive;
// an error from onToken aborts the turn. Turns of the same conversation run
// one at a time.
func (m *Manager) SendMessage(ctx context.Context, t Turn, onToken func(string) error) (*TurnResult, error) {
	if strings.TrimSpace(t.Text) == "" {
		return nil, fmt.Errorf("empty message: %w", core.ErrInvalidInput)
	}
	if t.OwnerID == "" {
		return nil, fmt.Errorf("missing owner: %w", core.ErrInvalidInput)
	}
	if t.ConversationID == "" {
		t.ConversationID = uuid.NewString()
	}
	ctx = llm.WithCountCache(ctx)

	sess := m.acquire(t.ConversationID)
	defer m.release(t.ConversationID, sess)
	sess.turn.Lock()
	defer sess.turn.Unlock()

	conv, err := m.conversation(ctx, t)
	if err != nil {
		return nil, err
	}

	m.transition(conv.ID, sess, StateAwaiting)
	res := &TurnResult{Conversation: conv, References: []models.Reference{}}

	res.UserMessage = models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        t.Text,
		TokenCount:     tokens.Estimate(t.Text),
	}
	if err := m.store.AppendMessage(ctx, &res.UserMessage); err != nil {
		m.transition(conv.ID, sess, StateIdle)
		return nil, fmt.Errorf("save user message: %w", err)
	}

	provider := m.router.Prefer(firstNonEmpty(t.Provider, conv.Provider))
	res.Provider = provider.Name()

	prompt, window, err := m.buildPrompt(ctx, t, provider, res.UserMessage)
	if err != nil {
		return m.fail(ctx, sess, res, "", err)
	}
	res.NoContext = window.NoContext || prompt.Context == ""
	res.ContextTokens = window.Tokens
	if prompt.Context != "" {
		res.References = window.UsedReferences
	}

	params := llm.Params{
		Temperature:     m.cfg.Temperature,
		MaxOutputTokens: m.cfg.MaxOutputTokens,
		Stream:          true,
	}
	if cost, err := provider.EstimateCost(ctx, prompt, params); err != nil {
		m.log.Warn("cost estimate failed", "conversation_id", conv.ID, "err", err)
	} else {
		res.Cost = cost
	}

	stream, err := provider.Complete(ctx, prompt, params)
	if err != nil {
		return m.fail(ctx, sess, res, "", err)
	}
	defer stream.Close()

	m.transition(conv.ID, sess, StateStreaming)
	var answer strings.Builder
	for stream.Next() {
		tok := stream.Token()
		answer.WriteString(tok)
		if onToken == nil {
			continue
		}
		if err := onToken(tok); err != nil {
			res.Provider = stream.Provider()
			return m.fail(ctx, sess, res, answer.String(), err)
		}
	}
	if stream.Provider() != "" {
		res.Provider = stream.Provider()
	}
	if err := stream.Err(); err != nil {
		return m.fail(ctx, sess, res, answer.String(), err)
	}
	if sent, ok := llm.SentPrompt(stream); ok && sent.Context == "" && prompt.Context != "" {
		// The answering provider had less room and the context was dropped.
		res.NoContext = true
		res.ContextTokens = 0
		res.References = []models.Reference{}
	}

	res.AssistantMessage = models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        answer.String(),
		TokenCount:     tokens.Estimate(answer.String()),
		References:     res.References,
		Provider:       res.Provider,
	}
	if err := m.store.AppendMessage(ctx, &res.AssistantMessage); err != nil {
		return m.fail(ctx, sess, res, answer.String(), fmt.Errorf("save assistant message: %w", err))
	}
	m.transition(conv.ID, sess, StateIdle)
	m.log.Info("turn complete", "conversation_id", conv.ID, "provider", res.Provider,
		"references", len(res.References), "context_tokens", res.ContextTokens)
	return res, nil
}

func (m *Manager) conversation(ctx context.Context, t Turn) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, t.ConversationID)
	switch {
	case err == nil:
		if conv.UserID != t.OwnerID {
			return nil, fmt.Errorf("conversation %s: %w", t.ConversationID, core.ErrNotFound)
		}
		return conv, nil
	case errors.Is(err, core.ErrNotFound):
		conv = &models.Conversation{
			ID:       t.ConversationID,
			UserID:   t.OwnerID,
			Title:    title(t.Text),
			Provider: t.Provider,
		}
		if err := m.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	default:
		return nil, fmt.Errorf("load conversation: %w", err)
	}
}

// buildPrompt retrieves context, windows the history and fits the result to
// the provider's input budget.
func (m *Manager) buildPrompt(ctx context.Context, t Turn, provider *llm.Router, current models.Message) (llm.Prompt, contextwindow.Window, error) {
	var results []models.SearchResult
	if m.cfg.ContextBudget > 0 && m.searcher != nil {
		var err error
		results, err = m.searcher.Search(ctx, t.Text, t.OwnerID, t.Filters, m.cfg.TopK)
		var re *core.RetrievalError
		switch {
		case errors.As(err, &re):
			m.log.Warn("retrieval failed, answering from history", "conversation_id", current.ConversationID, "err", err)
			results = nil
		case err != nil:
			return llm.Prompt{}, contextwindow.Window{}, err
		}
	}

	base := llm.Prompt{System: m.cfg.SystemPrompt, User: t.Text}
	budget := m.cfg.ContextBudget
	if in := provider.InputBudget(); in > 0 && budget > 0 {
		fixed, err := llm.CountTokens(ctx, provider, base)
		if err != nil {
			return llm.Prompt{}, contextwindow.Window{}, fmt.Errorf("count tokens: %w", err)
		}
		budget = min(budget, in-fixed)
	}
	window := contextwindow.Build(results, retrieval.ExtractReferences(results), budget)

	history, err := m.history(ctx, current)
	if err != nil {
		return llm.Prompt{}, window, err
	}

	prompt := base
	prompt.Context = window.Text
	prompt.History = history
	fitted, err := llm.FitPrompt(ctx, provider, prompt)
	var be *core.BudgetExceededError
	if errors.As(err, &be) {
		m.log.Warn("question alone exceeds the input budget", "conversation_id", current.ConversationID,
			"needed", be.Needed, "budget", be.Budget)
		return fitted, window, nil
	}
	if err != nil {
		return llm.Prompt{}, window, err
	}
	return fitted, window, nil
}

// history returns the messages before current inside the sliding window.
func (m *Manager) history(ctx context.Context, current models.Message) ([]llm.Message, error) {
	msgs, err := m.store.ListMessages(ctx, current.ConversationID, m.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	out := make([]llm.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.ID == current.ID || msg.Seq >= current.Seq {
			continue
		}
		if msg.ErrorKind != "" && msg.Content == fallbackReply {
			continue
		}
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out, nil
}

// fail records a best-effort assistant message for a turn that did not
// complete and returns the conversation to idle.
func (m *Manager) fail(ctx context.Context, sess *session, res *TurnResult, partial string, cause error) (*TurnResult, error) {
	convID := res.Conversation.ID
	m.transition(convID, sess, StateError)
	defer m.transition(convID, sess, StateIdle)

	content := partial
	if strings.TrimSpace(content) == "" {
		content = fallbackReply
	}
	res.AssistantMessage = models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Role:           models.RoleAssistant,
		Content:        content,
		TokenCount:     tokens.Estimate(content),
		Provider:       res.Provider,
		ErrorKind:      core.KindOf(cause),
	}
	if err := m.store.AppendMessage(context.WithoutCancel(ctx), &res.AssistantMessage); err != nil {
		m.log.Error("save failed turn", "conversation_id", convID, "err", err)
	}
	m.log.Warn("turn failed", "conversation_id", convID, "kind", res.AssistantMessage.ErrorKind, "err", cause)
	return res, cause
}

func (m *Manager) ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	return m.store.ListConversationsByUser(ctx, ownerID)
}

// GetConversation returns the conversation with all of its messages.
func (m *Manager) GetConversation(ctx context.Context, ownerID, id string) (*models.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.UserID != ownerID {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	conv.Messages, err = m.store.ListMessages(ctx, id, 0)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return conv, nil
}

func (m *Manager) DeleteConversation(ctx context.Context, ownerID, id string) error {
	if _, err := m.GetConversation(ctx, ownerID, id); err != nil {
		return err
	}
	sess := m.acquire(id)
	defer m.release(id, sess)
	sess.turn.Lock()
	defer sess.turn.Unlock()
	return m.store.DeleteConversation(ctx, id)
}

func title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	const limit = 60
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	r := []rune(text)
	return string(r[:limit-1]) + "…"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
