package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrConflict          = errors.New("conflict")
)

// Provider failure reasons. Only timeouts and rate limits are eligible for fallback.
const (
	ReasonTimeout     = "timeout"
	ReasonRateLimit   = "rate_limit"
	ReasonAuth        = "auth"
	ReasonBadRequest  = "bad_request"
	ReasonUnavailable = "unavailable"
	ReasonCanceled    = "canceled"
	ReasonOther       = "other"
)

// ConversionError is recorded on a document when conversion fails.
type ConversionError struct {
	DocumentID string
	Permanent  bool
	Err        error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert document %s: %v", e.DocumentID, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// EmbeddingError reports a chunk (or query, when ChunkID is empty) that could not be embedded.
type EmbeddingError struct {
	ChunkID string
	Err     error
}

func (e *EmbeddingError) Error() string {
	if e.ChunkID == "" {
		return fmt.Sprintf("embed: %v", e.Err)
	}
	return fmt.Sprintf("embed chunk %s: %v", e.ChunkID, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// RetrievalError is returned when the vector store or query embedding fails.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %s: %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// ProviderError wraps a failure from an LLM or embedding backend.
type ProviderError struct {
	Provider string
	Reason   string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s (%s): %v", e.Provider, e.Reason, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether a fallback provider may be tried.
func (e *ProviderError) Retryable() bool {
	return e.Reason == ReasonTimeout || e.Reason == ReasonRateLimit
}

// BudgetExceededError is returned when the mandatory prompt parts alone exceed the input budget.
type BudgetExceededError struct {
	Needed int
	Budget int
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("prompt needs %d tokens, budget is %d", e.Needed, e.Budget)
}

// NewProviderError classifies context errors and wraps anything else with the given reason.
func NewProviderError(provider, reason string, err error) *ProviderError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		reason = ReasonTimeout
	case errors.Is(err, context.Canceled):
		reason = ReasonCanceled
	}
	return &ProviderError{Provider: provider, Reason: reason, Err: err}
}

// KindOf maps an error to a stable kind string for API responses.
func KindOf(err error) string {
	var (
		convErr   *ConversionError
		embErr    *EmbeddingError
		retErr    *RetrievalError
		provErr   *ProviderError
		budgetErr *BudgetExceededError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &provErr):
		switch provErr.Reason {
		case ReasonTimeout, ReasonRateLimit:
			return "provider_" + provErr.Reason
		case ReasonCanceled:
			return "canceled"
		}
		return "provider"
	case errors.As(err, &retErr):
		return "retrieval"
	case errors.As(err, &embErr):
		return "embedding"
	case errors.As(err, &convErr):
		return "conversion"
	case errors.As(err, &budgetErr):
		return "budget_exceeded"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrUnsupportedFormat):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
