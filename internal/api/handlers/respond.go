package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	middleware "github.com/markdave123-py/contexta/internal/api/middlewares"
	"github.com/markdave123-py/contexta/internal/core"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

var errUnauthorized = errors.New("unauthorized")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUnauthorized) {
		writeJSON(w, http.StatusUnauthorized, ErrorBody{Error: err.Error(), Kind: "unauthorized"})
		return
	}
	kind := core.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "kind", kind, "err", err)
	}
	writeJSON(w, status, ErrorBody{Error: err.Error(), Kind: kind})
}

func statusFor(kind string) int {
	switch kind {
	case "not_found":
		return http.StatusNotFound
	case "invalid_input":
		return http.StatusBadRequest
	case "conflict":
		return http.StatusConflict
	case "budget_exceeded":
		return http.StatusUnprocessableEntity
	case "retrieval":
		return http.StatusServiceUnavailable
	case "provider_rate_limit":
		return http.StatusTooManyRequests
	case "provider_timeout", "timeout":
		return http.StatusGatewayTimeout
	case "provider", "embedding":
		return http.StatusBadGateway
	case "canceled":
		// nginx's client-closed-request; nobody is listening anyway.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func ownerFrom(r *http.Request) (string, error) {
	id, ok := middleware.OwnerID(r.Context())
	if !ok {
		return "", errUnauthorized
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	return nil
}
