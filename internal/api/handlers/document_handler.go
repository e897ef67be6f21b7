package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/core/events"
	"github.com/markdave123-py/contexta/internal/models"
	"github.com/markdave123-py/contexta/internal/services"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

type DocumentHandler struct {
	docs      *services.DocumentService
	hub       *events.Hub
	maxUpload int64
	upgrader  websocket.Upgrader
	log       *slog.Logger
}

// NewDocumentHandler builds the handler. Websocket upgrades are accepted from
// the given origins, or same-origin only when none are configured.
func NewDocumentHandler(docs *services.DocumentService, hub *events.Hub, maxUpload int64, origins []string) *DocumentHandler {
	if maxUpload <= 0 {
		maxUpload = 50 << 20
	}
	h := &DocumentHandler{docs: docs, hub: hub, maxUpload: maxUpload, log: slog.With("component", "documents_api")}
	if len(origins) > 0 {
		allowed := make(map[string]bool, len(origins))
		for _, o := range origins {
			allowed[o] = true
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowed[origin] || allowed["*"]
		}
	}
	return h
}

// StatusResponse is the polling view of a document's conversion.
type StatusResponse struct {
	DocumentID    string    `json:"document_id"`
	Status        string    `json:"status"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ChunkCount    int       `json:"chunk_count"`
	IndexedCount  int       `json:"indexed_count"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func statusOf(doc *models.Document) StatusResponse {
	return StatusResponse{
		DocumentID:    doc.ID,
		Status:        doc.Status,
		FailureReason: doc.FailureReason,
		ChunkCount:    doc.ChunkCount,
		IndexedCount:  doc.IndexedCount,
		UpdatedAt:     doc.UpdatedAt,
	}
}

// UploadDocument stores a multipart "file" and queues it for conversion.
// Optional fields: title, tags (comma separated).
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, fmt.Errorf("%w: %v", core.ErrInvalidInput, err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing file", core.ErrInvalidInput))
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		tags = strings.Split(raw, ",")
	}

	doc, err := h.docs.UploadAndCreate(r.Context(), services.Upload{
		OwnerID:     ownerID,
		FileName:    header.Filename,
		ContentType: contentType,
		Title:       r.FormValue("title"),
		Tags:        tags,
		Body:        file,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	docs, err := h.docs.ListByUser(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.docs.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConvertDocument triggers conversion. ?force=true reconverts processed or
// failed documents; ?wait=true converts inline and returns the result.
func (h *DocumentHandler) ConvertDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))

	res, err := h.docs.Convert(r.Context(), ownerID, chi.URLParam(r, "id"), force, wait)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusAccepted
	if wait {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

func (h *DocumentHandler) DocumentStatus(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := h.docs.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusOf(doc))
}

// StatusStream upgrades to a websocket that first sends the current status,
// then every status event for the document until the client disconnects.
func (h *DocumentHandler) StatusStream(w http.ResponseWriter, r *http.Request) {
	ownerID, err := ownerFrom(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.docs.Get(r.Context(), ownerID, id); err != nil {
		writeError(w, err)
		return
	}

	// Subscribe before the snapshot so nothing falls between the two.
	evs, cancel := h.hub.Subscribe(id)
	defer cancel()
	doc, err := h.docs.Get(r.Context(), ownerID, id)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "document_id", id, "err", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	snapshot := core.DocumentEvent{
		DocumentID: doc.ID,
		OwnerID:    doc.UserID,
		Status:     doc.Status,
		Reason:     doc.FailureReason,
		Indexed:    doc.IndexedCount,
		At:         doc.UpdatedAt,
	}
	if err := write(snapshot); err != nil {
		return
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-evs:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			if err := write(ev); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
