// Package memstore implements the metadata, vector, object and queue
// contracts in process memory. It backs development mode and tests.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/contexta/internal/core"
	"github.com/markdave123-py/contexta/internal/models"
)

// Store keeps documents, chunks, conversations and embedding records.
// Metadata and vectors share one lock so searches can join against documents.
type Store struct {
	mu            sync.RWMutex
	documents     map[string]models.Document
	chunks        map[string]models.Chunk
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
	records       map[string]models.EmbeddingRecord
	byHash        map[string]string // owner|hash -> record chunk id
	now           func() time.Time
}

var (
	_ core.DbClient    = (*Store)(nil)
	_ core.VectorStore = (*Store)(nil)
)

func NewStore() *Store {
	return &Store{
		documents:     make(map[string]models.Document),
		chunks:        make(map[string]models.Chunk),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
		records:       make(map[string]models.EmbeddingRecord),
		byHash:        make(map[string]string),
		now:           time.Now,
	}
}

func (s *Store) Close() error { return nil }

// Documents

func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("create document: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[doc.ID]; ok {
		return fmt.Errorf("document %s: %w", doc.ID, core.ErrConflict)
	}
	now := s.now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = now
	}
	s.documents[doc.ID] = cloneDocument(*doc)
	return nil
}

func (s *Store) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	d = cloneDocument(d)
	return &d, nil
}

func (s *Store) ListDocumentsByUser(_ context.Context, userID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Document
	for _, d := range s.documents {
		if d.UserID == userID {
			out = append(out, cloneDocument(d))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) DeleteDocument(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[id]; !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	delete(s.documents, id)
	for cid, c := range s.chunks {
		if c.DocumentID == id {
			delete(s.chunks, cid)
		}
	}
	return nil
}

func (s *Store) TransitionDocumentStatus(_ context.Context, id string, from []string, to string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	allowed := false
	for _, f := range from {
		if d.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}
	d.Status = to
	d.FailureReason = reason
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return true, nil
}

func (s *Store) ReclaimStaleDocument(_ context.Context, id string, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return false, fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	if d.Status != models.StatusProcessing || !d.UpdatedAt.Before(staleBefore) {
		return false, nil
	}
	d.FailureReason = ""
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return true, nil
}

// SetClock replaces the time source used for created and updated stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) SaveConversionResult(_ context.Context, id, contentHash string, anchors models.AnchorTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	d.ContentHash = contentHash
	d.Anchors = append(models.AnchorTable(nil), anchors...)
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return nil
}

func (s *Store) SetIndexCounts(_ context.Context, id string, chunkCount, indexedCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.documents[id]
	if !ok {
		return fmt.Errorf("document %s: %w", id, core.ErrNotFound)
	}
	d.ChunkCount = chunkCount
	d.IndexedCount = indexedCount
	d.UpdatedAt = s.now()
	s.documents[id] = d
	return nil
}

// Chunks

func (s *Store) ReplaceDocumentChunks(_ context.Context, documentID string, chunks []models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[documentID]; !ok {
		return fmt.Errorf("document %s: %w", documentID, core.ErrNotFound)
	}
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	now := s.now()
	for _, c := range chunks {
		c.DocumentID = documentID
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		s.chunks[c.ID] = c
	}
	return nil
}

func (s *Store) DeleteDocumentChunks(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.DocumentID == documentID {
			delete(s.chunks, id)
		}
	}
	return nil
}

func (s *Store) GetChunksByDocument(_ context.Context, documentID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (s *Store) GetChunksByIDs(_ context.Context, ids []string) ([]core.ChunkWithTitle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.ChunkWithTitle, 0, len(ids))
	for _, id := range ids {
		c, ok := s.chunks[id]
		if !ok {
			continue
		}
		out = append(out, core.ChunkWithTitle{Chunk: c, DocumentTitle: s.documents[c.DocumentID].Title})
	}
	return out, nil
}

func (s *Store) LinkChunkEmbeddings(_ context.Context, links map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for chunkID, embeddingID := range links {
		c, ok := s.chunks[chunkID]
		if !ok {
			continue
		}
		c.EmbeddingID = embeddingID
		s.chunks[chunkID] = c
	}
	return nil
}

func (s *Store) RelinkEmbedding(_ context.Context, fromID, toID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.chunks {
		if c.EmbeddingID == fromID {
			c.EmbeddingID = toID
			s.chunks[id] = c
		}
	}
	return nil
}

func (s *Store) FindChunksByHash(_ context.Context, ownerID, hash, excludeDocumentID string) ([]models.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Chunk
	for _, c := range s.chunks {
		if c.ContentHash != hash || c.DocumentID == excludeDocumentID {
			continue
		}
		if s.documents[c.DocumentID].UserID != ownerID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Conversations

func (s *Store) CreateConversation(_ context.Context, c *models.Conversation) error {
	if c == nil || c.ID == "" {
		return fmt.Errorf("create conversation: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[c.ID]; ok {
		return fmt.Errorf("conversation %s: %w", c.ID, core.ErrConflict)
	}
	now := s.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	stored := *c
	stored.Messages = nil
	s.conversations[c.ID] = stored
	return nil
}

func (s *Store) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	return &c, nil
}

func (s *Store) ListConversationsByUser(_ context.Context, userID string) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Conversation
	for _, c := range s.conversations {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *Store) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return fmt.Errorf("conversation %s: %w", id, core.ErrNotFound)
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

func (s *Store) AppendMessage(_ context.Context, m *models.Message) error {
	if m == nil || m.ID == "" {
		return fmt.Errorf("append message: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[m.ConversationID]
	if !ok {
		return fmt.Errorf("conversation %s: %w", m.ConversationID, core.ErrNotFound)
	}
	msgs := s.messages[m.ConversationID]
	m.Seq = len(msgs) + 1
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.ConversationID] = append(msgs, *m)
	c.UpdatedAt = m.CreatedAt
	s.conversations[c.ID] = c
	return nil
}

func (s *Store) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]models.Message(nil), msgs...), nil
}

// Vectors

func hashKey(owner, hash string) string { return owner + "|" + hash }

func (s *Store) PutIfAbsent(_ context.Context, rec models.EmbeddingRecord) (string, bool, error) {
	if rec.ChunkID == "" || rec.OwnerID == "" || rec.ContentHash == "" {
		return "", false, fmt.Errorf("put embedding: %w", core.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := hashKey(rec.OwnerID, rec.ContentHash)
	if existing, ok := s.byHash[key]; ok {
		return existing, false, nil
	}
	rec.Vector = append([]float32(nil), rec.Vector...)
	s.records[rec.ChunkID] = rec
	s.byHash[key] = rec.ChunkID
	return rec.ChunkID, true, nil
}

func (s *Store) FindByHash(_ context.Context, ownerID, hash string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byHash[hashKey(ownerID, hash)]
	return id, ok, nil
}

func (s *Store) Search(_ context.Context, query []float32, k int, filter core.SearchFilter) ([]core.VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	linked := make(map[string][]models.Chunk)
	for _, c := range s.chunks {
		if c.EmbeddingID != "" {
			linked[c.EmbeddingID] = append(linked[c.EmbeddingID], c)
		}
	}

	var hits []core.VectorHit
	for id, rec := range s.records {
		if rec.OwnerID != filter.OwnerID {
			continue
		}
		chunk, ok := s.pickChunk(rec, linked[id], filter)
		if !ok {
			continue
		}
		hits = append(hits, core.VectorHit{
			EmbeddingID: id,
			ChunkID:     chunk.ID,
			DocumentID:  chunk.DocumentID,
			Similarity:  cosine(query, rec.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity == hits[j].Similarity {
			return hits[i].EmbeddingID < hits[j].EmbeddingID
		}
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// pickChunk returns the record's own chunk when it passes the filter,
// otherwise the first linked chunk that does.
func (s *Store) pickChunk(rec models.EmbeddingRecord, candidates []models.Chunk, filter core.SearchFilter) (models.Chunk, bool) {
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i].ID == rec.ChunkID, candidates[j].ID == rec.ChunkID
		if ci != cj {
			return ci
		}
		return candidates[i].ID < candidates[j].ID
	})
	for _, c := range candidates {
		d, ok := s.documents[c.DocumentID]
		if ok && matchFilter(d, filter) {
			return c, true
		}
	}
	return models.Chunk{}, false
}

func matchFilter(d models.Document, f core.SearchFilter) bool {
	if d.UserID != f.OwnerID {
		return false
	}
	if len(f.DocumentIDs) > 0 {
		found := false
		for _, id := range f.DocumentIDs {
			if id == d.ID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Tag != "" {
		found := false
		for _, t := range d.Tags {
			if t == f.Tag {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.CreatedFrom != nil && d.CreatedAt.Before(*f.CreatedFrom) {
		return false
	}
	if f.CreatedTo != nil && d.CreatedAt.After(*f.CreatedTo) {
		return false
	}
	return true
}

func (s *Store) Rehome(_ context.Context, fromChunkID string, to models.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[fromChunkID]
	if !ok {
		return fmt.Errorf("embedding %s: %w", fromChunkID, core.ErrNotFound)
	}
	delete(s.records, fromChunkID)
	rec.ChunkID = to.ID
	rec.DocumentID = to.DocumentID
	rec.Anchor = to.Anchor
	if d, ok := s.documents[to.DocumentID]; ok {
		rec.DocumentTitle = d.Title
		rec.Tags = d.Tags
		rec.DocumentCreatedAt = d.CreatedAt
	}
	s.records[to.ID] = rec
	s.byHash[hashKey(rec.OwnerID, rec.ContentHash)] = to.ID
	return nil
}

func (s *Store) DeleteEmbedding(_ context.Context, chunkID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[chunkID]
	if !ok {
		return nil
	}
	delete(s.records, chunkID)
	key := hashKey(rec.OwnerID, rec.ContentHash)
	if s.byHash[key] == chunkID {
		delete(s.byHash, key)
	}
	return nil
}

// EmbeddingCount returns the number of stored records.
func (s *Store) EmbeddingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneDocument(d models.Document) models.Document {
	d.Anchors = append(models.AnchorTable(nil), d.Anchors...)
	d.Tags = append(models.StringList(nil), d.Tags...)
	return d
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
