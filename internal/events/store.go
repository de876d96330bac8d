// Package events pre-processes inbound jobs: it resolves the owning customer,
// persists a durable event record and fans matching journeys out as
// downstream jobs.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/models"
)

// Store is the durable event log. Records are write-once; they serve audit
// and visibility, not dispatch.
type Store interface {
	// Insert appends one event record.
	Insert(ctx context.Context, event models.Event) error
}

// OpenSearchStore implements Store against an OpenSearch events index.
type OpenSearchStore struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchStore creates an event log writing to the given index.
func NewOpenSearchStore(client *opensearch.Client, index string) *OpenSearchStore {
	return &OpenSearchStore{client: client, index: index}
}

// Insert creates the event document under a fresh id. A conflicting id is
// reported as customers.ErrDuplicateKey, the pipeline's distinguished
// duplicate error.
func (s *OpenSearchStore) Insert(ctx context.Context, event models.Event) error {
	doc := map[string]any{
		"workspaceId": event.WorkspaceID,
		"payload":     event.Payload,
		"createdAt":   event.CreatedAt.Format(time.RFC3339),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode event doc: %w", err)
	}

	req := opensearchapi.CreateRequest{
		Index:      s.index,
		DocumentID: uuid.NewString(),
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, s.client)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusConflict {
		return fmt.Errorf("%w: event id collision", customers.ErrDuplicateKey)
	}
	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("insert event: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

// MemoryStore is an in-memory event log for tests.
type MemoryStore struct {
	mu     sync.Mutex
	events []models.Event

	// InsertErr, when set, fails the next Insert and is cleared.
	InsertErr error
}

// NewMemoryStore creates an empty in-memory event log.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Insert appends the event.
func (s *MemoryStore) Insert(ctx context.Context, event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		err := s.InsertErr
		s.InsertErr = nil
		return err
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns all recorded events, for test assertions.
func (s *MemoryStore) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Event, len(s.events))
	copy(out, s.events)
	return out
}
