package customers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/journeymesh/journeymesh/internal/models"
)

// MemoryStore is an in-memory Store used by tests and local runs. It mirrors
// the OpenSearch adapter's behavior: unordered inserts that reject duplicate
// ids, partial-document updates, and term lookups on the primary key.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]models.Customer

	// FindErr, InsertErr and UpdateErr, when set, fail the next matching call.
	FindErr   error
	InsertErr error
	UpdateErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]models.Customer)}
}

// FindManyByPK returns customers whose primary-key attribute matches one of
// the given values within the workspace.
func (s *MemoryStore) FindManyByPK(ctx context.Context, workspaceID, pkKey string, values []any) ([]models.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FindErr != nil {
		err := s.FindErr
		s.FindErr = nil
		return nil, err
	}

	wanted := make(map[any]bool, len(values))
	for _, v := range values {
		wanted[v] = true
	}

	var out []models.Customer
	for _, c := range s.docs {
		if c.WorkspaceID != workspaceID {
			continue
		}
		if v, ok := c.Attributes[pkKey]; ok && wanted[v] {
			out = append(out, cloneCustomer(c))
		}
	}
	return out, nil
}

// InsertMany inserts documents, rejecting duplicate ids without aborting the
// rest.
func (s *MemoryStore) InsertMany(ctx context.Context, custs []models.Customer) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.InsertErr != nil {
		err := s.InsertErr
		s.InsertErr = nil
		return nil, err
	}

	var inserted []string
	var duplicates int
	for _, c := range custs {
		if _, exists := s.docs[c.ID]; exists {
			duplicates++
			continue
		}
		s.docs[c.ID] = cloneCustomer(c)
		inserted = append(inserted, c.ID)
	}

	if duplicates > 0 {
		return inserted, fmt.Errorf("%w: %d of %d documents rejected", ErrDuplicateKey, duplicates, len(custs))
	}
	return inserted, nil
}

// BulkUpdate merges fields into existing documents.
func (s *MemoryStore) BulkUpdate(ctx context.Context, updates []Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.UpdateErr != nil {
		err := s.UpdateErr
		s.UpdateErr = nil
		return err
	}

	var rejected int
	for _, u := range updates {
		c, ok := s.docs[u.ID]
		if !ok {
			rejected++
			continue
		}
		for k, v := range u.Fields {
			switch k {
			case "workspaceId", "createdAt":
				// reserved fields are not overwritten by partial updates
			default:
				c.Attributes[k] = v
			}
		}
		s.docs[u.ID] = c
	}

	if rejected > 0 {
		return fmt.Errorf("bulk update rejected %d of %d documents", rejected, len(updates))
	}
	return nil
}

// CountByWorkspace returns the number of documents in the workspace.
func (s *MemoryStore) CountByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, c := range s.docs {
		if c.WorkspaceID == workspaceID {
			n++
		}
	}
	return n, nil
}

// FindOrCreate resolves a customer by primary-key value, creating one when no
// match exists.
func (s *MemoryStore) FindOrCreate(ctx context.Context, workspaceID, pkKey string, pkValue any) (*models.Customer, bool, error) {
	if pkValue != nil {
		found, err := s.FindManyByPK(ctx, workspaceID, pkKey, []any{pkValue})
		if err != nil {
			return nil, false, err
		}
		if len(found) > 0 {
			return &found[0], false, nil
		}
	}

	c := models.Customer{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		CreatedAt:   time.Now().UTC(),
		Attributes:  map[string]any{},
	}
	if pkValue != nil {
		c.Attributes[pkKey] = pkValue
	}

	if _, err := s.InsertMany(ctx, []models.Customer{c}); err != nil {
		return nil, false, err
	}
	return &c, true, nil
}

// Get returns the stored customer by id, for test assertions.
func (s *MemoryStore) Get(id string) (models.Customer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.docs[id]
	if !ok {
		return models.Customer{}, false
	}
	return cloneCustomer(c), true
}

// All returns every stored customer, for test assertions.
func (s *MemoryStore) All() []models.Customer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Customer, 0, len(s.docs))
	for _, c := range s.docs {
		out = append(out, cloneCustomer(c))
	}
	return out
}

func cloneCustomer(c models.Customer) models.Customer {
	attrs := make(map[string]any, len(c.Attributes))
	for k, v := range c.Attributes {
		attrs[k] = v
	}
	c.Attributes = attrs
	return c
}
