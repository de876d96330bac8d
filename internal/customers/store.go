// Package customers provides the customer store adapter: upsert/find
// operations against the document store, keyed by workspace and a
// workspace-configured primary-key attribute.
package customers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/journeymesh/journeymesh/internal/models"
)

var (
	// ErrDuplicateKey reports an insert that collided with an existing
	// document id. It is distinguished from generic store errors so the
	// queue fabric can dead-letter instead of retrying blindly.
	ErrDuplicateKey = errors.New("duplicate customer key")

	// ErrCapacityExceeded reports that an insert would push a workspace
	// past its plan's customer limit.
	ErrCapacityExceeded = errors.New("workspace customer limit exceeded")
)

// Update is one unordered partial-document update, addressed by the
// document id resolved during the preceding find.
type Update struct {
	ID     string
	Fields map[string]any
}

// Store is the customer store contract the reconciler and pre-processor
// depend on. The production implementation is OpenSearch-backed; tests use
// an in-memory fake.
type Store interface {
	// FindManyByPK returns customers in the workspace whose primary-key
	// attribute is in values.
	FindManyByPK(ctx context.Context, workspaceID, pkKey string, values []any) ([]models.Customer, error)

	// InsertMany performs an unordered insert. One document's failure does
	// not abort the rest; the ids actually inserted are returned together
	// with an error describing any rejected documents.
	InsertMany(ctx context.Context, customers []models.Customer) ([]string, error)

	// BulkUpdate performs unordered partial-document updates.
	BulkUpdate(ctx context.Context, updates []Update) error

	// CountByWorkspace returns the number of customers in the workspace.
	CountByWorkspace(ctx context.Context, workspaceID string) (int64, error)

	// FindOrCreate resolves the customer matching the primary-key value,
	// creating one when no match exists (or when no value is supplied).
	// The boolean reports whether a customer was created.
	FindOrCreate(ctx context.Context, workspaceID, pkKey string, pkValue any) (*models.Customer, bool, error)
}

// OpenSearchStore implements Store against an OpenSearch customers index.
type OpenSearchStore struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchStore creates a store writing to the given index.
func NewOpenSearchStore(client *opensearch.Client, index string) *OpenSearchStore {
	return &OpenSearchStore{client: client, index: index}
}

// EnsureIndex creates the customers index template so string attributes are
// mapped as keywords and exact-term lookups on the primary key work.
func (s *OpenSearchStore) EnsureIndex(ctx context.Context) error {
	template := map[string]any{
		"index_patterns": []string{s.index + "*"},
		"template": map[string]any{
			"mappings": map[string]any{
				"dynamic": true,
				"dynamic_templates": []map[string]any{
					{
						"strings_as_keywords": map[string]any{
							"match_mapping_type": "string",
							"mapping":            map[string]any{"type": "keyword"},
						},
					},
				},
				"properties": map[string]any{
					"workspaceId": map[string]any{"type": "keyword"},
					"createdAt":   map[string]any{"type": "date"},
				},
			},
		},
		"priority": 100,
	}

	body, err := json.Marshal(template)
	if err != nil {
		return err
	}

	res, err := s.client.Indices.PutIndexTemplate(
		s.index+"-template",
		bytes.NewReader(body),
		s.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("failed to create index template: %s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

// FindManyByPK returns customers whose primary-key attribute matches one of
// the given values within the workspace.
func (s *OpenSearchStore) FindManyByPK(ctx context.Context, workspaceID, pkKey string, values []any) ([]models.Customer, error) {
	if len(values) == 0 {
		return nil, nil
	}

	query := map[string]any{
		"size": len(values),
		"query": map[string]any{
			"bool": map[string]any{
				"filter": []map[string]any{
					{"term": map[string]any{"workspaceId": workspaceID}},
					{"terms": map[string]any{pkKey: values}},
				},
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal search query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search customers: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("search customers: %s - %s", res.Status(), string(bodyBytes))
	}

	var sr searchResponse
	if err := json.NewDecoder(res.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]models.Customer, 0, len(sr.Hits.Hits))
	for _, hit := range sr.Hits.Hits {
		out = append(out, customerFromDoc(hit.ID, hit.Source))
	}
	return out, nil
}

// InsertMany bulk-creates customer documents. Create actions reject
// documents whose id already exists; those rejections are reported but do
// not abort the remaining documents.
func (s *OpenSearchStore) InsertMany(ctx context.Context, custs []models.Customer) ([]string, error) {
	if len(custs) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	for _, c := range custs {
		action := map[string]any{"create": map[string]any{"_id": c.ID}}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(docFromCustomer(c)); err != nil {
			return nil, fmt.Errorf("encode customer doc: %w", err)
		}
	}

	items, err := s.bulk(ctx, &buf)
	if err != nil {
		return nil, err
	}

	var inserted []string
	var rejected, duplicates int
	for _, item := range items {
		op, ok := item["create"]
		if !ok {
			continue
		}
		switch {
		case op.Status == http.StatusCreated:
			inserted = append(inserted, op.ID)
		case op.Status == http.StatusConflict:
			rejected++
			duplicates++
		default:
			rejected++
		}
	}

	if rejected > 0 {
		if duplicates == rejected {
			return inserted, fmt.Errorf("%w: %d of %d documents rejected", ErrDuplicateKey, rejected, len(custs))
		}
		return inserted, fmt.Errorf("bulk insert rejected %d of %d documents", rejected, len(custs))
	}
	return inserted, nil
}

// BulkUpdate applies unordered partial-document updates.
func (s *OpenSearchStore) BulkUpdate(ctx context.Context, updates []Update) error {
	if len(updates) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, u := range updates {
		action := map[string]any{"update": map[string]any{"_id": u.ID}}
		if err := json.NewEncoder(&buf).Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := json.NewEncoder(&buf).Encode(map[string]any{"doc": u.Fields}); err != nil {
			return fmt.Errorf("encode update doc: %w", err)
		}
	}

	items, err := s.bulk(ctx, &buf)
	if err != nil {
		return err
	}

	var rejected int
	for _, item := range items {
		if op, ok := item["update"]; ok && op.Status >= 400 {
			rejected++
		}
	}
	if rejected > 0 {
		return fmt.Errorf("bulk update rejected %d of %d documents", rejected, len(updates))
	}
	return nil
}

// CountByWorkspace returns the number of customer documents in the workspace.
func (s *OpenSearchStore) CountByWorkspace(ctx context.Context, workspaceID string) (int64, error) {
	query := map[string]any{
		"query": map[string]any{
			"term": map[string]any{"workspaceId": workspaceID},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("marshal count query: %w", err)
	}

	res, err := s.client.Count(
		s.client.Count.WithContext(ctx),
		s.client.Count.WithIndex(s.index),
		s.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return 0, fmt.Errorf("count customers: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("count customers: %s - %s", res.Status(), string(bodyBytes))
	}

	var cr struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return 0, fmt.Errorf("decode count response: %w", err)
	}
	return cr.Count, nil
}

// FindOrCreate resolves a customer by primary-key value, creating one when
// no match exists. A nil pkValue always creates an anonymous customer.
func (s *OpenSearchStore) FindOrCreate(ctx context.Context, workspaceID, pkKey string, pkValue any) (*models.Customer, bool, error) {
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

func (s *OpenSearchStore) bulk(ctx context.Context, body io.Reader) (map[int]map[string]bulkItem, error) {
	res, err := s.client.Bulk(
		body,
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.index),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return nil, fmt.Errorf("bulk request: %s - %s", res.Status(), string(bodyBytes))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return nil, fmt.Errorf("decode bulk response: %w", err)
	}

	items := make(map[int]map[string]bulkItem, len(br.Items))
	for i, item := range br.Items {
		items[i] = item
	}
	return items, nil
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string         `json:"_id"`
			Source map[string]any `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// docFromCustomer flattens a customer into its index document: reserved
// fields first, attributes spread alongside them.
func docFromCustomer(c models.Customer) map[string]any {
	doc := make(map[string]any, len(c.Attributes)+2)
	for k, v := range c.Attributes {
		doc[k] = v
	}
	doc["workspaceId"] = c.WorkspaceID
	doc["createdAt"] = c.CreatedAt.Format(time.RFC3339)
	return doc
}

// customerFromDoc is the inverse of docFromCustomer.
func customerFromDoc(id string, source map[string]any) models.Customer {
	c := models.Customer{ID: id, Attributes: make(map[string]any, len(source))}
	for k, v := range source {
		switch k {
		case "workspaceId":
			if ws, ok := v.(string); ok {
				c.WorkspaceID = ws
			}
		case "createdAt":
			if raw, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339, raw); err == nil {
					c.CreatedAt = t
				}
			}
		default:
			c.Attributes[k] = v
		}
	}
	return c
}
