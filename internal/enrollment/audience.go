// Package enrollment computes journey audience sizes and triggers journey
// start steps under transactional guarantees with an entry cap.
package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/journeymesh/journeymesh/internal/models"
)

// Audience is the result of one audience computation: an opaque handle to
// the result set and the raw member count captured at computation time.
type Audience struct {
	Handle string
	Count  int64
}

// AudienceCounter computes the current audience for a journey's inclusion
// criteria.
type AudienceCounter interface {
	Compute(ctx context.Context, account models.Account, criteria json.RawMessage) (Audience, error)
}

// OpenSearchAudienceCounter counts customers matching the inclusion criteria,
// treated as a query clause over the customers index, always scoped to the
// account's workspace.
type OpenSearchAudienceCounter struct {
	client *opensearch.Client
	index  string
}

// NewOpenSearchAudienceCounter creates a counter over the customers index.
func NewOpenSearchAudienceCounter(client *opensearch.Client, index string) *OpenSearchAudienceCounter {
	return &OpenSearchAudienceCounter{client: client, index: index}
}

// Compute runs a count query and returns a fresh handle for the result set.
// Empty criteria match the whole workspace.
func (c *OpenSearchAudienceCounter) Compute(ctx context.Context, account models.Account, criteria json.RawMessage) (Audience, error) {
	filters := []any{
		map[string]any{"term": map[string]any{"workspaceId": account.WorkspaceID}},
	}
	if len(criteria) > 0 && !bytes.Equal(bytes.TrimSpace(criteria), []byte("{}")) {
		filters = append(filters, json.RawMessage(criteria))
	}

	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{"filter": filters},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return Audience{}, fmt.Errorf("marshal audience query: %w", err)
	}

	res, err := c.client.Count(
		c.client.Count.WithContext(ctx),
		c.client.Count.WithIndex(c.index),
		c.client.Count.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return Audience{}, fmt.Errorf("count audience: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return Audience{}, fmt.Errorf("count audience: %s - %s", res.Status(), string(bodyBytes))
	}

	var cr struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&cr); err != nil {
		return Audience{}, fmt.Errorf("decode audience count: %w", err)
	}

	return Audience{Handle: uuid.NewString(), Count: cr.Count}, nil
}
