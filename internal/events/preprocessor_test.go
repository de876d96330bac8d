package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/models"
	"github.com/journeymesh/journeymesh/internal/queue"
)

type preprocessorFixture struct {
	customers *customers.MemoryStore
	events    *MemoryStore
	repo      *journeys.MemoryRepository
	producer  *queue.MemoryProducer
	pre       *Preprocessor
}

func newFixture() *preprocessorFixture {
	f := &preprocessorFixture{
		customers: customers.NewMemoryStore(),
		events:    NewMemoryStore(),
		repo:      journeys.NewMemoryRepository(),
		producer:  queue.NewMemoryProducer(),
	}
	f.pre = NewPreprocessor(f.customers, f.events, f.repo, f.repo, f.producer,
		logging.New(slog.LevelError, "text"))
	return f
}

func (f *preprocessorFixture) addJourney(id string, paused bool) {
	f.repo.AddJourney(models.Journey{
		ID: id, WorkspaceID: "ws1", Name: "journey " + id,
		IsActive: true, IsPaused: paused,
	})
}

func customEventJob(t *testing.T, event map[string]any) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.CustomEventJob{
		Owner:       models.Account{ID: "acct1", WorkspaceID: "ws1"},
		WorkspaceID: "ws1",
		Event:       event,
	})
	require.NoError(t, err)
	return &queue.Job{Type: string(models.ProviderCustom), Payload: payload}
}

func TestHandleCustom_FanOutPerActiveJourney(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)
	f.addJourney("j2", false)
	f.addJourney("j3", false)
	f.addJourney("paused", true)

	job := customEventJob(t, map[string]any{
		"name":             "order.placed",
		"correlationKey":   "email",
		"correlationValue": "a@example.com",
	})
	require.NoError(t, f.pre.Handle(context.Background(), job))

	assert.Equal(t, 3, f.producer.Len(queue.Events), "one job per active journey")
	assert.Equal(t, 1, f.producer.Len(queue.EventsPost))
	assert.Len(t, f.events.Events(), 1, "exactly one durable event record")
	assert.Len(t, f.customers.All(), 1, "customer created on first sighting")

	var fanout models.JourneyEventJob
	require.NoError(t, json.Unmarshal(f.producer.Jobs(queue.Events)[0].Payload, &fanout))
	assert.Equal(t, "acct1", fanout.Account.ID)
	assert.JSONEq(t, `{"edges":[],"nodes":[]}`, string(fanout.Journey.VisualLayout),
		"journey snapshot is de-visualized")
	require.NotNil(t, fanout.Customer)
	assert.Equal(t, "a@example.com", fanout.Customer.Attributes["email"])
}

func TestHandleCustom_ReusesExistingCustomer(t *testing.T) {
	f := newFixture()
	existing, _, err := f.customers.FindOrCreate(context.Background(), "ws1", "email", "a@example.com")
	require.NoError(t, err)

	job := customEventJob(t, map[string]any{
		"correlationKey":   "email",
		"correlationValue": "a@example.com",
	})
	require.NoError(t, f.pre.Handle(context.Background(), job))

	assert.Len(t, f.customers.All(), 1)

	var post models.PostProcessingJob
	require.NoError(t, json.Unmarshal(f.producer.Jobs(queue.EventsPost)[0].Payload, &post))
	require.NotNil(t, post.Customer)
	assert.Equal(t, existing.ID, post.Customer.ID)
}

func TestHandleCustom_StripsReservedSigils(t *testing.T) {
	f := newFixture()

	job := customEventJob(t, map[string]any{
		"$setOnInsert": map[string]any{"$id": "x", "plain": 1},
		"name":         "signup",
	})
	require.NoError(t, f.pre.Handle(context.Background(), job))

	records := f.events.Events()
	require.Len(t, records, 1)
	payload := records[0].Payload
	assert.Contains(t, payload, "setOnInsert")
	assert.NotContains(t, payload, "$setOnInsert")

	nested, ok := payload["setOnInsert"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, nested, "id")
	assert.NotContains(t, nested, "$id")
}

func TestHandleCustom_DuplicateKeyReRaised(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)
	f.customers.InsertErr = fmt.Errorf("%w: synthetic", customers.ErrDuplicateKey)

	job := customEventJob(t, map[string]any{
		"correlationKey":   "email",
		"correlationValue": "a@example.com",
	})
	err := f.pre.Handle(context.Background(), job)
	assert.ErrorIs(t, err, customers.ErrDuplicateKey)
	assert.Zero(t, f.producer.Len(queue.Events), "no fan-out on failure")
	assert.Empty(t, f.events.Events())
}

func TestHandleCustom_NoFanOutBeforeEventPersist(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)
	f.events.InsertErr = assert.AnError

	job := customEventJob(t, map[string]any{"name": "x"})
	require.Error(t, f.pre.Handle(context.Background(), job))
	assert.Zero(t, f.producer.Len(queue.Events))
	assert.Zero(t, f.producer.Len(queue.EventsPost))
}

func TestHandleMessage_FanOutInTransaction(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)
	f.addJourney("j2", false)

	payload, err := json.Marshal(models.MessageJob{
		WorkspaceID: "ws1",
		Message:     map[string]any{"status": "delivered"},
	})
	require.NoError(t, err)

	job := &queue.Job{Type: string(models.ProviderMessage), Payload: payload}
	require.NoError(t, f.pre.Handle(context.Background(), job))

	jobs := f.producer.Jobs(queue.Events)
	require.Len(t, jobs, 2)
	assert.Equal(t, models.JobTypeMessage, jobs[0].Type)
}

func TestHandleMessage_EnqueueFailureRollsBack(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)
	f.producer.FailNext = assert.AnError

	payload, err := json.Marshal(models.MessageJob{WorkspaceID: "ws1"})
	require.NoError(t, err)

	job := &queue.Job{Type: string(models.ProviderMessage), Payload: payload}
	assert.Error(t, f.pre.Handle(context.Background(), job))
	assert.Zero(t, f.producer.Len(queue.Events))
}

func attributeChangeJob(t *testing.T, operation string) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.AttributeChangeJob{
		Account:     models.Account{ID: "acct1", WorkspaceID: "ws1"},
		WorkspaceID: "ws1",
		Change: models.AttributeChange{
			OperationType: operation,
			CustomerID:    "cust1",
			UpdatedFields: map[string]any{"tier": "gold"},
		},
	})
	require.NoError(t, err)
	return &queue.Job{Type: string(models.ProviderAttribute), Payload: payload}
}

func TestHandleAttributeChange_UpdateOnly(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)

	require.NoError(t, f.pre.Handle(context.Background(), attributeChangeJob(t, "insert")))
	assert.Zero(t, f.producer.Len(queue.Events), "non-update operations do not fan out")

	require.NoError(t, f.pre.Handle(context.Background(), attributeChangeJob(t, "update")))
	jobs := f.producer.Jobs(queue.Events)
	require.Len(t, jobs, 1)

	var fanout models.JourneyAttributeJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &fanout))
	assert.Equal(t, "cust1", fanout.CustomerID)
	assert.Equal(t, "j1", fanout.JourneyID)
	assert.Equal(t, "gold", fanout.Fields["tier"])
}

func TestHandleAttributeChange_RedeliveryDuplicatesFanOut(t *testing.T) {
	f := newFixture()
	f.addJourney("j1", false)

	// At-least-once delivery: the same job handled twice fans out twice.
	// Downstream consumers own deduplication.
	require.NoError(t, f.pre.Handle(context.Background(), attributeChangeJob(t, "update")))
	require.NoError(t, f.pre.Handle(context.Background(), attributeChangeJob(t, "update")))
	assert.Equal(t, 2, f.producer.Len(queue.Events))
}

func TestHandle_UnknownProvider(t *testing.T) {
	f := newFixture()
	err := f.pre.Handle(context.Background(), &queue.Job{Type: "webhook", Payload: []byte("{}")})
	assert.Error(t, err)
}
