package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/metrics"
	"github.com/journeymesh/journeymesh/internal/models"
	"github.com/journeymesh/journeymesh/internal/queue"
)

// Event payload keys carrying the customer-matching hints.
const (
	correlationKeyField   = "correlationKey"
	correlationValueField = "correlationValue"
)

// attribute-change fan-out is gated on this operation type.
const operationUpdate = "update"

// JourneyLister supplies the active journeys of a workspace. The journey
// cache satisfies it; tests use the repository fake directly.
type JourneyLister interface {
	ActiveJourneys(ctx context.Context, workspaceID string) ([]models.Journey, error)
}

type handlerFunc func(ctx context.Context, payload []byte) error

// Preprocessor consumes inbound jobs and dispatches them by provider type
// through an explicit table, so each handler is testable in isolation.
type Preprocessor struct {
	customers customers.Store
	events    Store
	lister    JourneyLister
	repo      journeys.Repository
	producer  queue.Producer
	logger    *logging.Logger
	dispatch  map[models.ProviderType]handlerFunc
}

// NewPreprocessor creates a pre-processor and builds its dispatch table.
func NewPreprocessor(store customers.Store, events Store, lister JourneyLister, repo journeys.Repository, producer queue.Producer, logger *logging.Logger) *Preprocessor {
	p := &Preprocessor{
		customers: store,
		events:    events,
		lister:    lister,
		repo:      repo,
		producer:  producer,
		logger:    logger,
	}
	p.dispatch = map[models.ProviderType]handlerFunc{
		models.ProviderCustom:    p.handleCustom,
		models.ProviderMessage:   p.handleMessage,
		models.ProviderAttribute: p.handleAttributeChange,
	}
	return p
}

// Handle routes one delivered job to its provider handler. A returned error
// makes the queue fabric redeliver the job.
func (p *Preprocessor) Handle(ctx context.Context, job *queue.Job) error {
	provider := models.ProviderType(job.Type)
	handler, ok := p.dispatch[provider]
	if !ok {
		metrics.EventsTotal.WithLabelValues(job.Type, "unknown").Inc()
		return fmt.Errorf("unknown provider type %q", job.Type)
	}

	err := handler(ctx, job.Payload)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.EventsTotal.WithLabelValues(string(provider), status).Inc()
	return err
}

// handleCustom resolves the event's customer, persists the event record and
// fans it out as one job per active journey, plus one post-processing job.
// Fan-out happens strictly after the event write so downstream consumers
// never observe a journey job before the event is queryable.
func (p *Preprocessor) handleCustom(ctx context.Context, payload []byte) error {
	var job models.CustomEventJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode custom event job: %w", err)
	}

	pkKey, _ := job.Event[correlationKeyField].(string)
	pkValue := job.Event[correlationValueField]

	customer, created, err := p.customers.FindOrCreate(ctx, job.WorkspaceID, pkKey, pkValue)
	if err != nil {
		return p.raise(err, "resolving event customer failed", "workspace_id", job.WorkspaceID)
	}
	if created {
		p.logger.Debug("created customer for event",
			"workspace_id", job.WorkspaceID, "customer_id", customer.ID)
	}

	stripped := StripSigils(job.Event)
	event := models.Event{
		WorkspaceID: job.WorkspaceID,
		Payload:     stripped,
		CreatedAt:   time.Now().UTC(),
	}
	if err := p.events.Insert(ctx, event); err != nil {
		return p.raise(err, "persisting event failed", "workspace_id", job.WorkspaceID)
	}

	active, err := p.lister.ActiveJourneys(ctx, job.WorkspaceID)
	if err != nil {
		return p.raise(err, "listing active journeys failed", "workspace_id", job.WorkspaceID)
	}

	if len(active) > 0 {
		fanout := make([]any, 0, len(active))
		for _, journey := range active {
			fanout = append(fanout, models.JourneyEventJob{
				Account:  job.Owner,
				Event:    stripped,
				Journey:  journey.Snapshot(),
				Customer: customer,
			})
		}
		if err := p.producer.EnqueueBulk(ctx, queue.Events, models.JobTypeEvent, fanout); err != nil {
			return p.raise(err, "enqueueing journey event jobs failed", "workspace_id", job.WorkspaceID)
		}
		metrics.FanoutJobsTotal.Add(float64(len(fanout)))
	}

	post := models.PostProcessingJob{Owner: job.Owner, Event: stripped, Customer: customer}
	if err := p.producer.Enqueue(ctx, queue.EventsPost, models.JobTypePost, post); err != nil {
		return p.raise(err, "enqueueing post-processing job failed", "workspace_id", job.WorkspaceID)
	}
	return nil
}

// handleMessage fans a message-send out to every active journey inside one
// relational transaction: all per-journey jobs enqueue or none commit.
func (p *Preprocessor) handleMessage(ctx context.Context, payload []byte) error {
	var job models.MessageJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode message job: %w", err)
	}

	return p.fanOutInTx(ctx, job.WorkspaceID, func(journey models.Journey) error {
		return p.producer.Enqueue(ctx, queue.Events, models.JobTypeMessage, models.JourneyMessageJob{
			WorkspaceID: job.WorkspaceID,
			Message:     job.Message,
			Customer:    job.Customer,
			JourneyID:   journey.ID,
		})
	})
}

// handleAttributeChange fans an attribute change out per active journey, but
// only when the originating operation was an update.
func (p *Preprocessor) handleAttributeChange(ctx context.Context, payload []byte) error {
	var job models.AttributeChangeJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return fmt.Errorf("decode attribute change job: %w", err)
	}

	if job.Change.OperationType != operationUpdate {
		p.logger.Debug("ignoring non-update attribute change",
			"workspace_id", job.WorkspaceID, "operation", job.Change.OperationType)
		return nil
	}

	return p.fanOutInTx(ctx, job.WorkspaceID, func(journey models.Journey) error {
		return p.producer.Enqueue(ctx, queue.Events, models.JobTypeAttribute, models.JourneyAttributeJob{
			AccountID:  job.Account.ID,
			CustomerID: job.Change.CustomerID,
			Fields:     job.Change.UpdatedFields,
			JourneyID:  journey.ID,
		})
	})
}

// fanOutInTx lists the workspace's active journeys inside a transaction and
// applies enqueue to each. Any failure rolls the transaction back and
// re-raises; the commit covers the whole loop.
func (p *Preprocessor) fanOutInTx(ctx context.Context, workspaceID string, enqueue func(models.Journey) error) error {
	tx, err := p.repo.Begin(ctx)
	if err != nil {
		return p.raise(err, "opening fan-out transaction failed", "workspace_id", workspaceID)
	}

	active, err := p.repo.ActiveJourneysTx(ctx, tx, workspaceID)
	if err != nil {
		tx.Rollback(ctx)
		return p.raise(err, "listing active journeys failed", "workspace_id", workspaceID)
	}

	for _, journey := range active {
		if err := enqueue(journey); err != nil {
			tx.Rollback(ctx)
			return p.raise(err, "enqueueing fan-out job failed",
				"workspace_id", workspaceID, "journey_id", journey.ID)
		}
		metrics.FanoutJobsTotal.Inc()
	}

	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return p.raise(err, "committing fan-out transaction failed", "workspace_id", workspaceID)
	}
	return nil
}

// raise logs the error and returns it unchanged. Duplicate-key errors get a
// warning instead: they are distinguished for dead-lettering, not a fault of
// this worker.
func (p *Preprocessor) raise(err error, msg string, args ...any) error {
	args = append(args, "error", err)
	if errors.Is(err, customers.ErrDuplicateKey) {
		p.logger.Warn(msg, args...)
		return err
	}
	p.logger.Error(msg, args...)
	return err
}
