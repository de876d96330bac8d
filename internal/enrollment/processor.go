package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/metrics"
	"github.com/journeymesh/journeymesh/internal/models"
	"github.com/journeymesh/journeymesh/internal/queue"
)

// CacheInvalidator drops the cached journey list of a workspace. The journey
// cache satisfies it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, workspaceID string) error
}

// Processor consumes enrollment jobs: it computes the audience, caps it,
// triggers the journey's start step and clears the isEnrolling flag, all in
// one relational transaction.
type Processor struct {
	audience AudienceCounter
	repo     journeys.Repository
	cache    CacheInvalidator
	producer queue.Producer
	logger   *logging.Logger
}

// NewProcessor creates an enrollment processor.
func NewProcessor(audience AudienceCounter, repo journeys.Repository, cache CacheInvalidator, producer queue.Producer, logger *logging.Logger) *Processor {
	return &Processor{audience: audience, repo: repo, cache: cache, producer: producer, logger: logger}
}

// Handle processes one enrollment job. On any failure after the transaction
// opens, the transaction rolls back and the journey's isEnrolling flag stays
// set; recovering such a journey is a documented manual intervention.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var enr models.EnrollmentJob
	if err := json.Unmarshal(job.Payload, &enr); err != nil {
		return fmt.Errorf("decode enrollment job: %w", err)
	}

	startJob, err := p.enroll(ctx, enr)
	if err != nil {
		metrics.EnrollmentsTotal.WithLabelValues("error").Inc()
		p.logger.Error("enrollment failed",
			"journey_id", enr.Journey.ID, "workspace_id", enr.Journey.WorkspaceID, "error", err)
		return err
	}
	metrics.EnrollmentsTotal.WithLabelValues("ok").Inc()

	// Enqueue strictly after commit so the start consumer cannot race the
	// transaction.
	if startJob != nil {
		if err := p.producer.Enqueue(ctx, queue.Start, models.JobTypeStart, startJob); err != nil {
			return fmt.Errorf("enqueue start job for journey %s: %w", enr.Journey.ID, err)
		}
	}
	return nil
}

// enroll runs the transactional part and returns the start job to enqueue
// after commit, if the journey produced one.
func (p *Processor) enroll(ctx context.Context, enr models.EnrollmentJob) (*models.StartJob, error) {
	journey := enr.Journey
	workspaceID := journey.WorkspaceID

	// Audience failure aborts before any transaction is opened.
	audience, err := p.audience.Compute(ctx, enr.Account, journey.InclusionCriteria)
	if err != nil {
		return nil, fmt.Errorf("compute audience: %w", err)
	}
	metrics.EnrollmentAudienceSize.Observe(float64(audience.Count))

	tx, err := p.repo.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin enrollment transaction: %w", err)
	}

	// The cap uses the count captured above; a concurrently growing audience
	// is not re-queried.
	effective := audience.Count
	limit := journey.Settings.MaxEntries
	if limit.Enabled && effective > limit.MaxEntries {
		effective = limit.MaxEntries
	}

	startJob, err := p.triggerStart(ctx, tx, enr, audience, effective)
	if err != nil {
		tx.Rollback(ctx)
		return nil, err
	}

	if err := p.repo.SetEnrollingTx(ctx, tx, journey.ID, false); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("clear enrolling flag: %w", err)
	}

	if err := p.cache.Invalidate(ctx, workspaceID); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("invalidate journey cache: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		tx.Rollback(ctx)
		return nil, fmt.Errorf("commit enrollment: %w", err)
	}

	p.logger.Info("journey enrolled",
		"journey_id", journey.ID, "workspace_id", workspaceID,
		"audience", audience.Count, "entries", effective)
	return startJob, nil
}

// triggerStart reads the journey's start step and builds the follow-up start
// job. A journey without a start step enrolls with nothing to trigger.
func (p *Processor) triggerStart(ctx context.Context, tx journeys.Tx, enr models.EnrollmentJob, audience Audience, effective int64) (*models.StartJob, error) {
	step, err := p.repo.StartStepTx(ctx, tx, enr.Journey.ID)
	if errors.Is(err, journeys.ErrStartStepNotFound) {
		p.logger.Warn("journey has no start step, nothing to trigger", "journey_id", enr.Journey.ID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load start step: %w", err)
	}

	return &models.StartJob{
		JourneyID:      enr.Journey.ID,
		StepID:         step.ID,
		WorkspaceID:    enr.Journey.WorkspaceID,
		AccountID:      enr.Account.ID,
		AudienceHandle: audience.Handle,
		EntryCount:     effective,
	}, nil
}
