// Package journeys provides the relational side of the pipeline: journey,
// segment and step repositories plus the workspace-scoped journey cache.
package journeys

import (
	"context"
	"errors"

	"github.com/journeymesh/journeymesh/internal/models"
)

var (
	// ErrJourneyNotFound is returned when a journey id has no row.
	ErrJourneyNotFound = errors.New("journey not found")

	// ErrSegmentNotFound is returned when a segment id has no row. The
	// reconciler logs it and skips membership insertion without retrying.
	ErrSegmentNotFound = errors.New("segment not found")

	// ErrStartStepNotFound is returned when a journey has no start step.
	ErrStartStepNotFound = errors.New("journey start step not found")
)

// Tx is the transaction handle processors hold across multi-step writes.
// pgx.Tx satisfies it directly; tests provide fakes.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Repository is the relational store contract for journeys, segments and
// steps. Methods suffixed Tx run inside the supplied transaction; the rest
// run on the pool.
type Repository interface {
	// Begin opens a relational transaction.
	Begin(ctx context.Context) (Tx, error)

	// ActiveJourneys returns the journeys in the workspace eligible for
	// fan-out and enrollment.
	ActiveJourneys(ctx context.Context, workspaceID string) ([]models.Journey, error)

	// ActiveJourneysTx is ActiveJourneys inside a transaction.
	ActiveJourneysTx(ctx context.Context, tx Tx, workspaceID string) ([]models.Journey, error)

	// SetEnrollingTx flips the journey's enrollment mutex flag inside the
	// transaction.
	SetEnrollingTx(ctx context.Context, tx Tx, journeyID string, enrolling bool) error

	// StartStepTx returns the journey's start step inside the transaction.
	StartStepTx(ctx context.Context, tx Tx, journeyID string) (*models.Step, error)

	// FindSegment returns the segment or ErrSegmentNotFound.
	FindSegment(ctx context.Context, segmentID string) (*models.Segment, error)

	// ClearSegmentUpdating clears the segment's isUpdating flag after an
	// import completes.
	ClearSegmentUpdating(ctx context.Context, segmentID string) error

	// InsertMemberships appends segment membership rows. No dedup check is
	// performed; repeated imports may create duplicate rows.
	InsertMemberships(ctx context.Context, rows []models.SegmentMembership) error
}
