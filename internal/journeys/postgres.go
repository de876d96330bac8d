package journeys

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/journeymesh/journeymesh/internal/models"
)

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a repository backed by the given pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Begin opens a transaction on the pool.
func (r *PostgresRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return tx, nil
}

const activeJourneysQuery = `
	SELECT id, workspace_id, name, is_active, is_paused, is_stopped, is_deleted,
	       is_enrolling, inclusion_criteria, visual_layout, journey_settings
	FROM journeys
	WHERE workspace_id = $1
	  AND is_active = TRUE
	  AND is_paused = FALSE
	  AND is_stopped = FALSE
	  AND is_deleted = FALSE`

// ActiveJourneys returns the workspace's journeys that are active and neither
// paused, stopped nor deleted.
func (r *PostgresRepository) ActiveJourneys(ctx context.Context, workspaceID string) ([]models.Journey, error) {
	rows, err := r.pool.Query(ctx, activeJourneysQuery, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query active journeys: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

// ActiveJourneysTx is ActiveJourneys inside the given transaction.
func (r *PostgresRepository) ActiveJourneysTx(ctx context.Context, tx Tx, workspaceID string) ([]models.Journey, error) {
	pgxTx, err := asPgxTx(tx)
	if err != nil {
		return nil, err
	}
	rows, err := pgxTx.Query(ctx, activeJourneysQuery, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("query active journeys: %w", err)
	}
	defer rows.Close()
	return scanJourneys(rows)
}

// SetEnrollingTx flips the is_enrolling flag for a journey inside the
// transaction.
func (r *PostgresRepository) SetEnrollingTx(ctx context.Context, tx Tx, journeyID string, enrolling bool) error {
	pgxTx, err := asPgxTx(tx)
	if err != nil {
		return err
	}
	tag, err := pgxTx.Exec(ctx,
		`UPDATE journeys SET is_enrolling = $2, updated_at = NOW() WHERE id = $1`,
		journeyID, enrolling)
	if err != nil {
		return fmt.Errorf("update journey enrolling flag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("journey %s: %w", journeyID, ErrJourneyNotFound)
	}
	return nil
}

// StartStepTx returns the journey's start step inside the transaction.
func (r *PostgresRepository) StartStepTx(ctx context.Context, tx Tx, journeyID string) (*models.Step, error) {
	pgxTx, err := asPgxTx(tx)
	if err != nil {
		return nil, err
	}

	var step models.Step
	err = pgxTx.QueryRow(ctx,
		`SELECT id, journey_id, type FROM steps WHERE journey_id = $1 AND type = 'start'`,
		journeyID).Scan(&step.ID, &step.JourneyID, &step.Type)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("journey %s: %w", journeyID, ErrStartStepNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query start step: %w", err)
	}
	return &step, nil
}

// FindSegment returns the segment or ErrSegmentNotFound.
func (r *PostgresRepository) FindSegment(ctx context.Context, segmentID string) (*models.Segment, error) {
	var seg models.Segment
	err := r.pool.QueryRow(ctx,
		`SELECT id, workspace_id, name, is_updating FROM segments WHERE id = $1`,
		segmentID).Scan(&seg.ID, &seg.WorkspaceID, &seg.Name, &seg.IsUpdating)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrSegmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query segment: %w", err)
	}
	return &seg, nil
}

// ClearSegmentUpdating clears the segment's is_updating flag.
func (r *PostgresRepository) ClearSegmentUpdating(ctx context.Context, segmentID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE segments SET is_updating = FALSE WHERE id = $1`, segmentID); err != nil {
		return fmt.Errorf("clear segment updating flag: %w", err)
	}
	return nil
}

// InsertMemberships appends membership rows in one round trip per batch.
// Rows are append-only: no uniqueness constraint is enforced here.
func (r *PostgresRepository) InsertMemberships(ctx context.Context, rows []models.SegmentMembership) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range rows {
		batch.Queue(
			`INSERT INTO segment_customers (customer_id, segment_id, workspace_id) VALUES ($1, $2, $3)`,
			m.CustomerID, m.SegmentID, m.WorkspaceID)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert segment membership: %w", err)
		}
	}
	return nil
}

func asPgxTx(tx Tx) (pgx.Tx, error) {
	pgxTx, ok := tx.(pgx.Tx)
	if !ok {
		return nil, fmt.Errorf("transaction is %T, want pgx.Tx", tx)
	}
	return pgxTx, nil
}

func scanJourneys(rows pgx.Rows) ([]models.Journey, error) {
	var out []models.Journey
	for rows.Next() {
		var j models.Journey
		if err := rows.Scan(&j.ID, &j.WorkspaceID, &j.Name, &j.IsActive, &j.IsPaused,
			&j.IsStopped, &j.IsDeleted, &j.IsEnrolling, &j.InclusionCriteria,
			&j.VisualLayout, &j.Settings); err != nil {
			return nil, fmt.Errorf("scan journey: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journeys: %w", err)
	}
	return out, nil
}
