// Package importer streams CSV customer imports, batches converted rows and
// reconciles each batch against the customer store, recording segment
// membership along the way.
package importer

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/journeymesh/journeymesh/internal/config"
	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/metrics"
	"github.com/journeymesh/journeymesh/internal/models"
)

// ErrDrainTimeout is returned when in-flight batches do not finish within the
// drain ceiling after the source stream ends. Dispatched batches are not
// cancelled; the import job fails and the queue fabric retries it.
var ErrDrainTimeout = errors.New("import drain timed out")

// ErrNoPrimaryKey is returned when the column mapping carries no primary column.
var ErrNoPrimaryKey = errors.New("column mapping has no primary key")

// Source is a releasable CSV byte stream. Release is called once after the
// import finishes, successfully or not.
type Source interface {
	io.Reader
	Release(ctx context.Context) error
}

// ReaderSource adapts a plain io.ReadCloser into a Source.
type ReaderSource struct {
	io.Reader
	Closer io.Closer
}

// Release closes the underlying reader if it carries a closer.
func (s ReaderSource) Release(ctx context.Context) error {
	if s.Closer == nil {
		return nil
	}
	return s.Closer.Close()
}

// Summary reports what an import run did. Failed batches reduce Created and
// Updated but are not individually surfaced; the counts are the only per-row
// report this pipeline produces.
type Summary struct {
	RowsRead      int
	RowsSkipped   int
	Batches       int
	FailedBatches int
	Created       int64
	Updated       int64
}

// Reconciler runs one CSV import end to end: convert, batch, reconcile,
// record segment membership.
type Reconciler struct {
	store  customers.Store
	limits *customers.LimitChecker
	repo   journeys.Repository
	cfg    config.ImportConfig
	logger *logging.Logger
}

// NewReconciler creates a reconciler with the given collaborators.
func NewReconciler(store customers.Store, limits *customers.LimitChecker, repo journeys.Repository, cfg config.ImportConfig, logger *logging.Logger) *Reconciler {
	return &Reconciler{store: store, limits: limits, repo: repo, cfg: cfg, logger: logger}
}

// Run executes the import described by job against the source stream.
// Per-row conversion failures drop the row; per-batch write failures are
// logged and isolated; stream-level failures and drain timeouts abort the
// whole import.
func (r *Reconciler) Run(ctx context.Context, src Source, job models.ImportJob) (Summary, error) {
	defer func() {
		if err := src.Release(ctx); err != nil {
			r.logger.Warn("releasing import source failed", "file_key", job.FileKey, "error", err)
		}
	}()

	pk, ok := job.Mapping.PrimaryKey()
	if !ok {
		return Summary{}, ErrNoPrimaryKey
	}

	reader := csv.NewReader(src)
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		return Summary{}, fmt.Errorf("read CSV header: %w", err)
	}

	// Column index -> spec for every mapped header.
	specs := make(map[int]models.ColumnSpec)
	for i, name := range header {
		if spec, mapped := job.Mapping[name]; mapped {
			specs[i] = spec
		}
	}

	var (
		summary  Summary
		batch    []models.ImportRow
		wg       sync.WaitGroup
		inFlight atomic.Int64
		created  atomic.Int64
		updated  atomic.Int64
		failed   atomic.Int64
		// Acquiring a slot suspends the read loop, bounding memory to
		// MaxInFlight batches plus the one being filled.
		slots = make(chan struct{}, r.cfg.MaxInFlight)
	)

	dispatch := func(rows []models.ImportRow) {
		summary.Batches++
		batchID := uuid.NewString()
		r.logger.Warn("dispatching import batch",
			"batch_id", batchID, "batch_number", summary.Batches, "size", len(rows),
			"workspace_id", job.Account.WorkspaceID)

		wg.Add(1)
		inFlight.Add(1)
		go func() {
			defer wg.Done()
			defer inFlight.Add(-1)
			defer func() { <-slots }()
			r.runBatch(ctx, batchID, rows, pk, job, &created, &updated, &failed)
		}()
	}

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("read CSV record: %w", err)
		}

		summary.RowsRead++
		row, ok := r.convertRow(record, specs)
		if !ok {
			summary.RowsSkipped++
			metrics.ImportRowsTotal.WithLabelValues("skipped").Inc()
			continue
		}
		metrics.ImportRowsTotal.WithLabelValues("converted").Inc()

		batch = append(batch, row)
		if len(batch) >= r.cfg.BatchSize {
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				return summary, ctx.Err()
			}
			dispatch(batch)
			batch = nil
		}
	}

	if err := r.drain(ctx, &wg, &inFlight); err != nil {
		return summary, err
	}

	// Trailing partial batch reconciles synchronously after the drain.
	if len(batch) > 0 {
		summary.Batches++
		batchID := uuid.NewString()
		r.logger.Warn("reconciling trailing batch",
			"batch_id", batchID, "batch_number", summary.Batches, "size", len(batch),
			"workspace_id", job.Account.WorkspaceID)
		r.runBatch(ctx, batchID, batch, pk, job, &created, &updated, &failed)
	}

	summary.Created = created.Load()
	summary.Updated = updated.Load()
	summary.FailedBatches = int(failed.Load())

	if job.SegmentID != "" {
		if err := r.repo.ClearSegmentUpdating(ctx, job.SegmentID); err != nil {
			r.logger.Warn("clearing segment updating flag failed",
				"segment_id", job.SegmentID, "error", err)
		}
	}

	r.logger.Info("import finished",
		"workspace_id", job.Account.WorkspaceID, "file_key", job.FileKey,
		"rows_read", summary.RowsRead, "rows_skipped", summary.RowsSkipped,
		"batches", summary.Batches, "failed_batches", summary.FailedBatches,
		"created", summary.Created, "updated", summary.Updated)
	return summary, nil
}

// drain waits for in-flight batches to finish, bounded by the configured
// ceiling. Batches still running when the ceiling fires keep running; only
// the import job fails.
func (r *Reconciler) drain(ctx context.Context, wg *sync.WaitGroup, inFlight *atomic.Int64) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(r.cfg.DrainTimeout)
	defer deadline.Stop()
	progress := time.NewTicker(r.cfg.DrainInterval)
	defer progress.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-progress.C:
			r.logger.Debug("waiting for import batches to drain", "in_flight", inFlight.Load())
		case <-deadline.C:
			return fmt.Errorf("%w: %d batches still in flight after %s",
				ErrDrainTimeout, inFlight.Load(), r.cfg.DrainTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// convertRow converts one CSV record into an ImportRow. Any conversion
// failure, or a missing primary-key value, drops the row.
func (r *Reconciler) convertRow(record []string, specs map[int]models.ColumnSpec) (models.ImportRow, bool) {
	row := models.ImportRow{
		CreateFields: make(map[string]any, len(specs)),
		UpdateFields: make(map[string]any, len(specs)),
	}

	for i, spec := range specs {
		if i >= len(record) {
			return models.ImportRow{}, false
		}
		value, err := customers.ConvertForImport(record[i], spec.AttributeKey, spec)
		if err != nil {
			return models.ImportRow{}, false
		}
		row.CreateFields[spec.AttributeKey] = value
		if !spec.DoNotOverwrite {
			row.UpdateFields[spec.AttributeKey] = value
		}
		if spec.IsPrimary {
			row.PrimaryKeyValue = value
		}
	}

	if row.PrimaryKeyValue == nil {
		return models.ImportRow{}, false
	}
	return row, true
}

// runBatch reconciles one batch and records its outcome. Errors are logged,
// not propagated: one bad batch must not fail the others.
func (r *Reconciler) runBatch(ctx context.Context, batchID string, rows []models.ImportRow, pk models.ColumnSpec, job models.ImportJob, created, updated, failed *atomic.Int64) {
	metrics.ImportBatchesInFlight.Inc()
	defer metrics.ImportBatchesInFlight.Dec()
	start := time.Now()

	nCreated, nUpdated, err := r.reconcileBatch(ctx, rows, pk, job)
	metrics.ImportDuration.Observe(time.Since(start).Seconds())
	created.Add(nCreated)
	updated.Add(nUpdated)

	if err != nil {
		failed.Add(1)
		metrics.ImportBatchesTotal.WithLabelValues("error").Inc()
		r.logger.Error("batch reconciliation failed",
			"batch_id", batchID, "workspace_id", job.Account.WorkspaceID, "error", err)
		return
	}
	metrics.ImportBatchesTotal.WithLabelValues("ok").Inc()
}

// reconcileBatch dedupes rows by primary key, partitions them against
// existing customers and applies the import mode.
func (r *Reconciler) reconcileBatch(ctx context.Context, rows []models.ImportRow, pk models.ColumnSpec, job models.ImportJob) (created, updated int64, err error) {
	workspaceID := job.Account.WorkspaceID

	// Last occurrence wins when a primary-key value repeats within a batch.
	deduped := make(map[any]models.ImportRow, len(rows))
	order := make([]any, 0, len(rows))
	for _, row := range rows {
		if _, seen := deduped[row.PrimaryKeyValue]; !seen {
			order = append(order, row.PrimaryKeyValue)
		}
		deduped[row.PrimaryKeyValue] = row
	}

	existing, err := r.store.FindManyByPK(ctx, workspaceID, pk.AttributeKey, order)
	if err != nil {
		return 0, 0, fmt.Errorf("find existing customers: %w", err)
	}
	existingByPK := make(map[any]models.Customer, len(existing))
	for _, c := range existing {
		existingByPK[c.PrimaryKeyValue(pk.AttributeKey)] = c
	}

	var toCreate []models.Customer
	var toUpdate []customers.Update
	var matchedIDs []string
	for _, pkValue := range order {
		row := deduped[pkValue]
		match, exists := existingByPK[pkValue]
		if exists {
			matchedIDs = append(matchedIDs, match.ID)
			toUpdate = append(toUpdate, customers.Update{ID: match.ID, Fields: row.UpdateFields})
			continue
		}
		if job.Mode == models.ImportModeExisting {
			// Unmatched rows are dropped in EXISTING mode.
			continue
		}
		attrs := make(map[string]any, len(row.CreateFields)+len(row.UpdateFields)+1)
		for k, v := range row.CreateFields {
			attrs[k] = v
		}
		for k, v := range row.UpdateFields {
			attrs[k] = v
		}
		attrs[pk.AttributeKey] = pkValue
		toCreate = append(toCreate, models.Customer{
			ID:          uuid.NewString(),
			WorkspaceID: workspaceID,
			CreatedAt:   time.Now().UTC(),
			Attributes:  attrs,
		})
	}

	var createdIDs []string
	if len(toCreate) > 0 && job.Mode != models.ImportModeExisting {
		if err := r.limits.Check(ctx, workspaceID, len(toCreate)); err != nil {
			if errors.Is(err, customers.ErrCapacityExceeded) {
				// The create path aborts; updates still apply below.
				r.logger.Error("workspace customer limit reached, skipping creates",
					"workspace_id", workspaceID, "account_id", job.Account.ID,
					"account_email", job.Account.Email, "to_create", len(toCreate), "error", err)
				toCreate = nil
			} else {
				return 0, 0, err
			}
		}
	}
	if len(toCreate) > 0 {
		ids, err := r.store.InsertMany(ctx, toCreate)
		createdIDs = ids
		if err != nil {
			if !errors.Is(err, customers.ErrDuplicateKey) {
				return int64(len(ids)), 0, fmt.Errorf("insert customers: %w", err)
			}
			r.logger.Warn("duplicate customers skipped during insert",
				"workspace_id", workspaceID, "inserted", len(ids), "error", err)
		}
	}

	if job.Mode != models.ImportModeNew && len(toUpdate) > 0 {
		if err := r.store.BulkUpdate(ctx, toUpdate); err != nil {
			return int64(len(createdIDs)), 0, fmt.Errorf("update customers: %w", err)
		}
		updated = int64(len(toUpdate))
	}

	if job.SegmentID != "" {
		r.recordMembership(ctx, job, createdIDs, matchedIDs)
	}

	return int64(len(createdIDs)), updated, nil
}

// recordMembership appends membership rows for newly created customers and,
// in the update modes, for matched existing ones. A missing segment is logged
// and skipped without failing the batch.
func (r *Reconciler) recordMembership(ctx context.Context, job models.ImportJob, createdIDs, matchedIDs []string) {
	seg, err := r.repo.FindSegment(ctx, job.SegmentID)
	if err != nil {
		if errors.Is(err, journeys.ErrSegmentNotFound) {
			r.logger.Warn("segment gone before membership insert, skipping",
				"segment_id", job.SegmentID, "workspace_id", job.Account.WorkspaceID)
			return
		}
		r.logger.Error("segment lookup failed", "segment_id", job.SegmentID, "error", err)
		return
	}

	ids := createdIDs
	if job.Mode != models.ImportModeNew {
		ids = append(ids, matchedIDs...)
	}
	if len(ids) == 0 {
		return
	}

	memberships := make([]models.SegmentMembership, 0, len(ids))
	for _, id := range ids {
		memberships = append(memberships, models.SegmentMembership{
			CustomerID:  id,
			SegmentID:   seg.ID,
			WorkspaceID: job.Account.WorkspaceID,
		})
	}
	if err := r.repo.InsertMemberships(ctx, memberships); err != nil {
		r.logger.Error("segment membership insert failed",
			"segment_id", seg.ID, "rows", len(memberships), "error", err)
	}
}
