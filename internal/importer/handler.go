package importer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/models"
	"github.com/journeymesh/journeymesh/internal/queue"
)

// SourceOpener resolves an import job's file key into a readable source.
// Object-storage access lives behind this interface.
type SourceOpener interface {
	Open(ctx context.Context, fileKey string) (Source, error)
}

// Handler consumes import jobs from the queue fabric and runs the reconciler.
type Handler struct {
	opener     SourceOpener
	reconciler *Reconciler
	logger     *logging.Logger
}

// NewHandler creates an import job handler.
func NewHandler(opener SourceOpener, reconciler *Reconciler, logger *logging.Logger) *Handler {
	return &Handler{opener: opener, reconciler: reconciler, logger: logger}
}

// Handle decodes and runs one import job. A returned error makes the queue
// fabric redeliver the job.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var imp models.ImportJob
	if err := json.Unmarshal(job.Payload, &imp); err != nil {
		return fmt.Errorf("decode import job: %w", err)
	}

	src, err := h.opener.Open(ctx, imp.FileKey)
	if err != nil {
		return fmt.Errorf("open import source %s: %w", imp.FileKey, err)
	}

	summary, err := h.reconciler.Run(ctx, src, imp)
	if err != nil {
		return fmt.Errorf("import %s: %w", imp.FileKey, err)
	}

	h.logger.Info("import job done",
		"file_key", imp.FileKey, "workspace_id", imp.Account.WorkspaceID,
		"rows_read", summary.RowsRead, "created", summary.Created, "updated", summary.Updated)
	return nil
}
