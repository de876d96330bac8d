package importer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeymesh/journeymesh/internal/config"
	"github.com/journeymesh/journeymesh/internal/customers"
	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/models"
)

var testMapping = models.ColumnMapping{
	"email": {AttributeKey: "email", Type: models.AttributeTypeString, IsPrimary: true},
	"age":   {AttributeKey: "age", Type: models.AttributeTypeNumber},
	"tier":  {AttributeKey: "tier", Type: models.AttributeTypeString, DoNotOverwrite: true},
}

func testConfig() config.ImportConfig {
	return config.ImportConfig{
		BatchSize:     100,
		MaxInFlight:   2,
		DrainTimeout:  5 * time.Second,
		DrainInterval: 10 * time.Millisecond,
	}
}

func newTestReconciler(store customers.Store, repo journeys.Repository, cfg config.ImportConfig, maxCustomers int64) *Reconciler {
	logger := logging.New(slog.LevelError, "text")
	return NewReconciler(store, customers.NewLimitChecker(store, maxCustomers), repo, cfg, logger)
}

func csvSource(body string) Source {
	return ReaderSource{Reader: strings.NewReader(body)}
}

func importJob(mode models.ImportMode, segmentID string) models.ImportJob {
	return models.ImportJob{
		Account:   models.Account{ID: "acct1", Email: "ops@example.com", WorkspaceID: "ws1"},
		FileKey:   "customers.csv",
		Mapping:   testMapping,
		Mode:      mode,
		SegmentID: segmentID,
	}
}

func TestRun_ConversionFailureDropsRow(t *testing.T) {
	store := customers.NewMemoryStore()
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), testConfig(), 0)

	body := "email,age\n" +
		"a@example.com,30\n" +
		"b@example.com,not-a-number\n" +
		"c@example.com,41\n"

	summary, err := rec.Run(context.Background(), csvSource(body), importJob(models.ImportModeNew, ""))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.RowsRead)
	assert.Equal(t, 1, summary.RowsSkipped)
	assert.Equal(t, int64(2), summary.Created)
	assert.Len(t, store.All(), 2)
}

func TestRun_NewMode_LastDuplicateWins(t *testing.T) {
	store := customers.NewMemoryStore()
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), testConfig(), 0)

	body := "email,age\n" +
		"dup@example.com,30\n" +
		"dup@example.com,31\n" +
		"dup@example.com,32\n"

	summary, err := rec.Run(context.Background(), csvSource(body), importJob(models.ImportModeNew, ""))
	require.NoError(t, err)
	require.Equal(t, int64(1), summary.Created)

	all := store.All()
	require.Len(t, all, 1)
	assert.Equal(t, float64(32), all[0].Attributes["age"])
}

func TestRun_ExistingMode_UnmatchedRowsDropped(t *testing.T) {
	store := customers.NewMemoryStore()
	ctx := context.Background()
	existing, _, err := store.FindOrCreate(ctx, "ws1", "email", "known@example.com")
	require.NoError(t, err)

	rec := newTestReconciler(store, journeys.NewMemoryRepository(), testConfig(), 0)

	body := "email,age\n" +
		"known@example.com,50\n" +
		"stranger@example.com,60\n"

	summary, err := rec.Run(ctx, csvSource(body), importJob(models.ImportModeExisting, ""))
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.Created)
	assert.Equal(t, int64(1), summary.Updated)
	require.Len(t, store.All(), 1)

	got, ok := store.Get(existing.ID)
	require.True(t, ok)
	assert.Equal(t, float64(50), got.Attributes["age"])
}

func TestRun_NewAndExisting_DoNotOverwriteExcludedFromUpdates(t *testing.T) {
	store := customers.NewMemoryStore()
	ctx := context.Background()
	existing, _, err := store.FindOrCreate(ctx, "ws1", "email", "known@example.com")
	require.NoError(t, err)
	require.NoError(t, store.BulkUpdate(ctx, []customers.Update{
		{ID: existing.ID, Fields: map[string]any{"tier": "gold"}},
	}))

	rec := newTestReconciler(store, journeys.NewMemoryRepository(), testConfig(), 0)

	body := "email,age,tier\n" +
		"known@example.com,50,bronze\n" +
		"fresh@example.com,20,silver\n"

	summary, err := rec.Run(ctx, csvSource(body), importJob(models.ImportModeNewAndExisting, ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Created)
	assert.Equal(t, int64(1), summary.Updated)

	got, ok := store.Get(existing.ID)
	require.True(t, ok)
	assert.Equal(t, "gold", got.Attributes["tier"], "protected attribute must survive updates")
	assert.Equal(t, float64(50), got.Attributes["age"])

	for _, c := range store.All() {
		if c.Attributes["email"] == "fresh@example.com" {
			assert.Equal(t, "silver", c.Attributes["tier"], "protected attribute still applies on create")
		}
	}
}

func TestRun_SegmentMembership(t *testing.T) {
	store := customers.NewMemoryStore()
	ctx := context.Background()
	existing, _, err := store.FindOrCreate(ctx, "ws1", "email", "known@example.com")
	require.NoError(t, err)

	repo := journeys.NewMemoryRepository()
	repo.AddSegment(models.Segment{ID: "seg1", WorkspaceID: "ws1", IsUpdating: true})

	rec := newTestReconciler(store, repo, testConfig(), 0)

	body := "email,age\n" +
		"known@example.com,50\n" +
		"fresh@example.com,20\n"

	_, err = rec.Run(ctx, csvSource(body), importJob(models.ImportModeNewAndExisting, "seg1"))
	require.NoError(t, err)

	rows := repo.Memberships()
	require.Len(t, rows, 2, "created and matched customers both join the segment")
	ids := []string{rows[0].CustomerID, rows[1].CustomerID}
	assert.Contains(t, ids, existing.ID)

	seg, ok := repo.Segment("seg1")
	require.True(t, ok)
	assert.False(t, seg.IsUpdating, "updating flag cleared when the import completes")
}

func TestRun_MissingSegmentSkipped(t *testing.T) {
	store := customers.NewMemoryStore()
	repo := journeys.NewMemoryRepository()
	rec := newTestReconciler(store, repo, testConfig(), 0)

	body := "email\nfresh@example.com\n"

	summary, err := rec.Run(context.Background(), csvSource(body), importJob(models.ImportModeNew, "gone"))
	require.NoError(t, err, "a vanished segment must not fail the import")
	assert.Equal(t, int64(1), summary.Created)
	assert.Empty(t, repo.Memberships())
}

func TestRun_CapacityExceededSkipsCreates(t *testing.T) {
	store := customers.NewMemoryStore()
	ctx := context.Background()
	existing, _, err := store.FindOrCreate(ctx, "ws1", "email", "known@example.com")
	require.NoError(t, err)

	rec := newTestReconciler(store, journeys.NewMemoryRepository(), testConfig(), 1)

	body := "email,age\n" +
		"known@example.com,50\n" +
		"overflow@example.com,20\n"

	summary, err := rec.Run(ctx, csvSource(body), importJob(models.ImportModeNewAndExisting, ""))
	require.NoError(t, err)

	assert.Equal(t, int64(0), summary.Created, "create path aborts on capacity")
	assert.Equal(t, int64(1), summary.Updated, "update path still applies")
	require.Len(t, store.All(), 1)

	got, _ := store.Get(existing.ID)
	assert.Equal(t, float64(50), got.Attributes["age"])
}

func TestRun_TrailingBatchAccounting(t *testing.T) {
	store := customers.NewMemoryStore()
	cfg := testConfig()
	cfg.BatchSize = 2
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), cfg, 0)

	var sb strings.Builder
	sb.WriteString("email\n")
	for _, n := range []string{"a", "b", "c", "d", "e"} {
		sb.WriteString(n + "@example.com\n")
	}

	summary, err := rec.Run(context.Background(), csvSource(sb.String()), importJob(models.ImportModeNew, ""))
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Batches, "two full batches plus the trailing partial one")
	assert.Equal(t, int64(5), summary.Created)
	assert.Len(t, store.All(), 5)
}

func TestRun_ManyRowsAcrossConcurrentBatches(t *testing.T) {
	store := customers.NewMemoryStore()
	cfg := testConfig()
	cfg.BatchSize = 50
	cfg.MaxInFlight = 4
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), cfg, 0)

	faker := gofakeit.New(7)
	var sb strings.Builder
	sb.WriteString("email,age\n")
	const rows = 500
	for i := 0; i < rows; i++ {
		fmt.Fprintf(&sb, "user%d@%s,%d\n", i, faker.DomainName(), faker.Number(18, 90))
	}

	summary, err := rec.Run(context.Background(), csvSource(sb.String()), importJob(models.ImportModeNew, ""))
	require.NoError(t, err)

	assert.Equal(t, rows, summary.RowsRead)
	assert.Zero(t, summary.RowsSkipped)
	assert.Equal(t, 10, summary.Batches)
	assert.Equal(t, int64(rows), summary.Created)
	assert.Len(t, store.All(), rows)
}

func TestRun_BatchFailureIsolated(t *testing.T) {
	store := customers.NewMemoryStore()
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.MaxInFlight = 1
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), cfg, 0)

	// Fail the first batch's find; the remaining batches proceed.
	store.FindErr = assert.AnError

	body := "email\na@example.com\nb@example.com\nc@example.com\n"
	summary, err := rec.Run(context.Background(), csvSource(body), importJob(models.ImportModeNew, ""))
	require.NoError(t, err)

	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, int64(2), summary.Created)
}

func TestRun_NoPrimaryKeyFails(t *testing.T) {
	rec := newTestReconciler(customers.NewMemoryStore(), journeys.NewMemoryRepository(), testConfig(), 0)

	job := importJob(models.ImportModeNew, "")
	job.Mapping = models.ColumnMapping{"email": {AttributeKey: "email", Type: models.AttributeTypeString}}

	_, err := rec.Run(context.Background(), csvSource("email\na@example.com\n"), job)
	assert.ErrorIs(t, err, ErrNoPrimaryKey)
}

// slowStore delays lookups so batches outlive the drain ceiling.
type slowStore struct {
	customers.Store
	delay time.Duration
}

func (s *slowStore) FindManyByPK(ctx context.Context, workspaceID, pkKey string, values []any) ([]models.Customer, error) {
	time.Sleep(s.delay)
	return s.Store.FindManyByPK(ctx, workspaceID, pkKey, values)
}

func TestRun_DrainTimeout(t *testing.T) {
	store := &slowStore{Store: customers.NewMemoryStore(), delay: 500 * time.Millisecond}
	cfg := testConfig()
	cfg.BatchSize = 1
	cfg.DrainTimeout = 50 * time.Millisecond
	rec := newTestReconciler(store, journeys.NewMemoryRepository(), cfg, 0)

	body := "email\na@example.com\nb@example.com\n"
	_, err := rec.Run(context.Background(), csvSource(body), importJob(models.ImportModeNew, ""))
	assert.ErrorIs(t, err, ErrDrainTimeout)
}
