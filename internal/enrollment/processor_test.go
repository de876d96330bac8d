package enrollment

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/journeymesh/journeymesh/internal/journeys"
	"github.com/journeymesh/journeymesh/internal/logging"
	"github.com/journeymesh/journeymesh/internal/models"
	"github.com/journeymesh/journeymesh/internal/queue"
)

type fixedAudience struct {
	aud Audience
	err error
}

func (f fixedAudience) Compute(ctx context.Context, account models.Account, criteria json.RawMessage) (Audience, error) {
	return f.aud, f.err
}

type recordingInvalidator struct {
	mu         sync.Mutex
	workspaces []string
	err        error
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.workspaces = append(r.workspaces, workspaceID)
	return nil
}

type enrollmentFixture struct {
	repo     *journeys.MemoryRepository
	cache    *recordingInvalidator
	producer *queue.MemoryProducer
}

func newEnrollmentFixture(journey models.Journey) *enrollmentFixture {
	f := &enrollmentFixture{
		repo:     journeys.NewMemoryRepository(),
		cache:    &recordingInvalidator{},
		producer: queue.NewMemoryProducer(),
	}
	f.repo.AddJourney(journey)
	f.repo.AddStep(models.Step{ID: "step1", JourneyID: journey.ID, Type: "start"})
	return f
}

func (f *enrollmentFixture) processor(audience AudienceCounter) *Processor {
	return NewProcessor(audience, f.repo, f.cache, f.producer, logging.New(slog.LevelError, "text"))
}

func enrollmentQueueJob(t *testing.T, journey models.Journey) *queue.Job {
	t.Helper()
	payload, err := json.Marshal(models.EnrollmentJob{
		Account: models.Account{ID: "acct1", WorkspaceID: journey.WorkspaceID},
		Journey: journey,
	})
	require.NoError(t, err)
	return &queue.Job{Type: "enroll", Payload: payload}
}

func enrollingJourney(maxEntries int64) models.Journey {
	j := models.Journey{
		ID: "j1", WorkspaceID: "ws1", Name: "welcome",
		IsActive: true, IsEnrolling: true,
	}
	if maxEntries > 0 {
		j.Settings.MaxEntries = models.MaxEntries{Enabled: true, MaxEntries: maxEntries}
	}
	return j
}

func TestHandle_Success(t *testing.T) {
	journey := enrollingJourney(0)
	f := newEnrollmentFixture(journey)
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 120}})

	require.NoError(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	stored, ok := f.repo.Journey("j1")
	require.True(t, ok)
	assert.False(t, stored.IsEnrolling, "flag cleared transactionally on success")

	assert.Equal(t, []string{"ws1"}, f.cache.workspaces)

	jobs := f.producer.Jobs(queue.Start)
	require.Len(t, jobs, 1)
	var start models.StartJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &start))
	assert.Equal(t, "j1", start.JourneyID)
	assert.Equal(t, "step1", start.StepID)
	assert.Equal(t, "h1", start.AudienceHandle)
	assert.Equal(t, int64(120), start.EntryCount)
}

func TestHandle_MaxEntriesCapsCount(t *testing.T) {
	journey := enrollingJourney(50)
	f := newEnrollmentFixture(journey)
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 200}})

	require.NoError(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	jobs := f.producer.Jobs(queue.Start)
	require.Len(t, jobs, 1)
	var start models.StartJob
	require.NoError(t, json.Unmarshal(jobs[0].Payload, &start))
	assert.Equal(t, int64(50), start.EntryCount, "entry count capped at maxEntries")
}

func TestHandle_CapBelowAudienceOnly(t *testing.T) {
	journey := enrollingJourney(500)
	f := newEnrollmentFixture(journey)
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 200}})

	require.NoError(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	var start models.StartJob
	require.NoError(t, json.Unmarshal(f.producer.Jobs(queue.Start)[0].Payload, &start))
	assert.Equal(t, int64(200), start.EntryCount, "cap above the audience leaves the raw count")
}

func TestHandle_AudienceFailureAbortsBeforeTransaction(t *testing.T) {
	journey := enrollingJourney(0)
	f := newEnrollmentFixture(journey)
	p := f.processor(fixedAudience{err: assert.AnError})

	assert.Error(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	stored, _ := f.repo.Journey("j1")
	assert.True(t, stored.IsEnrolling, "no transaction opened, flag untouched")
	assert.Zero(t, f.producer.Len(queue.Start))
	assert.Empty(t, f.cache.workspaces)
}

func TestHandle_RollbackLeavesEnrollingSet(t *testing.T) {
	journey := enrollingJourney(0)
	f := newEnrollmentFixture(journey)
	f.repo.SetEnrollingErr = assert.AnError
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 10}})

	assert.Error(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	stored, _ := f.repo.Journey("j1")
	assert.True(t, stored.IsEnrolling,
		"rollback leaves the flag set; recovery is a manual intervention")
	assert.Zero(t, f.producer.Len(queue.Start), "no start job without a commit")
	assert.Empty(t, f.cache.workspaces)
}

func TestHandle_CacheInvalidationFailureRollsBack(t *testing.T) {
	journey := enrollingJourney(0)
	f := newEnrollmentFixture(journey)
	f.cache.err = assert.AnError
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 10}})

	assert.Error(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	stored, _ := f.repo.Journey("j1")
	assert.True(t, stored.IsEnrolling)
	assert.Zero(t, f.producer.Len(queue.Start))
}

func TestHandle_NoStartStep(t *testing.T) {
	journey := enrollingJourney(0)
	f := &enrollmentFixture{
		repo:     journeys.NewMemoryRepository(),
		cache:    &recordingInvalidator{},
		producer: queue.NewMemoryProducer(),
	}
	f.repo.AddJourney(journey)
	p := f.processor(fixedAudience{aud: Audience{Handle: "h1", Count: 10}})

	require.NoError(t, p.Handle(context.Background(), enrollmentQueueJob(t, journey)))

	stored, _ := f.repo.Journey("j1")
	assert.False(t, stored.IsEnrolling, "enrollment still completes")
	assert.Zero(t, f.producer.Len(queue.Start), "nothing to trigger")
}
