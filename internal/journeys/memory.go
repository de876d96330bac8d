package journeys

import (
	"context"
	"fmt"
	"sync"

	"github.com/journeymesh/journeymesh/internal/models"
)

// MemoryRepository is an in-memory Repository used by tests and local runs.
// Transactions stage enrollment-flag changes and apply them on Commit, so
// rollback behavior can be asserted.
type MemoryRepository struct {
	mu          sync.Mutex
	journeys    map[string]models.Journey
	segments    map[string]models.Segment
	steps       map[string]models.Step // keyed by journey id
	memberships []models.SegmentMembership

	// One-shot error hooks: when set, the next matching call fails and the
	// hook is cleared.
	BeginErr        error
	ActiveErr       error
	SetEnrollingErr error
	StartStepErr    error
	InsertErr       error
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		journeys: make(map[string]models.Journey),
		segments: make(map[string]models.Segment),
		steps:    make(map[string]models.Step),
	}
}

// AddJourney stores a journey.
func (r *MemoryRepository) AddJourney(j models.Journey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.journeys[j.ID] = j
}

// AddSegment stores a segment.
func (r *MemoryRepository) AddSegment(s models.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[s.ID] = s
}

// AddStep stores a journey's step.
func (r *MemoryRepository) AddStep(s models.Step) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[s.JourneyID] = s
}

// Journey returns the stored journey by id, for test assertions.
func (r *MemoryRepository) Journey(id string) (models.Journey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.journeys[id]
	return j, ok
}

// Segment returns the stored segment by id, for test assertions.
func (r *MemoryRepository) Segment(id string) (models.Segment, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segments[id]
	return s, ok
}

// Memberships returns all membership rows, for test assertions.
func (r *MemoryRepository) Memberships() []models.SegmentMembership {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.SegmentMembership, len(r.memberships))
	copy(out, r.memberships)
	return out
}

// MemoryTx stages writes until Commit.
type MemoryTx struct {
	repo       *MemoryRepository
	enrolling  map[string]bool
	Committed  bool
	RolledBack bool
}

// Commit applies staged changes.
func (t *MemoryTx) Commit(ctx context.Context) error {
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	for id, v := range t.enrolling {
		j := t.repo.journeys[id]
		j.IsEnrolling = v
		t.repo.journeys[id] = j
	}
	t.Committed = true
	return nil
}

// Rollback discards staged changes.
func (t *MemoryTx) Rollback(ctx context.Context) error {
	if t.Committed {
		return nil
	}
	t.RolledBack = true
	return nil
}

// Begin opens a staged transaction.
func (r *MemoryRepository) Begin(ctx context.Context) (Tx, error) {
	if err := r.takeErr(&r.BeginErr); err != nil {
		return nil, err
	}
	return &MemoryTx{repo: r, enrolling: make(map[string]bool)}, nil
}

// ActiveJourneys returns the workspace's eligible journeys.
func (r *MemoryRepository) ActiveJourneys(ctx context.Context, workspaceID string) ([]models.Journey, error) {
	if err := r.takeErr(&r.ActiveErr); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.Journey
	for _, j := range r.journeys {
		if j.WorkspaceID == workspaceID && j.Eligible() {
			out = append(out, j)
		}
	}
	return out, nil
}

// ActiveJourneysTx is ActiveJourneys inside a transaction.
func (r *MemoryRepository) ActiveJourneysTx(ctx context.Context, tx Tx, workspaceID string) ([]models.Journey, error) {
	return r.ActiveJourneys(ctx, workspaceID)
}

// SetEnrollingTx stages an enrollment-flag change on the transaction.
func (r *MemoryRepository) SetEnrollingTx(ctx context.Context, tx Tx, journeyID string, enrolling bool) error {
	if err := r.takeErr(&r.SetEnrollingErr); err != nil {
		return err
	}
	mt, ok := tx.(*MemoryTx)
	if !ok {
		return fmt.Errorf("transaction is %T, want *MemoryTx", tx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.journeys[journeyID]; !exists {
		return fmt.Errorf("journey %s: %w", journeyID, ErrJourneyNotFound)
	}
	mt.enrolling[journeyID] = enrolling
	return nil
}

// StartStepTx returns the journey's start step.
func (r *MemoryRepository) StartStepTx(ctx context.Context, tx Tx, journeyID string) (*models.Step, error) {
	if err := r.takeErr(&r.StartStepErr); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	step, ok := r.steps[journeyID]
	if !ok {
		return nil, fmt.Errorf("journey %s: %w", journeyID, ErrStartStepNotFound)
	}
	return &step, nil
}

// FindSegment returns the segment or ErrSegmentNotFound.
func (r *MemoryRepository) FindSegment(ctx context.Context, segmentID string) (*models.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg, ok := r.segments[segmentID]
	if !ok {
		return nil, fmt.Errorf("segment %s: %w", segmentID, ErrSegmentNotFound)
	}
	return &seg, nil
}

// ClearSegmentUpdating clears the segment's updating flag.
func (r *MemoryRepository) ClearSegmentUpdating(ctx context.Context, segmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	seg, ok := r.segments[segmentID]
	if !ok {
		return fmt.Errorf("segment %s: %w", segmentID, ErrSegmentNotFound)
	}
	seg.IsUpdating = false
	r.segments[segmentID] = seg
	return nil
}

// InsertMemberships appends membership rows.
func (r *MemoryRepository) InsertMemberships(ctx context.Context, rows []models.SegmentMembership) error {
	if err := r.takeErr(&r.InsertErr); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memberships = append(r.memberships, rows...)
	return nil
}

func (r *MemoryRepository) takeErr(slot *error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := *slot
	*slot = nil
	return err
}
