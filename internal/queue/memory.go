package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryProducer is an in-memory Producer used in tests and local runs.
// It records every enqueued job grouped by queue.
type MemoryProducer struct {
	mu   sync.Mutex
	jobs map[Queue][]Job

	// FailNext makes the next Enqueue/EnqueueBulk call return this error.
	FailNext error
}

// NewMemoryProducer creates an empty in-memory producer.
func NewMemoryProducer() *MemoryProducer {
	return &MemoryProducer{jobs: make(map[Queue][]Job)}
}

// Enqueue records one job.
func (p *MemoryProducer) Enqueue(ctx context.Context, q Queue, jobType string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.FailNext != nil {
		err := p.FailNext
		p.FailNext = nil
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	p.jobs[q] = append(p.jobs[q], Job{Type: jobType, Payload: data})
	return nil
}

// EnqueueBulk records a batch of jobs of the same type.
func (p *MemoryProducer) EnqueueBulk(ctx context.Context, q Queue, jobType string, payloads []any) error {
	for _, payload := range payloads {
		if err := p.Enqueue(ctx, q, jobType, payload); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns a copy of the jobs recorded for the queue.
func (p *MemoryProducer) Jobs(q Queue) []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, len(p.jobs[q]))
	copy(out, p.jobs[q])
	return out
}

// Len returns the number of jobs recorded for the queue.
func (p *MemoryProducer) Len(q Queue) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs[q])
}

// Reset discards all recorded jobs.
func (p *MemoryProducer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = make(map[Queue][]Job)
}
