// Package queue defines the job-queue contract the pipeline produces to and
// consumes from. Delivery is at-least-once: consumers ack by returning nil and
// trigger redelivery by returning an error. Retry, backoff and dead-lettering
// belong to the transport, never to the processors.
package queue

import "context"

// Queue names the logical queues of the pipeline topology.
type Queue string

const (
	// Imports carries bulk CSV import jobs.
	Imports Queue = "pipeline.imports"
	// EventsPre carries inbound events, message sends and attribute changes.
	EventsPre Queue = "pipeline.events.pre"
	// Events carries per-journey fan-out jobs.
	Events Queue = "pipeline.events"
	// EventsPost carries one post-processing job per custom event.
	EventsPost Queue = "pipeline.events.post"
	// Enrollment carries journey (re-)enrollment jobs.
	Enrollment Queue = "pipeline.enrollment"
	// Start carries start-step jobs produced after an enrollment commit.
	Start Queue = "pipeline.start"
)

// Job is one unit of work delivered from a queue.
type Job struct {
	// Type tags the payload so a consumer can dispatch without decoding it.
	Type string

	// Payload is the JSON-encoded job body.
	Payload []byte
}

// Handler processes one delivered job. A nil return acknowledges the job;
// an error triggers redelivery per the transport's retry policy.
type Handler func(ctx context.Context, job *Job) error

// Producer enqueues jobs. Processors receive a Producer by constructor
// injection so tests can swap in an in-memory fake.
type Producer interface {
	// Enqueue publishes one job to the queue.
	Enqueue(ctx context.Context, q Queue, jobType string, payload any) error

	// EnqueueBulk publishes a batch of jobs of the same type to the queue.
	EnqueueBulk(ctx context.Context, q Queue, jobType string, payloads []any) error
}

// Consumer attaches handlers to queues.
type Consumer interface {
	// Consume starts delivering jobs from q to handler until the returned
	// stop function is called. Multiple workers may consume the same queue;
	// each job is delivered to one of them.
	Consume(ctx context.Context, q Queue, handler Handler) (stop func(), err error)
}
