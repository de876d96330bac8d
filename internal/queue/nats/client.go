// Package nats provides the NATS JetStream implementation of the queue
// contract. Every pipeline queue is backed by a work-queue stream so jobs
// survive restarts and are delivered to exactly one worker per attempt.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/journeymesh/journeymesh/internal/queue"
)

// headerJobType carries the job type tag so consumers can dispatch without
// decoding the payload.
const headerJobType = "Job-Type"

// Config holds NATS client configuration.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Name is the client name for connection identification.
	Name string

	// MaxReconnects is the maximum number of reconnection attempts.
	// Use -1 for infinite reconnects.
	MaxReconnects int

	// ReconnectWait is the time to wait between reconnection attempts.
	ReconnectWait time.Duration

	// Timeout is the connection timeout.
	Timeout time.Duration

	// Username for authentication (optional).
	Username string

	// Password for authentication (optional).
	Password string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "journeymesh-pipeline",
		MaxReconnects: -1, // Infinite reconnects
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client implements queue.Producer and queue.Consumer on NATS JetStream.
type Client struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewClient connects to NATS and sets up the JetStream context.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &Client{conn: conn, js: js}, nil
}

// EnsureStreams creates or updates the work-queue streams for every pipeline
// queue. Call once at startup before producing or consuming.
func (c *Client) EnsureStreams(ctx context.Context) error {
	for _, sc := range pipelineStreams {
		if _, err := c.js.CreateOrUpdateStream(ctx, sc); err != nil {
			return fmt.Errorf("failed to create/update stream %s: %w", sc.Name, err)
		}
	}
	return nil
}

// Enqueue publishes one job to the queue with a synchronous JetStream ack.
func (c *Client) Enqueue(ctx context.Context, q queue.Queue, jobType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}

	msg := &nats.Msg{
		Subject: string(q),
		Data:    data,
		Header:  nats.Header{headerJobType: []string{jobType}},
	}

	if _, err := c.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", q, err)
	}
	return nil
}

// EnqueueBulk publishes a batch of jobs asynchronously and waits for all acks.
func (c *Client) EnqueueBulk(ctx context.Context, q queue.Queue, jobType string, payloads []any) error {
	futures := make([]jetstream.PubAckFuture, 0, len(payloads))
	for _, payload := range payloads {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal job payload: %w", err)
		}
		msg := &nats.Msg{
			Subject: string(q),
			Data:    data,
			Header:  nats.Header{headerJobType: []string{jobType}},
		}
		f, err := c.js.PublishMsgAsync(msg)
		if err != nil {
			return fmt.Errorf("publish to %s: %w", q, err)
		}
		futures = append(futures, f)
	}

	select {
	case <-c.js.PublishAsyncComplete():
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, f := range futures {
		select {
		case err := <-f.Err():
			return fmt.Errorf("publish to %s: %w", q, err)
		default:
		}
	}
	return nil
}

// Consume starts delivering jobs from q to handler. Handler errors NAK the
// message with a delay so the server redelivers it up to MaxDeliver times.
func (c *Client) Consume(ctx context.Context, q queue.Queue, handler queue.Handler) (func(), error) {
	streamName := streamNameFor(q)

	stream, err := c.js.Stream(ctx, streamName)
	if err != nil {
		return nil, fmt.Errorf("failed to get stream %s: %w", streamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerNameFor(q),
		Durable:       consumerNameFor(q),
		FilterSubject: string(q),
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		MaxAckPending: 100,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update consumer for %s: %w", q, err)
	}

	consumeCtx, cancel := context.WithCancel(ctx)

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		job := &queue.Job{
			Type:    msg.Headers().Get(headerJobType),
			Payload: msg.Data(),
		}

		if err := handler(consumeCtx, job); err != nil {
			// NAK with delay for retry
			_ = msg.NakWithDelay(5 * time.Second)
			return
		}
		_ = msg.Ack()
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start consuming %s: %w", q, err)
	}

	return func() {
		cancel()
		cons.Stop()
	}, nil
}

// Drain gracefully closes the connection, allowing in-flight messages to
// complete.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

// Close releases the connection.
func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// IsConnected returns true if the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

func streamNameFor(q queue.Queue) string {
	// pipeline.events.pre -> PIPELINE_EVENTS_PRE
	return strings.ToUpper(strings.ReplaceAll(string(q), ".", "_"))
}

func consumerNameFor(q queue.Queue) string {
	return streamNameFor(q) + "_WORKERS"
}

// pipelineStreams defines one work-queue stream per pipeline queue. Work-queue
// retention removes a message once a worker acks it.
var pipelineStreams = []jetstream.StreamConfig{
	streamConfig(queue.Imports),
	streamConfig(queue.EventsPre),
	streamConfig(queue.Events),
	streamConfig(queue.EventsPost),
	streamConfig(queue.Enrollment),
	streamConfig(queue.Start),
}

func streamConfig(q queue.Queue) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:      streamNameFor(q),
		Subjects:  []string{string(q)},
		MaxAge:    24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		MaxMsgs:   1000000,
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	}
}
