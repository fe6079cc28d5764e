// Package queue consumes document-processing jobs from Redis and reports
// progress back over a pub/sub channel.
package queue

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/pagemill/pagemill/internal/logging"
	"github.com/pagemill/pagemill/internal/procerrors"
)

// TaskProcessDocument is the task type producers enqueue.
const TaskProcessDocument = "pipeline:process-document"

// JobData is the payload of a process-document task. Page images arrive
// base64-encoded in job order.
type JobData struct {
	DocumentID string   `json:"documentId"`
	SourceRef  string   `json:"sourceRef,omitempty"`
	Pages      []string `json:"pages"`
}

// Consumer pulls jobs from the queue and runs them through the pipeline.
type Consumer struct {
	client   *asynq.Client
	server   *asynq.Server
	mux      *asynq.ServeMux
	process  func(ctx context.Context, job *JobData) (status string, pages int, err error)
	progress *ProgressPublisher
	cfg      ConsumerConfig
	log      *logging.Logger
}

// ConsumerConfig holds consumer configuration.
type ConsumerConfig struct {
	RedisURL          string
	QueueName         string
	Concurrency       int
	ProcessingTimeout time.Duration
}

// NewConsumer creates a queue consumer. process runs one job and returns the
// resulting document status; progress may be nil to disable reporting.
func NewConsumer(
	cfg ConsumerConfig,
	process func(ctx context.Context, job *JobData) (status string, pages int, err error),
	progress *ProgressPublisher,
	log *logging.Logger,
) (*Consumer, error) {
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("RedisURL is required")
	}
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("QueueName is required")
	}
	if process == nil {
		return nil, fmt.Errorf("a process function is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := asynq.NewClient(redisOpt)

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				cfg.QueueName: 10,
				"default":     1,
			},
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				// Exponential backoff capped at a minute.
				delay := time.Duration(5*(1<<uint(n))) * time.Second
				if delay > 60*time.Second {
					delay = 60 * time.Second
				}
				return delay
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error("task failed", "type", task.Type(), "error", err)
			}),
		},
	)

	c := &Consumer{
		client:   client,
		server:   server,
		mux:      asynq.NewServeMux(),
		process:  process,
		progress: progress,
		cfg:      cfg,
		log:      log,
	}
	c.mux.HandleFunc(TaskProcessDocument, c.handleProcessDocument)

	return c, nil
}

// Start begins consuming. It returns immediately; Stop shuts down.
func (c *Consumer) Start() error {
	c.log.Info("starting queue consumer",
		"queue", c.cfg.QueueName, "concurrency", c.cfg.Concurrency)

	go func() {
		if err := c.server.Run(c.mux); err != nil {
			c.log.Error("queue consumer stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts down the consumer gracefully, letting in-flight jobs finish.
func (c *Consumer) Stop() error {
	c.log.Info("stopping queue consumer")
	c.server.Shutdown()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("failed to close queue client: %w", err)
	}
	return nil
}

// Enqueue submits a process-document job.
func (c *Consumer) Enqueue(ctx context.Context, job *JobData) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = c.client.EnqueueContext(ctx,
		asynq.NewTask(TaskProcessDocument, payload),
		asynq.Queue(c.cfg.QueueName),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (c *Consumer) handleProcessDocument(ctx context.Context, task *asynq.Task) error {
	started := time.Now()

	var job JobData
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return fmt.Errorf("failed to unmarshal job data: %w", err)
	}
	if len(job.Pages) == 0 {
		return fmt.Errorf("job %s carries no pages", job.DocumentID)
	}

	c.log.Info("job received", "documentId", job.DocumentID, "pages", len(job.Pages))
	c.publish(ctx, job.DocumentID, "processing", nil)

	timeout := c.cfg.ProcessingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	processCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	status, pages, err := c.process(processCtx, &job)
	duration := time.Since(started)

	if err != nil {
		if processCtx.Err() == context.DeadlineExceeded {
			timeoutErr := procerrors.NewProcessingTimeoutError(job.DocumentID, timeout, err)
			c.log.Error("job timed out", "documentId", job.DocumentID, "after", duration)
			c.publish(ctx, job.DocumentID, "failed", timeoutErr.ToMap())
			return fmt.Errorf("processing timeout: %w", timeoutErr)
		}

		c.log.Error("job failed", "documentId", job.DocumentID, "after", duration, "error", err)
		c.publish(ctx, job.DocumentID, "failed", map[string]interface{}{
			"error":            err.Error(),
			"processingTimeMs": duration.Milliseconds(),
		})
		return fmt.Errorf("document processing failed: %w", err)
	}

	c.log.Info("job completed",
		"documentId", job.DocumentID, "status", status, "pages", pages, "duration", duration)
	c.publish(ctx, job.DocumentID, status, map[string]interface{}{
		"pages":            pages,
		"processingTimeMs": duration.Milliseconds(),
	})
	return nil
}

func (c *Consumer) publish(ctx context.Context, documentID, status string, details map[string]interface{}) {
	if c.progress == nil {
		return
	}
	if err := c.progress.Publish(ctx, documentID, status, details); err != nil {
		c.log.Warn("failed to publish progress", "documentId", documentID, "error", err)
	}
}

// DecodePages converts the base64 page payloads to raw image bytes.
func (j *JobData) DecodePages() ([][]byte, error) {
	pages := make([][]byte, len(j.Pages))
	for i, encoded := range j.Pages {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("failed to decode page %d: %w", i, err)
		}
		pages[i] = data
	}
	return pages, nil
}
