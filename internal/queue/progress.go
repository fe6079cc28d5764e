package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagemill/pagemill/internal/logging"
)

// ProgressPublisher broadcasts per-document status updates over a Redis
// pub/sub channel so producers can track jobs without polling.
type ProgressPublisher struct {
	client  *redis.Client
	channel string
	log     *logging.Logger
}

// ProgressEvent is the wire format of one status update.
type ProgressEvent struct {
	DocumentID string                 `json:"documentId"`
	Status     string                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// NewProgressPublisher connects to Redis for progress reporting.
func NewProgressPublisher(redisURL, channel string, log *logging.Logger) (*ProgressPublisher, error) {
	if channel == "" {
		return nil, fmt.Errorf("progress channel is required")
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &ProgressPublisher{client: client, channel: channel, log: log}, nil
}

// Publish emits one status update. Publishing is best effort: there may be
// no subscriber, which is not an error.
func (p *ProgressPublisher) Publish(ctx context.Context, documentID, status string, details map[string]interface{}) error {
	event := ProgressEvent{
		DocumentID: documentID,
		Status:     status,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress: %w", err)
	}

	p.log.Debug("progress published", "documentId", documentID, "status", status)
	return nil
}

// Close releases the Redis connection.
func (p *ProgressPublisher) Close() error {
	return p.client.Close()
}
