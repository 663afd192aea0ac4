// Package notify pushes job status updates to the owning user over Redis
// pub/sub. Delivery is fire-and-forget: a failed publish is logged and
// swallowed, never surfaced to the job pipeline.
package notify

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/unsub-pilot/internal/domain"
)

// EventName is the message type realtime subscribers filter on.
const EventName = "unsubscribe-update"

// Update is the payload published for each job state change.
type Update struct {
	Event     string           `json:"event"`
	JobID     string           `json:"job_id"`
	Status    domain.JobStatus `json:"status"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Notifier publishes updates to per-user channels.
type Notifier interface {
	JobUpdated(ctx context.Context, userID, jobID string, status domain.JobStatus, message string)
}

// RedisNotifier implements Notifier on Redis pub/sub. The web tier bridges
// these channels to its realtime transport.
type RedisNotifier struct {
	client *redis.Client
}

// NewRedisNotifier creates a Redis-backed notifier.
func NewRedisNotifier(client *redis.Client) *RedisNotifier {
	return &RedisNotifier{client: client}
}

// Channel returns the pub/sub channel for a user.
func Channel(userID string) string { return "user:" + userID }

// JobUpdated publishes a job status change. It returns immediately; the
// publish happens on its own goroutine with its own timeout so a slow Redis
// never blocks job completion.
func (n *RedisNotifier) JobUpdated(ctx context.Context, userID, jobID string, status domain.JobStatus, message string) {
	update := Update{
		Event:     EventName,
		JobID:     jobID,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}

	body, err := json.Marshal(update)
	if err != nil {
		log.Printf("[Notify] marshal update for job %s: %v", jobID, err)
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := n.client.Publish(ctx, Channel(userID), body).Err(); err != nil {
			log.Printf("[Notify] publish update for job %s: %v", jobID, err)
		}
	}()
}

// NopNotifier discards all updates. Used when Redis isn't configured.
type NopNotifier struct{}

func (NopNotifier) JobUpdated(context.Context, string, string, domain.JobStatus, string) {}
