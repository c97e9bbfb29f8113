/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
)

const (
	// dlqStreamKey parks raw rows that failed ingestion.
	dlqStreamKey = "ingest:dlq:rows"
	// verificationStreamKey queues post-sale verification tasks.
	verificationStreamKey = "reconcile:verify:tasks"
)

// RedisQueues implements DeadLetterQueue and VerificationQueue on Redis
// Streams.
type RedisQueues struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisQueues creates a RedisQueues.
func NewRedisQueues(client *redis.Client, logger *zap.Logger) *RedisQueues {
	return &RedisQueues{client: client, logger: logger}
}

// DLQMessage is the envelope written to the DLQ stream. The original raw
// payload is preserved verbatim for human review.
type DLQMessage struct {
	Type       string          `json:"type"`
	AdapterID  string          `json:"adapter_id"`
	Payload    json.RawMessage `json:"payload"`
	LastError  string          `json:"last_error"`
	RetryCount int             `json:"retry_count"`
	Timestamp  time.Time       `json:"timestamp"`
}

// EnqueueRaw parks a failed row with its failure reason.
func (q *RedisQueues) EnqueueRaw(ctx context.Context, adapterID string, raw listing.Raw, cause error) error {
	payload, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	message := DLQMessage{
		Type:      "raw_listing",
		AdapterID: adapterID,
		Payload:   payload,
		LastError: cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	encoded, err := json.Marshal(message)
	if err != nil {
		return err
	}

	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqStreamKey,
		Values: map[string]interface{}{"message": string(encoded)},
	}).Err(); err != nil {
		q.logger.Error("DLQ enqueue failed; row is lost to review",
			zap.String("adapter_id", adapterID),
			zap.Error(err))
		return err
	}
	return nil
}

// VerificationTask is the envelope queued for the future post-sale
// verification adapter.
type VerificationTask struct {
	PropertyID uuid.UUID `json:"property_id"`
	EventID    uuid.UUID `json:"event_id"`
	Reason     string    `json:"reason"`
	QueuedAt   time.Time `json:"queued_at"`
}

// EnqueueVerification queues one verification task.
func (q *RedisQueues) EnqueueVerification(ctx context.Context, propertyID, eventID uuid.UUID, reason string) error {
	task := VerificationTask{
		PropertyID: propertyID,
		EventID:    eventID,
		Reason:     reason,
		QueuedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: verificationStreamKey,
		Values: map[string]interface{}{"task": string(encoded)},
	}).Err()
}
