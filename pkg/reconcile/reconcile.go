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

// Package reconcile detects listings that disappeared from their source.
// A sale-stage event whose date passed without the property being re-seen
// is marked pending verification; the job never guesses whether the sale
// happened or was adjourned.
package reconcile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

const removalReason = "likely sold or adjourned"

// Job is the end-of-day vanish sweep.
type Job struct {
	events   storage.EventStore
	timeline storage.TimelineStore
	verify   storage.VerificationQueue
	logger   *zap.Logger
	now      func() time.Time
}

// JobOption customizes a Job.
type JobOption func(*Job)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) JobOption {
	return func(j *Job) { j.now = now }
}

// NewJob creates the reconciliation job.
func NewJob(events storage.EventStore, timeline storage.TimelineStore, verify storage.VerificationQueue, logger *zap.Logger, opts ...JobOption) *Job {
	j := &Job{
		events:   events,
		timeline: timeline,
		verify:   verify,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Run sweeps once. Returns how many events were marked pending
// verification; per-event failures are logged and skipped.
func (j *Job) Run(ctx context.Context) (int, error) {
	now := j.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	stale, err := j.events.StaleActive(ctx, now, startOfDay)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, event := range stale {
		if ctx.Err() != nil {
			return marked, ctx.Err()
		}

		if err := j.events.MarkPendingVerification(ctx, event.ID); err != nil {
			j.logger.Warn("failed to mark event pending verification",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
			continue
		}

		payload, _ := json.Marshal(map[string]string{
			"stage":  string(event.Stage),
			"reason": removalReason,
		})
		if _, err := j.timeline.Append(ctx, &property.TimelineEntry{
			ID:          uuid.New(),
			PropertyID:  event.PropertyID,
			Kind:        property.KindListingRemoved,
			OccurredAt:  now,
			SourceLabel: "reconciliation",
			Description: "Listing no longer present at source; " + removalReason,
			Payload:     payload,
		}); err != nil {
			j.logger.Warn("failed to append removal entry",
				zap.String("property_id", event.PropertyID.String()),
				zap.Error(err))
		}

		if err := j.verify.EnqueueVerification(ctx, event.PropertyID, event.ID, removalReason); err != nil {
			j.logger.Warn("failed to queue verification task",
				zap.String("event_id", event.ID.String()),
				zap.Error(err))
		}

		marked++
	}

	j.logger.Info("reconciliation sweep complete",
		zap.Int("stale_events", len(stale)),
		zap.Int("marked", marked))
	return marked, nil
}

// NextRunAfter returns the next occurrence of the configured local hour
// strictly after the given time.
func NextRunAfter(after time.Time, hour int) time.Time {
	next := time.Date(after.Year(), after.Month(), after.Day(), hour, 0, 0, 0, after.Location())
	if !next.After(after) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
