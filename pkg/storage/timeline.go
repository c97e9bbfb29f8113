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

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// TimelineRepository is the Postgres implementation of TimelineStore.
type TimelineRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewTimelineRepository creates a TimelineRepository.
func NewTimelineRepository(db *sqlx.DB, logger *zap.Logger) *TimelineRepository {
	return &TimelineRepository{db: db, logger: logger}
}

// Append inserts the entry unless an entry with the same (property, kind,
// calendar day) already exists. Returns whether a row was written, so the
// upsert engine can count suppressed duplicates.
func (r *TimelineRepository) Append(ctx context.Context, entry *property.TimelineEntry) (bool, error) {
	query := `INSERT INTO timeline_entries
		(id, property_id, kind, occurred_at, source_label, description, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (property_id, kind, (occurred_at::date)) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query,
		entry.ID, entry.PropertyID, string(entry.Kind), entry.OccurredAt,
		entry.SourceLabel, entry.Description, entry.Payload)
	if err != nil {
		return false, errors.NewDatabaseError("append timeline entry", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.NewDatabaseError("read timeline append result", err)
	}
	return affected > 0, nil
}

// History returns the property's timeline, newest first.
func (r *TimelineRepository) History(ctx context.Context, propertyID uuid.UUID) ([]property.TimelineEntry, error) {
	var entries []property.TimelineEntry
	query := `SELECT id, property_id, kind, occurred_at, source_label, description, payload
		FROM timeline_entries WHERE property_id = $1 ORDER BY occurred_at DESC`
	if err := r.db.SelectContext(ctx, &entries, query, propertyID); err != nil {
		return nil, errors.NewDatabaseError("read timeline history", err)
	}
	return entries, nil
}
