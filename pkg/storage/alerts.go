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
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// AlertHistoryRepository is the Postgres implementation of AlertHistoryStore.
type AlertHistoryRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewAlertHistoryRepository creates an AlertHistoryRepository.
func NewAlertHistoryRepository(db *sqlx.DB, logger *zap.Logger) *AlertHistoryRepository {
	return &AlertHistoryRepository{db: db, logger: logger}
}

// LastSent returns the most recent alert timestamp for the pair, or
// (nil, nil) when no alert has ever been sent.
func (r *AlertHistoryRepository) LastSent(ctx context.Context, userID, propertyID uuid.UUID) (*time.Time, error) {
	var sentAt time.Time
	query := `SELECT sent_at FROM alert_history
		WHERE user_id = $1 AND property_id = $2
		ORDER BY sent_at DESC LIMIT 1`
	if err := r.db.GetContext(ctx, &sentAt, query, userID, propertyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("read alert history", err)
	}
	return &sentAt, nil
}

// Record persists one emitted alert.
func (r *AlertHistoryRepository) Record(ctx context.Context, record property.AlertRecord) error {
	query := `INSERT INTO alert_history (user_id, property_id, sent_at) VALUES ($1, $2, $3)`
	if _, err := r.db.ExecContext(ctx, query, record.UserID, record.PropertyID, record.SentAt); err != nil {
		return errors.NewDatabaseError("record alert", err)
	}
	return nil
}
