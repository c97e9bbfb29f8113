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

// SavedSearchRepository is the Postgres implementation of SavedSearchStore.
type SavedSearchRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewSavedSearchRepository creates a SavedSearchRepository.
func NewSavedSearchRepository(db *sqlx.DB, logger *zap.Logger) *SavedSearchRepository {
	return &SavedSearchRepository{db: db, logger: logger}
}

const savedSearchColumns = `id, user_id, name, filter, alerts_enabled, created_at, updated_at`

// GetByID loads one saved search.
func (r *SavedSearchRepository) GetByID(ctx context.Context, id uuid.UUID) (*property.SavedSearch, error) {
	var search property.SavedSearch
	query := `SELECT ` + savedSearchColumns + ` FROM saved_searches WHERE id = $1`
	if err := r.db.GetContext(ctx, &search, query, id); err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("saved search")
		}
		return nil, errors.NewDatabaseError("load saved search", err)
	}
	return &search, nil
}

// ListAlertEnabled lists every saved search with alerts on.
func (r *SavedSearchRepository) ListAlertEnabled(ctx context.Context) ([]property.SavedSearch, error) {
	var searches []property.SavedSearch
	query := `SELECT ` + savedSearchColumns + ` FROM saved_searches WHERE alerts_enabled`
	if err := r.db.SelectContext(ctx, &searches, query); err != nil {
		return nil, errors.NewDatabaseError("list alert-enabled searches", err)
	}
	return searches, nil
}

// DisableAlerts turns alerts off for exactly one saved search; the
// one-click unsubscribe path.
func (r *SavedSearchRepository) DisableAlerts(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE saved_searches SET alerts_enabled = FALSE, updated_at = $2 WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		return errors.NewDatabaseError("disable saved-search alerts", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.NewNotFoundError("saved search")
	}
	return nil
}
