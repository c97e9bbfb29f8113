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

// EventRepository is the Postgres implementation of EventStore.
type EventRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewEventRepository creates an EventRepository.
func NewEventRepository(db *sqlx.DB, logger *zap.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

const eventColumns = `id, property_id, stage, status, sale_date, opening_bid, judgment_amount,
	plaintiff, defendant, owner_phone, active, pending_verification, opened_at, closed_at`

type eventRow struct {
	ID                  uuid.UUID  `db:"id"`
	PropertyID          uuid.UUID  `db:"property_id"`
	Stage               string     `db:"stage"`
	Status              *string    `db:"status"`
	SaleDate            *time.Time `db:"sale_date"`
	OpeningBid          *float64   `db:"opening_bid"`
	JudgmentAmount      *float64   `db:"judgment_amount"`
	Plaintiff           *string    `db:"plaintiff"`
	Defendant           *string    `db:"defendant"`
	OwnerPhone          *string    `db:"owner_phone"`
	Active              bool       `db:"active"`
	PendingVerification bool       `db:"pending_verification"`
	OpenedAt            time.Time  `db:"opened_at"`
	ClosedAt            *time.Time `db:"closed_at"`
}

func (r *eventRow) toDomain() *property.ForeclosureEvent {
	return &property.ForeclosureEvent{
		ID:                  r.ID,
		PropertyID:          r.PropertyID,
		Stage:               property.Stage(r.Stage),
		Status:              r.Status,
		SaleDate:            r.SaleDate,
		OpeningBid:          r.OpeningBid,
		JudgmentAmount:      r.JudgmentAmount,
		Plaintiff:           r.Plaintiff,
		Defendant:           r.Defendant,
		OwnerPhone:          r.OwnerPhone,
		Active:              r.Active,
		PendingVerification: r.PendingVerification,
		OpenedAt:            r.OpenedAt,
		ClosedAt:            r.ClosedAt,
	}
}

// ActiveEvent returns the property's active event, or (nil, nil) when
// none is open.
func (r *EventRepository) ActiveEvent(ctx context.Context, propertyID uuid.UUID) (*property.ForeclosureEvent, error) {
	var row eventRow
	query := `SELECT ` + eventColumns + ` FROM foreclosure_events WHERE property_id = $1 AND active`
	if err := r.db.GetContext(ctx, &row, query, propertyID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("find active event", err)
	}
	return row.toDomain(), nil
}

// OpenEvent closes any active event for the property and opens the given
// one in a single transaction, preserving the one-active-event invariant.
func (r *EventRepository) OpenEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.NewDatabaseError("begin open-event transaction", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	closeQuery := `UPDATE foreclosure_events SET active = FALSE, closed_at = $2
		WHERE property_id = $1 AND active`
	if _, err := tx.ExecContext(ctx, closeQuery, event.PropertyID, event.OpenedAt); err != nil {
		return errors.NewDatabaseError("close previous event", err)
	}

	insertQuery := `INSERT INTO foreclosure_events (` + eventColumns + `) VALUES
		($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		event.ID, event.PropertyID, string(event.Stage), event.Status, event.SaleDate,
		event.OpeningBid, event.JudgmentAmount, event.Plaintiff, event.Defendant,
		event.OwnerPhone, event.Active, event.PendingVerification, event.OpenedAt, event.ClosedAt); err != nil {
		return errors.NewDatabaseError("insert event", err)
	}

	if err := tx.Commit(); err != nil {
		return errors.NewDatabaseError("commit open-event transaction", err)
	}
	return nil
}

// UpdateEvent rewrites the mutable fields of an existing event.
func (r *EventRepository) UpdateEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	query := `UPDATE foreclosure_events SET
		stage = $2, status = $3, sale_date = $4, opening_bid = $5, judgment_amount = $6,
		plaintiff = $7, defendant = $8, owner_phone = $9, active = $10,
		pending_verification = $11, closed_at = $12
	WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query,
		event.ID, string(event.Stage), event.Status, event.SaleDate, event.OpeningBid,
		event.JudgmentAmount, event.Plaintiff, event.Defendant, event.OwnerPhone,
		event.Active, event.PendingVerification, event.ClosedAt)
	if err != nil {
		return errors.NewDatabaseError("update event", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.NewNotFoundError("foreclosure event")
	}
	return nil
}

// StaleActive lists active sale-stage events whose sale date has passed
// and whose property has not been re-seen since the cutoff. These are
// the vanish candidates the reconciliation job verifies.
func (r *EventRepository) StaleActive(ctx context.Context, saleDateOnOrBefore time.Time, notIngestedSince time.Time) ([]*property.ForeclosureEvent, error) {
	var rows []eventRow
	query := `SELECT e.` + eventColumnsAliased("e") + ` FROM foreclosure_events e
		JOIN properties p ON p.id = e.property_id
		WHERE e.active
		  AND NOT e.pending_verification
		  AND e.stage IN ('SHERIFF_SALE', 'AUCTION')
		  AND e.sale_date IS NOT NULL
		  AND e.sale_date <= $1
		  AND p.last_ingested_at < $2`
	if err := r.db.SelectContext(ctx, &rows, query, saleDateOnOrBefore, notIngestedSince); err != nil {
		return nil, errors.NewDatabaseError("list stale active events", err)
	}
	out := make([]*property.ForeclosureEvent, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// MarkPendingVerification flags the event without closing it; the
// outcome (sold vs adjourned) is unknown until verified.
func (r *EventRepository) MarkPendingVerification(ctx context.Context, eventID uuid.UUID) error {
	query := `UPDATE foreclosure_events SET pending_verification = TRUE WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, eventID)
	if err != nil {
		return errors.NewDatabaseError("mark event pending verification", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.NewNotFoundError("foreclosure event")
	}
	return nil
}

func eventColumnsAliased(alias string) string {
	return `id, ` + alias + `.property_id, ` + alias + `.stage, ` + alias + `.status, ` +
		alias + `.sale_date, ` + alias + `.opening_bid, ` + alias + `.judgment_amount, ` +
		alias + `.plaintiff, ` + alias + `.defendant, ` + alias + `.owner_phone, ` +
		alias + `.active, ` + alias + `.pending_verification, ` + alias + `.opened_at, ` + alias + `.closed_at`
}
