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

// Package storage persists the canonical model. The pipeline only sees
// the capability contracts declared here; Postgres and Redis provide them.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// PropertyStore is the lookup/insert/update contract for properties.
// FindByDedupeKey returns (nil, nil) when the key is unknown.
type PropertyStore interface {
	FindByDedupeKey(ctx context.Context, dedupeKey string) (*property.Property, error)
	// FindFuzzy applies the Levenshtein ≤ 1 street fallback among
	// properties sharing the exact zip and house number.
	FindFuzzy(ctx context.Context, parsed normalize.ParsedAddress) (*property.Property, error)
	Insert(ctx context.Context, p *property.Property) error
	UpdateByID(ctx context.Context, p *property.Property) error
	// ChangedSince lists alert candidates: updated since the watermark or
	// created in the last 24 hours.
	ChangedSince(ctx context.Context, watermark time.Time, now time.Time) ([]*property.Property, error)
	// EnrichmentDirty lists properties waiting for risk analysis.
	EnrichmentDirty(ctx context.Context, limit int) ([]*property.Property, error)
	// SaveRiskAnalysis stores the enrichment result and clears the dirty
	// flag. The heuristic band is never overwritten here.
	SaveRiskAnalysis(ctx context.Context, id uuid.UUID, risk property.RiskAnalysis) error
}

// EventStore manages the foreclosure-event lifecycle of a property.
type EventStore interface {
	ActiveEvent(ctx context.Context, propertyID uuid.UUID) (*property.ForeclosureEvent, error)
	// OpenEvent closes any currently active event and opens the given one.
	OpenEvent(ctx context.Context, event *property.ForeclosureEvent) error
	UpdateEvent(ctx context.Context, event *property.ForeclosureEvent) error
	// StaleActive lists active SHERIFF_SALE/AUCTION events whose sale date
	// has passed and whose property was not re-seen since the cutoff.
	StaleActive(ctx context.Context, saleDateOnOrBefore time.Time, notIngestedSince time.Time) ([]*property.ForeclosureEvent, error)
	MarkPendingVerification(ctx context.Context, eventID uuid.UUID) error
}

// TimelineStore is the append-only audit log. Append is idempotent on
// (property, kind, calendar day) and reports whether a row was written.
type TimelineStore interface {
	Append(ctx context.Context, entry *property.TimelineEntry) (bool, error)
	History(ctx context.Context, propertyID uuid.UUID) ([]property.TimelineEntry, error)
}

// SavedSearchStore serves the alert engine and the orchestrator.
type SavedSearchStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*property.SavedSearch, error)
	ListAlertEnabled(ctx context.Context) ([]property.SavedSearch, error)
	DisableAlerts(ctx context.Context, id uuid.UUID) error
}

// AlertHistoryStore implements the cooldown window.
type AlertHistoryStore interface {
	LastSent(ctx context.Context, userID, propertyID uuid.UUID) (*time.Time, error)
	Record(ctx context.Context, record property.AlertRecord) error
}

// DeadLetterQueue parks rows that failed ingestion for human review.
type DeadLetterQueue interface {
	EnqueueRaw(ctx context.Context, adapterID string, raw listing.Raw, cause error) error
}

// BaselineTracker owns the 30-day moving average of batch sizes per
// (adapter, region), backing the yield-threshold guard.
type BaselineTracker interface {
	// Average returns the moving average and the number of samples behind
	// it. Zero samples means the guard has no baseline yet.
	Average(ctx context.Context, adapterID, region string) (avg float64, samples int, err error)
	// Record appends today's observed batch size.
	Record(ctx context.Context, adapterID, region string, count int) error
}

// VerificationQueue receives post-sale verification tasks from the
// reconciliation job. Nothing consumes it yet; a verification adapter is
// the intended consumer.
type VerificationQueue interface {
	EnqueueVerification(ctx context.Context, propertyID, eventID uuid.UUID, reason string) error
}
