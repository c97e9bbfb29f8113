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

// Package ingest drives one ingestion run: adapter fan-out, dedupe,
// reliability-gated merge, change detection and timeline writes.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

// ChangeKind labels a detected meaningful change.
type ChangeKind string

const (
	ChangePrice            ChangeKind = "price_change"
	ChangeStageProgression ChangeKind = "stage_progression"
	ChangeSaleDate         ChangeKind = "sale_date_change"
)

// priceChangeThresholdPct is the relative opening-bid move, in either
// direction, that counts as a price change.
const priceChangeThresholdPct = 5.0

// UpsertResult reports what one candidate did to the store.
type UpsertResult struct {
	PropertyID uuid.UUID
	Created    bool
	Updated    bool
	Changes    []ChangeKind
}

// Upserter applies normalized candidates to the property store under a
// per-dedupe-key lock.
type Upserter struct {
	properties storage.PropertyStore
	events     storage.EventStore
	timeline   storage.TimelineStore
	locks      *storage.KeyMutex
	logger     *zap.Logger
	now        func() time.Time
}

// UpserterOption customizes an Upserter.
type UpserterOption func(*Upserter)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) UpserterOption {
	return func(u *Upserter) { u.now = now }
}

// NewUpserter creates an Upserter.
func NewUpserter(properties storage.PropertyStore, events storage.EventStore, timeline storage.TimelineStore, locks *storage.KeyMutex, logger *zap.Logger, opts ...UpserterOption) *Upserter {
	u := &Upserter{
		properties: properties,
		events:     events,
		timeline:   timeline,
		locks:      locks,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upsert inserts or merges one candidate. Store writes are retried once
// on failure before the error escalates to the adapter summary.
func (u *Upserter) Upsert(ctx context.Context, candidate *normalize.Candidate) (*UpsertResult, error) {
	release, err := u.locks.Lock(ctx, candidate.DedupeKey)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "dedupe-key lock")
	}
	defer release()

	existing, err := u.properties.FindByDedupeKey(ctx, candidate.DedupeKey)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		// Typo guard: same zip + house number within one street edit.
		existing, err = u.properties.FindFuzzy(ctx, candidate.Parsed)
		if err != nil {
			return nil, err
		}
	}

	if existing == nil {
		return u.insert(ctx, candidate)
	}
	return u.merge(ctx, existing, candidate)
}

func (u *Upserter) insert(ctx context.Context, candidate *normalize.Candidate) (*UpsertResult, error) {
	now := u.now()
	p := &property.Property{
		ID:        uuid.New(),
		DedupeKey: candidate.DedupeKey,
		Address:   candidate.Address,
		Physical:  candidate.Physical,
		Valuation: property.Valuation{
			EstimatedValue: candidate.EstimatedValue,
			EquityAmount:   candidate.EquityAmount,
			EquityPct:      candidate.EquityPct,
		},
		Risk: property.RiskAnalysis{
			HeuristicBand: candidate.HeuristicBand,
		},
		Source:             candidate.Source,
		EnrichmentDirty:    true,
		IngestionTimestamp: now,
		LastUpdated:        now,
		LastIngestedAt:     now,
	}

	if err := u.withWriteRetry(ctx, "insert property", func() error {
		return u.properties.Insert(ctx, p)
	}); err != nil {
		return nil, err
	}

	event := u.eventFromCandidate(p.ID, candidate, now)
	if err := u.withWriteRetry(ctx, "open event", func() error {
		return u.events.OpenEvent(ctx, event)
	}); err != nil {
		return nil, err
	}

	kind := candidate.Stage.ScheduledKind()
	payload := map[string]interface{}{"stage": string(candidate.Stage)}
	if candidate.SaleDate != nil {
		payload["sale_date"] = candidate.SaleDate.Format("2006-01-02")
	}
	if candidate.OpeningBid != nil {
		payload["opening_bid"] = *candidate.OpeningBid
	}
	description := fmt.Sprintf("First observed via %s", candidate.Source.Name)
	if _, err := u.appendTimeline(ctx, p.ID, kind, candidate.Source.Name, description, payload, now); err != nil {
		return nil, err
	}

	u.logger.Info("property created",
		zap.String("property_id", p.ID.String()),
		zap.String("dedupe_key", p.DedupeKey),
		zap.String("stage", string(candidate.Stage)))

	return &UpsertResult{PropertyID: p.ID, Created: true}, nil
}

func (u *Upserter) merge(ctx context.Context, existing *property.Property, candidate *normalize.Candidate) (*UpsertResult, error) {
	now := u.now()
	result := &UpsertResult{PropertyID: existing.ID}

	activeEvent, err := u.events.ActiveEvent(ctx, existing.ID)
	if err != nil {
		return nil, err
	}

	// Change detection runs against the record as it stood before this
	// observation, regardless of whether the merge gate accepts values.
	var priorBid *float64
	var priorDate *time.Time
	priorStage := property.StageUnknown
	if activeEvent != nil {
		priorBid = activeEvent.OpeningBid
		priorDate = activeEvent.SaleDate
		priorStage = activeEvent.Stage
	}

	changes := detectChanges(priorBid, priorDate, priorStage, candidate)
	accepted := candidate.Source.Reliability >= existing.Source.Reliability

	fieldsModified := false
	if accepted {
		fieldsModified = applyMerge(existing, candidate)
	}

	anyChange := len(changes) > 0
	if anyChange || fieldsModified {
		existing.LastUpdated = now
		existing.EnrichmentDirty = true
		result.Updated = true
		result.Changes = changes
	}
	existing.LastIngestedAt = now

	if err := u.withWriteRetry(ctx, "update property", func() error {
		return u.properties.UpdateByID(ctx, existing)
	}); err != nil {
		return nil, err
	}

	if accepted && activeEvent != nil {
		u.applyEventMerge(activeEvent, candidate)
		stageProgressed := containsChange(changes, ChangeStageProgression)
		if stageProgressed {
			// Stage moved forward: close the old event, open a new one.
			next := u.eventFromCandidate(existing.ID, candidate, now)
			if err := u.withWriteRetry(ctx, "open progressed event", func() error {
				return u.events.OpenEvent(ctx, next)
			}); err != nil {
				return nil, err
			}
		} else {
			if err := u.withWriteRetry(ctx, "update event", func() error {
				return u.events.UpdateEvent(ctx, activeEvent)
			}); err != nil {
				return nil, err
			}
		}
	} else if activeEvent == nil && accepted {
		event := u.eventFromCandidate(existing.ID, candidate, now)
		if err := u.withWriteRetry(ctx, "reopen event", func() error {
			return u.events.OpenEvent(ctx, event)
		}); err != nil {
			return nil, err
		}
	}

	if err := u.appendChangeEntries(ctx, existing.ID, changes, priorBid, priorDate, priorStage, candidate, now); err != nil {
		return nil, err
	}

	return result, nil
}

// detectChanges computes the meaningful-change set against the prior
// active event.
func detectChanges(priorBid *float64, priorDate *time.Time, priorStage property.Stage, candidate *normalize.Candidate) []ChangeKind {
	var changes []ChangeKind

	if priorBid != nil && candidate.OpeningBid != nil && *priorBid != 0 {
		pct := (*candidate.OpeningBid - *priorBid) / *priorBid * 100
		if pct > priceChangeThresholdPct || pct < -priceChangeThresholdPct {
			changes = append(changes, ChangePrice)
		}
	}

	if candidate.Stage.Rank() > priorStage.Rank() {
		changes = append(changes, ChangeStageProgression)
	}

	if candidate.SaleDate != nil {
		if priorDate == nil || !sameDay(*priorDate, *candidate.SaleDate) {
			changes = append(changes, ChangeSaleDate)
		}
	}

	return changes
}

func sameDay(a, b time.Time) bool {
	return a.UTC().Format("2006-01-02") == b.UTC().Format("2006-01-02")
}

func containsChange(changes []ChangeKind, kind ChangeKind) bool {
	for _, c := range changes {
		if c == kind {
			return true
		}
	}
	return false
}

// applyMerge copies accepted candidate values onto the property. Returns
// whether anything actually changed.
func applyMerge(existing *property.Property, candidate *normalize.Candidate) bool {
	modified := false

	if candidate.EstimatedValue != nil && !floatPtrEqual(existing.Valuation.EstimatedValue, candidate.EstimatedValue) {
		existing.Valuation.EstimatedValue = candidate.EstimatedValue
		modified = true
	}
	if candidate.Physical.Occupancy != nil && !strPtrEqual(existing.Physical.Occupancy, candidate.Physical.Occupancy) {
		existing.Physical.Occupancy = candidate.Physical.Occupancy
		modified = true
	}
	if candidate.Physical.Beds != nil && !intPtrEqual(existing.Physical.Beds, candidate.Physical.Beds) {
		existing.Physical.Beds = candidate.Physical.Beds
		modified = true
	}
	if candidate.Physical.Baths != nil && !floatPtrEqual(existing.Physical.Baths, candidate.Physical.Baths) {
		existing.Physical.Baths = candidate.Physical.Baths
		modified = true
	}
	if candidate.Physical.LotSizeSqft != nil && !intPtrEqual(existing.Physical.LotSizeSqft, candidate.Physical.LotSizeSqft) {
		existing.Physical.LotSizeSqft = candidate.Physical.LotSizeSqft
		modified = true
	}
	if candidate.Physical.PropertyType != nil && !strPtrEqual(existing.Physical.PropertyType, candidate.Physical.PropertyType) {
		existing.Physical.PropertyType = candidate.Physical.PropertyType
		modified = true
	}

	// The incoming source becomes the source of record.
	if existing.Source.Name != candidate.Source.Name {
		existing.Source = candidate.Source
		modified = true
	}

	band := normalize.HeuristicBand(candidate.EquityPct)
	if existing.Risk.HeuristicBand != band && candidate.EquityPct != nil {
		existing.Risk.HeuristicBand = band
		modified = true
	}

	return modified
}

func (u *Upserter) applyEventMerge(event *property.ForeclosureEvent, candidate *normalize.Candidate) {
	if candidate.Status != "" {
		event.Status = &candidate.Status
	}
	if candidate.SaleDate != nil {
		event.SaleDate = candidate.SaleDate
	}
	if candidate.OpeningBid != nil {
		event.OpeningBid = candidate.OpeningBid
	}
	if candidate.JudgmentAmount != nil {
		event.JudgmentAmount = candidate.JudgmentAmount
	}
	if candidate.Plaintiff != "" {
		event.Plaintiff = &candidate.Plaintiff
	}
	if candidate.Defendant != "" {
		event.Defendant = &candidate.Defendant
	}
	if candidate.OwnerPhone != "" {
		event.OwnerPhone = &candidate.OwnerPhone
	}
}

func (u *Upserter) eventFromCandidate(propertyID uuid.UUID, candidate *normalize.Candidate, now time.Time) *property.ForeclosureEvent {
	event := &property.ForeclosureEvent{
		ID:         uuid.New(),
		PropertyID: propertyID,
		Stage:      candidate.Stage,
		SaleDate:   candidate.SaleDate,
		OpeningBid: candidate.OpeningBid,
		Active:     true,
		OpenedAt:   now,
	}
	if candidate.Status != "" {
		event.Status = &candidate.Status
	}
	if candidate.JudgmentAmount != nil {
		event.JudgmentAmount = candidate.JudgmentAmount
	}
	if candidate.Plaintiff != "" {
		event.Plaintiff = &candidate.Plaintiff
	}
	if candidate.Defendant != "" {
		event.Defendant = &candidate.Defendant
	}
	if candidate.OwnerPhone != "" {
		event.OwnerPhone = &candidate.OwnerPhone
	}
	return event
}

// appendChangeEntries writes one timeline entry per detected change with
// before/after payloads. Redundant duplicates are suppressed by the
// store's (property, kind, day) idempotence.
func (u *Upserter) appendChangeEntries(ctx context.Context, propertyID uuid.UUID, changes []ChangeKind, priorBid *float64, priorDate *time.Time, priorStage property.Stage, candidate *normalize.Candidate, now time.Time) error {
	for _, change := range changes {
		var kind property.TimelineKind
		payload := map[string]interface{}{}
		var description string

		switch change {
		case ChangePrice:
			kind = property.KindPriceChange
			payload["original_bid"] = *priorBid
			payload["new_bid"] = *candidate.OpeningBid
			description = fmt.Sprintf("Opening bid moved from %.0f to %.0f", *priorBid, *candidate.OpeningBid)
		case ChangeStageProgression:
			switch candidate.Stage {
			case property.StageREO:
				kind = property.KindSoldToPlaintiff
				description = "Reverted to lender after sale"
			default:
				kind = candidate.Stage.ScheduledKind()
				description = fmt.Sprintf("Advanced to %s", candidate.Stage)
			}
			payload["original_stage"] = string(priorStage)
			payload["new_stage"] = string(candidate.Stage)
		case ChangeSaleDate:
			if priorDate != nil {
				kind = property.KindSheriffSaleAdjourned
				payload["original_date"] = priorDate.Format("2006-01-02")
				payload["new_date"] = candidate.SaleDate.Format("2006-01-02")
				description = fmt.Sprintf("Sale adjourned to %s", candidate.SaleDate.Format("2006-01-02"))
			} else {
				kind = candidate.Stage.ScheduledKind()
				payload["new_date"] = candidate.SaleDate.Format("2006-01-02")
				description = fmt.Sprintf("Sale scheduled for %s", candidate.SaleDate.Format("2006-01-02"))
			}
		}

		if _, err := u.appendTimeline(ctx, propertyID, kind, candidate.Source.Name, description, payload, now); err != nil {
			return err
		}
	}
	return nil
}

func (u *Upserter) appendTimeline(ctx context.Context, propertyID uuid.UUID, kind property.TimelineKind, sourceLabel, description string, payload map[string]interface{}, now time.Time) (bool, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeInternal, "encode timeline payload")
	}
	inserted, err := u.timeline.Append(ctx, &property.TimelineEntry{
		ID:          uuid.New(),
		PropertyID:  propertyID,
		Kind:        kind,
		OccurredAt:  now,
		SourceLabel: sourceLabel,
		Description: description,
		Payload:     encoded,
	})
	if err != nil {
		return false, err
	}
	if !inserted {
		u.logger.Debug("timeline entry suppressed as duplicate",
			zap.String("property_id", propertyID.String()),
			zap.String("kind", string(kind)))
	}
	return inserted, nil
}

// withWriteRetry retries a store write once before escalating.
func (u *Upserter) withWriteRetry(ctx context.Context, operation string, write func() error) error {
	if err := write(); err != nil {
		if ctx.Err() != nil {
			return err
		}
		u.logger.Warn("store write failed, retrying once",
			zap.String("operation", operation),
			zap.Error(err))
		if err := write(); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeDatabase, "%s failed after retry", operation)
		}
	}
	return nil
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
