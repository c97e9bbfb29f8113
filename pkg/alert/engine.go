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

// Package alert matches recently-changed properties against saved
// searches and delivers grouped, noise-reduced notifications.
package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/metrics"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

// Match is one property that qualified for one saved search.
type Match struct {
	Property *property.Property
	Event    *property.ForeclosureEvent
	Reasons  []string
}

// Digest is the per-user notification bundle.
type Digest struct {
	UserID       uuid.UUID
	SearchIDs    []uuid.UUID
	SearchNames  []string
	Matches      []Match
	TotalMatches int
	Truncated    bool
}

// Notifier delivers one digest over a channel.
type Notifier interface {
	Name() string
	Deliver(ctx context.Context, digest Digest) error
}

// RunReport summarizes one alert pass.
type RunReport struct {
	Candidates int
	Digests    int
	Notified   int
	Suppressed int
	Errors     int
}

// Engine evaluates saved searches against the change window.
type Engine struct {
	properties storage.PropertyStore
	events     storage.EventStore
	timeline   storage.TimelineStore
	searches   storage.SavedSearchStore
	history    storage.AlertHistoryStore
	notifiers  []Notifier
	cooldown   time.Duration
	digestCap  int
	logger     *zap.Logger
	now        func() time.Time
}

// EngineDeps bundles the engine's collaborators.
type EngineDeps struct {
	Properties storage.PropertyStore
	Events     storage.EventStore
	Timeline   storage.TimelineStore
	Searches   storage.SavedSearchStore
	History    storage.AlertHistoryStore
	Notifiers  []Notifier
	Cooldown   time.Duration
	DigestCap  int
	Logger     *zap.Logger
	Now        func() time.Time
}

// NewEngine wires an Engine.
func NewEngine(deps EngineDeps) *Engine {
	cooldown := deps.Cooldown
	if cooldown <= 0 {
		cooldown = 7 * 24 * time.Hour
	}
	digestCap := deps.DigestCap
	if digestCap <= 0 {
		digestCap = 50
	}
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		properties: deps.Properties,
		events:     deps.Events,
		timeline:   deps.Timeline,
		searches:   deps.Searches,
		history:    deps.History,
		notifiers:  deps.Notifiers,
		cooldown:   cooldown,
		digestCap:  digestCap,
		logger:     deps.Logger,
		now:        now,
	}
}

// candidate carries one property with its event and change window.
type candidate struct {
	property *property.Property
	event    *property.ForeclosureEvent
	changes  []property.TimelineEntry
}

// Run executes one alert pass over everything changed since the
// watermark. A failing match or notifier never blocks the others.
func (e *Engine) Run(ctx context.Context, lastRun time.Time) (*RunReport, error) {
	report := &RunReport{}
	now := e.now()

	changed, err := e.properties.ChangedSince(ctx, lastRun, now)
	if err != nil {
		return nil, err
	}
	report.Candidates = len(changed)
	if len(changed) == 0 {
		return report, nil
	}

	searches, err := e.searches.ListAlertEnabled(ctx)
	if err != nil {
		return nil, err
	}
	if len(searches) == 0 {
		return report, nil
	}

	candidates := e.loadCandidates(ctx, changed, lastRun, report)

	// userID -> digest under construction
	digests := map[uuid.UUID]*Digest{}
	// userID -> property ids already in the digest (cross-search dedupe)
	seen := map[uuid.UUID]map[uuid.UUID]bool{}

	for _, search := range searches {
		var filter listing.SavedSearchFilter
		if err := json.Unmarshal(search.Filter, &filter); err != nil {
			e.logger.Warn("saved-search filter does not parse, skipping",
				zap.String("search_id", search.ID.String()),
				zap.Error(err))
			report.Errors++
			continue
		}

		matchedAny := false
		for _, c := range candidates {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}

			if !matchesFilter(&filter, c) {
				continue
			}
			reasons := e.significantReasons(&filter, c, now)
			if len(reasons) == 0 {
				continue
			}

			suppressed, err := e.inCooldown(ctx, search.UserID, c.property.ID, now)
			if err != nil {
				e.logger.Warn("cooldown lookup failed, suppressing to be safe",
					zap.String("property_id", c.property.ID.String()),
					zap.Error(err))
				report.Errors++
				continue
			}
			if suppressed {
				report.Suppressed++
				continue
			}

			digest, ok := digests[search.UserID]
			if !ok {
				digest = &Digest{UserID: search.UserID}
				digests[search.UserID] = digest
				seen[search.UserID] = map[uuid.UUID]bool{}
			}
			if !matchedAny {
				digest.SearchIDs = append(digest.SearchIDs, search.ID)
				digest.SearchNames = append(digest.SearchNames, search.Name)
				matchedAny = true
			}
			if seen[search.UserID][c.property.ID] {
				continue
			}
			seen[search.UserID][c.property.ID] = true

			digest.TotalMatches++
			if len(digest.Matches) < e.digestCap {
				digest.Matches = append(digest.Matches, Match{
					Property: c.property,
					Event:    c.event,
					Reasons:  reasons,
				})
			} else {
				digest.Truncated = true
			}
		}
	}

	for _, digest := range digests {
		if digest.TotalMatches == 0 {
			continue
		}
		report.Digests++
		e.deliver(ctx, *digest, now, report)
	}
	metrics.RecordAlerts(report.Notified, report.Suppressed)
	return report, nil
}

// Unsubscribe disables alerts for exactly the originating saved search.
func (e *Engine) Unsubscribe(ctx context.Context, searchID uuid.UUID) error {
	return e.searches.DisableAlerts(ctx, searchID)
}

func (e *Engine) loadCandidates(ctx context.Context, changed []*property.Property, lastRun time.Time, report *RunReport) []candidate {
	candidates := make([]candidate, 0, len(changed))
	for _, p := range changed {
		event, err := e.events.ActiveEvent(ctx, p.ID)
		if err != nil {
			e.logger.Warn("active event unreadable, skipping candidate",
				zap.String("property_id", p.ID.String()),
				zap.Error(err))
			report.Errors++
			continue
		}
		if event != nil {
			p.Valuation.ComputeEquity(event.OpeningBid)
		}

		history, err := e.timeline.History(ctx, p.ID)
		if err != nil {
			e.logger.Warn("timeline unreadable, skipping candidate",
				zap.String("property_id", p.ID.String()),
				zap.Error(err))
			report.Errors++
			continue
		}
		var recent []property.TimelineEntry
		for _, entry := range history {
			if !entry.OccurredAt.Before(lastRun) {
				recent = append(recent, entry)
			}
		}

		candidates = append(candidates, candidate{property: p, event: event, changes: recent})
	}
	return candidates
}

func (e *Engine) inCooldown(ctx context.Context, userID, propertyID uuid.UUID, now time.Time) (bool, error) {
	lastSent, err := e.history.LastSent(ctx, userID, propertyID)
	if err != nil {
		return false, err
	}
	return lastSent != nil && now.Sub(*lastSent) < e.cooldown, nil
}

func (e *Engine) deliver(ctx context.Context, digest Digest, now time.Time, report *RunReport) {
	delivered := false
	for _, notifier := range e.notifiers {
		if err := notifier.Deliver(ctx, digest); err != nil {
			e.logger.Warn("notifier delivery failed",
				zap.String("notifier", notifier.Name()),
				zap.String("user_id", digest.UserID.String()),
				zap.Error(err))
			report.Errors++
			continue
		}
		delivered = true
	}
	if !delivered {
		return
	}

	for _, match := range digest.Matches {
		if err := e.history.Record(ctx, property.AlertRecord{
			UserID:     digest.UserID,
			PropertyID: match.Property.ID,
			SentAt:     now,
		}); err != nil {
			e.logger.Warn("failed to record alert history",
				zap.String("property_id", match.Property.ID.String()),
				zap.Error(err))
			report.Errors++
		}
	}
	report.Notified += len(digest.Matches)
}
