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

// Package property holds the canonical domain model: the deduplicated
// property record, its foreclosure event lifecycle, the append-only
// timeline, and the saved-search entities the alert engine evaluates.
package property

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Stage is the foreclosure lifecycle stage of the active event.
type Stage string

const (
	StagePreForeclosure Stage = "PRE_FORECLOSURE"
	StageSheriffSale    Stage = "SHERIFF_SALE"
	StageAuction        Stage = "AUCTION"
	StageREO            Stage = "REO"
	StageUnknown        Stage = "UNKNOWN"
)

// Rank orders stages for progression detection. SHERIFF_SALE and AUCTION
// share a rank: moving between them is a lateral change, not progress.
func (s Stage) Rank() int {
	switch s {
	case StagePreForeclosure:
		return 1
	case StageSheriffSale, StageAuction:
		return 2
	case StageREO:
		return 3
	default:
		return 0
	}
}

// RiskBand buckets a property's risk profile.
type RiskBand string

const (
	BandLow      RiskBand = "Low"
	BandModerate RiskBand = "Moderate"
	BandHigh     RiskBand = "High"
	BandUnknown  RiskBand = "Unknown"
)

// SourceType classifies how a listing reached the pipeline.
type SourceType string

const (
	SourceScraper SourceType = "Scraper"
	SourceManual  SourceType = "Manual"
	SourceAPI     SourceType = "API"
)

// TimelineKind is the audit event vocabulary. Entries are append-only.
type TimelineKind string

const (
	KindLisPendensFiled      TimelineKind = "LIS_PENDENS_FILED"
	KindSheriffSaleScheduled TimelineKind = "SHERIFF_SALE_SCHEDULED"
	KindSheriffSaleAdjourned TimelineKind = "SHERIFF_SALE_ADJOURNED"
	KindAuctionListed        TimelineKind = "AUCTION_LISTED"
	KindPriceChange          TimelineKind = "PRICE_CHANGE"
	KindSoldToPlaintiff      TimelineKind = "SOLD_TO_PLAINTIFF"
	KindSoldToThirdParty     TimelineKind = "SOLD_TO_THIRD_PARTY"
	KindListingRemoved       TimelineKind = "LISTING_REMOVED"
	KindFinalJudgment        TimelineKind = "FINAL_JUDGMENT"
)

// Address is the canonicalized location of a property.
type Address struct {
	Full   string   `db:"address_full"`
	Street string   `db:"street"`
	City   string   `db:"city"`
	County string   `db:"county"`
	State  string   `db:"state"`
	Zip    string   `db:"zip"`
	Lat    *float64 `db:"lat"`
	Lng    *float64 `db:"lng"`
}

// Physical holds the optional physical attributes of a property.
type Physical struct {
	Beds         *int     `db:"beds"`
	Baths        *float64 `db:"baths"`
	LotSizeSqft  *int     `db:"lot_size_sqft"`
	PropertyType *string  `db:"property_type"`
	Occupancy    *string  `db:"occupancy"`
}

// Valuation carries the estimated value and its derived equity figures.
// EquityPct is nil whenever EstimatedValue or the active opening bid is
// nil, or EstimatedValue is not positive.
type Valuation struct {
	EstimatedValue *float64 `db:"estimated_value"`
	EquityAmount   *float64 `db:"-"`
	EquityPct      *float64 `db:"-"`
}

// RiskAnalysis is the enrichment output. HeuristicBand is always present
// (derived from equity); the Analyzed fields are set only after a
// successful risk-service call and never overwrite the heuristic.
type RiskAnalysis struct {
	Score         *int       `db:"ai_score"`
	HeuristicBand RiskBand   `db:"heuristic_band"`
	AnalyzedBand  *RiskBand  `db:"analyzed_band"`
	Summary       *string    `db:"ai_summary"`
	Rationale     *string    `db:"ai_rationale"`
	AnalyzedAt    *time.Time `db:"analyzed_at"`
}

// Source records which adapter last observed the property and how much
// that adapter is trusted.
type Source struct {
	Type        SourceType `db:"source_type"`
	Name        string     `db:"source_name"`
	DetailURL   *string    `db:"source_url"`
	Reliability float64    `db:"source_reliability"`
}

// Property is the canonical deduplicated real-estate asset. Created on
// first observation of its dedupe key; never deleted.
type Property struct {
	ID        uuid.UUID `db:"id"`
	DedupeKey string    `db:"dedupe_key"`
	Address   Address
	Physical  Physical
	Valuation Valuation
	Risk      RiskAnalysis
	Source    Source

	// RelatedParcelID is the related-entity hook for block/lot matching.
	// Nothing populates it yet.
	RelatedParcelID *uuid.UUID `db:"related_parcel_id"`

	EnrichmentDirty    bool      `db:"enrichment_dirty"`
	IngestionTimestamp time.Time `db:"ingestion_timestamp"`
	LastUpdated        time.Time `db:"last_updated"`
	LastIngestedAt     time.Time `db:"last_ingested_at"`
}

// ForeclosureEvent is the temporal legal state attached to a property.
// At most one event per property is active.
type ForeclosureEvent struct {
	ID                  uuid.UUID  `db:"id"`
	PropertyID          uuid.UUID  `db:"property_id"`
	Stage               Stage      `db:"stage"`
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

// TimelineEntry is one immutable audit event on a property's history.
type TimelineEntry struct {
	ID          uuid.UUID       `db:"id"`
	PropertyID  uuid.UUID       `db:"property_id"`
	Kind        TimelineKind    `db:"kind"`
	OccurredAt  time.Time       `db:"occurred_at"`
	SourceLabel string          `db:"source_label"`
	Description string          `db:"description"`
	Payload     json.RawMessage `db:"payload"`
}

// SavedSearch is a user's persisted Buy Box.
type SavedSearch struct {
	ID            uuid.UUID       `db:"id"`
	UserID        uuid.UUID       `db:"user_id"`
	Name          string          `db:"name"`
	Filter        json.RawMessage `db:"filter"`
	AlertsEnabled bool            `db:"alerts_enabled"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

// AlertRecord is one emitted alert, used for cooldown suppression.
type AlertRecord struct {
	UserID     uuid.UUID `db:"user_id"`
	PropertyID uuid.UUID `db:"property_id"`
	SentAt     time.Time `db:"sent_at"`
}

// ComputeEquity fills the derived equity fields from the estimated value
// and the given opening bid, clearing them when the inputs do not allow a
// meaningful figure.
func (v *Valuation) ComputeEquity(openingBid *float64) {
	v.EquityAmount = nil
	v.EquityPct = nil
	if v.EstimatedValue == nil || openingBid == nil || *v.EstimatedValue <= 0 {
		return
	}
	amount := *v.EstimatedValue - *openingBid
	pct := amount / *v.EstimatedValue * 100
	v.EquityAmount = &amount
	v.EquityPct = &pct
}

// ScheduledKind maps a stage to the timeline kind emitted when a property
// first appears in that stage.
func (s Stage) ScheduledKind() TimelineKind {
	switch s {
	case StageSheriffSale:
		return KindSheriffSaleScheduled
	case StageAuction:
		return KindAuctionListed
	case StagePreForeclosure:
		return KindLisPendensFiled
	default:
		return KindAuctionListed
	}
}
