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

package alert

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	sharedmath "github.com/jordigilh/foreclosurewatch/pkg/shared/math"
)

// priceDropSignificantPct is the drop that makes a price change alertable.
const priceDropSignificantPct = 5.0

// matchesFilter evaluates every filter predicate conjunctively.
func matchesFilter(filter *listing.SavedSearchFilter, c candidate) bool {
	p := c.property

	if filter.Zip != "" && p.Address.Zip != filter.Zip {
		return false
	}
	if filter.City != "" && !strings.EqualFold(p.Address.City, filter.City) {
		return false
	}
	if len(filter.Cities) > 0 {
		found := false
		for _, city := range filter.Cities {
			if strings.EqualFold(p.Address.City, city) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.County != "" && !strings.EqualFold(p.Address.County, filter.County) {
		return false
	}

	if len(filter.Stages) > 0 {
		if c.event == nil {
			return false
		}
		found := false
		for _, stage := range filter.Stages {
			if string(c.event.Stage) == stage {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.MinEquityPct != nil {
		if p.Valuation.EquityPct == nil || *p.Valuation.EquityPct < *filter.MinEquityPct {
			return false
		}
	}
	if maxPrice := effectiveMaxPrice(filter); maxPrice != nil {
		if c.event == nil || c.event.OpeningBid == nil || *c.event.OpeningBid > *maxPrice {
			return false
		}
	}

	if len(filter.PropertyTypes) > 0 {
		if p.Physical.PropertyType == nil {
			return false
		}
		found := false
		for _, propertyType := range filter.PropertyTypes {
			if strings.EqualFold(*p.Physical.PropertyType, propertyType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.MinBeds != nil && (p.Physical.Beds == nil || *p.Physical.Beds < *filter.MinBeds) {
		return false
	}
	if filter.MaxBeds != nil && (p.Physical.Beds == nil || *p.Physical.Beds > *filter.MaxBeds) {
		return false
	}
	if filter.MinBaths != nil && (p.Physical.Baths == nil || *p.Physical.Baths < *filter.MinBaths) {
		return false
	}
	if filter.MaxBaths != nil && (p.Physical.Baths == nil || *p.Physical.Baths > *filter.MaxBaths) {
		return false
	}
	if filter.MinLotSqft != nil && (p.Physical.LotSizeSqft == nil || *p.Physical.LotSizeSqft < *filter.MinLotSqft) {
		return false
	}
	if filter.MaxLotSqft != nil && (p.Physical.LotSizeSqft == nil || *p.Physical.LotSizeSqft > *filter.MaxLotSqft) {
		return false
	}

	if filter.Geo != nil {
		if p.Address.Lat == nil || p.Address.Lng == nil {
			return false
		}
		distance := sharedmath.HaversineMiles(filter.Geo.Lat, filter.Geo.Lng, *p.Address.Lat, *p.Address.Lng)
		if distance > filter.Geo.RadiusMiles {
			return false
		}
	}

	return true
}

func effectiveMaxPrice(filter *listing.SavedSearchFilter) *float64 {
	if filter.MaxPrice != nil {
		return filter.MaxPrice
	}
	return filter.LegacyMaxPrice
}

// significantReasons applies the significance gate: a matched candidate
// only alerts when something the user cares about actually happened.
func (e *Engine) significantReasons(filter *listing.SavedSearchFilter, c candidate, now time.Time) []string {
	var reasons []string

	if now.Sub(c.property.IngestionTimestamp) < 24*time.Hour {
		reasons = append(reasons, "new listing")
	}

	wantsAuctionTiming := false
	for _, stage := range filter.Stages {
		if stage == string(property.StageSheriffSale) || stage == string(property.StageAuction) {
			wantsAuctionTiming = true
			break
		}
	}

	for _, entry := range c.changes {
		switch entry.Kind {
		case property.KindPriceChange:
			var payload struct {
				OriginalBid float64 `json:"original_bid"`
				NewBid      float64 `json:"new_bid"`
			}
			if err := json.Unmarshal(entry.Payload, &payload); err != nil || payload.OriginalBid == 0 {
				continue
			}
			dropPct := (payload.OriginalBid - payload.NewBid) / payload.OriginalBid * 100
			if dropPct > priceDropSignificantPct {
				reasons = append(reasons, "price drop")
			}
			if crossedEquityBoundary(filter, c, payload.OriginalBid) {
				reasons = append(reasons, "equity crossed threshold")
			}
		case property.KindSheriffSaleAdjourned:
			if wantsAuctionTiming {
				reasons = append(reasons, "sale date changed")
			}
		default:
			// Stage progressions carry a new_stage payload regardless of
			// the concrete timeline kind they were recorded under.
			var payload struct {
				NewStage string `json:"new_stage"`
				NewDate  string `json:"new_date"`
			}
			if err := json.Unmarshal(entry.Payload, &payload); err != nil {
				continue
			}
			if payload.NewStage != "" {
				reasons = append(reasons, "stage progression")
			} else if payload.NewDate != "" && wantsAuctionTiming {
				reasons = append(reasons, "sale date changed")
			}
		}
	}

	return dedupeReasons(reasons)
}

// crossedEquityBoundary reports whether the bid move pushed equity from
// below the search's threshold to at-or-above it.
func crossedEquityBoundary(filter *listing.SavedSearchFilter, c candidate, originalBid float64) bool {
	if filter.MinEquityPct == nil || c.property.Valuation.EstimatedValue == nil || c.property.Valuation.EquityPct == nil {
		return false
	}
	estimated := *c.property.Valuation.EstimatedValue
	if estimated <= 0 {
		return false
	}
	priorEquity := (estimated - originalBid) / estimated * 100
	return priorEquity < *filter.MinEquityPct && *c.property.Valuation.EquityPct >= *filter.MinEquityPct
}

func dedupeReasons(reasons []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, reason := range reasons {
		if !seen[reason] {
			seen[reason] = true
			out = append(out, reason)
		}
	}
	return out
}
