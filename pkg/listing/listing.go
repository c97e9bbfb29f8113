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

// Package listing defines the raw payload produced by source adapters and
// the normalized search parameters they consume. Everything here is
// unparsed source text; pkg/normalize owns the conversion to canonical
// records.
package listing

// Raw is one unparsed listing as scraped or imported from a source.
// All fields are source text verbatim; empty string means the source did
// not provide the field.
type Raw struct {
	Address            string
	Status             string
	StageHint          string
	SaleDateText       string
	OpeningBidText     string
	EstimatedValueText string
	JudgmentAmountText string
	CaseTitle          string
	Plaintiff          string
	Defendant          string
	OwnerPhone         string
	Occupancy          string
	PropertyType       string
	BedsText           string
	BathsText          string
	LotSizeText        string
	DetailURL          string
	SourceType         string
	SourceName         string

	// Debug carries opaque per-source metadata (row index, selector names)
	// for DLQ triage. Never parsed.
	Debug map[string]string
}

// SearchParams is the normalized query handed to every adapter.
type SearchParams struct {
	State    string
	City     string
	County   string
	Zip      string
	MaxPrice float64
	Stages   []string
}

// SavedSearchFilter is the serialized predicate stored on a saved search.
// Legacy payloads carry max_price; newer ones carry maxPrice. Params()
// resolves both plus the city-vs-cities preference.
type SavedSearchFilter struct {
	Zip            string    `json:"zip,omitempty"`
	City           string    `json:"city,omitempty"`
	Cities         []string  `json:"cities,omitempty"`
	County         string    `json:"county,omitempty"`
	Stages         []string  `json:"stages,omitempty"`
	MinEquityPct   *float64  `json:"min_equity_pct,omitempty"`
	MaxPrice       *float64  `json:"maxPrice,omitempty"`
	LegacyMaxPrice *float64  `json:"max_price,omitempty"`
	PropertyTypes  []string  `json:"property_types,omitempty"`
	MinBeds        *int      `json:"min_beds,omitempty"`
	MaxBeds        *int      `json:"max_beds,omitempty"`
	MinBaths       *float64  `json:"min_baths,omitempty"`
	MaxBaths       *float64  `json:"max_baths,omitempty"`
	MinLotSqft     *int      `json:"min_lot_sqft,omitempty"`
	MaxLotSqft     *int      `json:"max_lot_sqft,omitempty"`
	Geo            *GeoRange `json:"geo,omitempty"`
}

// GeoRange is the geospatial predicate of a saved search.
type GeoRange struct {
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
	RadiusMiles float64 `json:"radius_miles"`
}

// Params derives adapter search parameters from the filter. The explicit
// city wins over the first entry of the cities list; the modern maxPrice
// field wins over the legacy max_price spelling.
func (f *SavedSearchFilter) Params(state string) SearchParams {
	params := SearchParams{
		State:  state,
		City:   f.City,
		County: f.County,
		Zip:    f.Zip,
		Stages: f.Stages,
	}
	if params.City == "" && len(f.Cities) > 0 {
		params.City = f.Cities[0]
	}
	switch {
	case f.MaxPrice != nil:
		params.MaxPrice = *f.MaxPrice
	case f.LegacyMaxPrice != nil:
		params.MaxPrice = *f.LegacyMaxPrice
	}
	return params
}
