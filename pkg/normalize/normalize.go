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

package normalize

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// ErrSkip is the sentinel returned when a raw row cannot become a
// canonical record: the address does not parse beyond a zip, or the row
// carries neither a price nor a date nor a status. Callers count these in
// itemsSkippedNormalization.
var ErrSkip = errors.New("listing skipped by normalization")

// Candidate is the canonical record derived from one raw listing, ready
// for the upsert engine.
type Candidate struct {
	DedupeKey string
	Parsed    ParsedAddress
	Address   property.Address
	Physical  property.Physical

	Stage          property.Stage
	Status         string
	SaleDate       *time.Time
	OpeningBid     *float64
	EstimatedValue *float64
	JudgmentAmount *float64
	EquityAmount   *float64
	EquityPct      *float64
	HeuristicBand  property.RiskBand

	Plaintiff  string
	Defendant  string
	OwnerPhone string

	Source property.Source
}

// Normalize converts a raw listing into a Candidate. Pure: repeated calls
// on equal input produce equal candidates.
func Normalize(raw listing.Raw, source property.Source, keywords StageKeywords) (*Candidate, error) {
	parsed, ok := CanonicalizeAddress(raw.Address)
	if !ok {
		return nil, ErrSkip
	}

	candidate := &Candidate{
		Parsed:         parsed,
		Status:         strings.TrimSpace(raw.Status),
		SaleDate:       ParseSaleDate(raw.SaleDateText),
		OpeningBid:     ParseMoney(raw.OpeningBidText),
		EstimatedValue: ParseMoney(raw.EstimatedValueText),
		JudgmentAmount: ParseMoney(raw.JudgmentAmountText),
		OwnerPhone:     strings.TrimSpace(raw.OwnerPhone),
		Source:         source,
	}

	if candidate.OpeningBid == nil && candidate.EstimatedValue == nil &&
		candidate.SaleDate == nil && candidate.Status == "" {
		return nil, ErrSkip
	}

	if parsed.State == "" {
		parsed.State = "nj"
		candidate.Parsed.State = "nj"
	}
	candidate.DedupeKey = DedupeKey(candidate.Parsed)

	candidate.Address = property.Address{
		Full:   strings.Join(strings.Fields(raw.Address), " "),
		Street: strings.TrimSpace(parsed.Number + " " + strings.Join(parsed.StreetTokens, " ")),
		City:   parsed.City,
		State:  strings.ToUpper(parsed.State),
		Zip:    parsed.Zip,
	}

	candidate.Stage = InferStage(raw.StageHint, raw.Status, keywords)

	candidate.Plaintiff = strings.TrimSpace(raw.Plaintiff)
	candidate.Defendant = strings.TrimSpace(raw.Defendant)
	if candidate.Plaintiff == "" && candidate.Defendant == "" && raw.CaseTitle != "" {
		candidate.Plaintiff, candidate.Defendant = SplitCaseTitle(raw.CaseTitle)
	}

	candidate.Physical = parsePhysical(raw)

	valuation := property.Valuation{EstimatedValue: candidate.EstimatedValue}
	valuation.ComputeEquity(candidate.OpeningBid)
	candidate.EquityAmount = valuation.EquityAmount
	candidate.EquityPct = valuation.EquityPct
	candidate.HeuristicBand = HeuristicBand(candidate.EquityPct)

	return candidate, nil
}

func parsePhysical(raw listing.Raw) property.Physical {
	var physical property.Physical
	if beds, err := strconv.Atoi(strings.TrimSpace(raw.BedsText)); err == nil && beds > 0 {
		physical.Beds = &beds
	}
	if baths, err := strconv.ParseFloat(strings.TrimSpace(raw.BathsText), 64); err == nil && baths > 0 {
		physical.Baths = &baths
	}
	if lot := ParseMoney(raw.LotSizeText); lot != nil && *lot > 0 {
		size := int(*lot)
		physical.LotSizeSqft = &size
	}
	if propertyType := strings.TrimSpace(raw.PropertyType); propertyType != "" {
		physical.PropertyType = &propertyType
	}
	if occupancy := strings.TrimSpace(raw.Occupancy); occupancy != "" {
		physical.Occupancy = &occupancy
	}
	return physical
}
