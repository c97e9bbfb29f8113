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
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// PropertyRepository is the Postgres implementation of PropertyStore.
type PropertyRepository struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPropertyRepository creates a PropertyRepository.
func NewPropertyRepository(db *sqlx.DB, logger *zap.Logger) *PropertyRepository {
	return &PropertyRepository{db: db, logger: logger}
}

// propertyRow flattens the nested domain struct for sqlx scanning.
type propertyRow struct {
	ID                 uuid.UUID  `db:"id"`
	DedupeKey          string     `db:"dedupe_key"`
	AddressFull        string     `db:"address_full"`
	Street             string     `db:"street"`
	City               string     `db:"city"`
	County             *string    `db:"county"`
	State              string     `db:"state"`
	Zip                string     `db:"zip"`
	Lat                *float64   `db:"lat"`
	Lng                *float64   `db:"lng"`
	Beds               *int       `db:"beds"`
	Baths              *float64   `db:"baths"`
	LotSizeSqft        *int       `db:"lot_size_sqft"`
	PropertyType       *string    `db:"property_type"`
	Occupancy          *string    `db:"occupancy"`
	EstimatedValue     *float64   `db:"estimated_value"`
	AIScore            *int       `db:"ai_score"`
	HeuristicBand      string     `db:"heuristic_band"`
	AnalyzedBand       *string    `db:"analyzed_band"`
	AISummary          *string    `db:"ai_summary"`
	AIRationale        *string    `db:"ai_rationale"`
	AnalyzedAt         *time.Time `db:"analyzed_at"`
	SourceType         string     `db:"source_type"`
	SourceName         string     `db:"source_name"`
	SourceURL          *string    `db:"source_url"`
	SourceReliability  float64    `db:"source_reliability"`
	RelatedParcelID    *uuid.UUID `db:"related_parcel_id"`
	EnrichmentDirty    bool       `db:"enrichment_dirty"`
	IngestionTimestamp time.Time  `db:"ingestion_timestamp"`
	LastUpdated        time.Time  `db:"last_updated"`
	LastIngestedAt     time.Time  `db:"last_ingested_at"`
}

const propertyColumns = `id, dedupe_key, address_full, street, city, county, state, zip,
	lat, lng, beds, baths, lot_size_sqft, property_type, occupancy,
	estimated_value, ai_score, heuristic_band, analyzed_band, ai_summary, ai_rationale, analyzed_at,
	source_type, source_name, source_url, source_reliability,
	related_parcel_id, enrichment_dirty, ingestion_timestamp, last_updated, last_ingested_at`

func (r *propertyRow) toDomain() *property.Property {
	p := &property.Property{
		ID:        r.ID,
		DedupeKey: r.DedupeKey,
		Address: property.Address{
			Full:   r.AddressFull,
			Street: r.Street,
			City:   r.City,
			State:  r.State,
			Zip:    r.Zip,
			Lat:    r.Lat,
			Lng:    r.Lng,
		},
		Physical: property.Physical{
			Beds:         r.Beds,
			Baths:        r.Baths,
			LotSizeSqft:  r.LotSizeSqft,
			PropertyType: r.PropertyType,
			Occupancy:    r.Occupancy,
		},
		Valuation: property.Valuation{
			EstimatedValue: r.EstimatedValue,
		},
		Risk: property.RiskAnalysis{
			Score:         r.AIScore,
			HeuristicBand: property.RiskBand(r.HeuristicBand),
			Summary:       r.AISummary,
			Rationale:     r.AIRationale,
			AnalyzedAt:    r.AnalyzedAt,
		},
		Source: property.Source{
			Type:        property.SourceType(r.SourceType),
			Name:        r.SourceName,
			DetailURL:   r.SourceURL,
			Reliability: r.SourceReliability,
		},
		RelatedParcelID:    r.RelatedParcelID,
		EnrichmentDirty:    r.EnrichmentDirty,
		IngestionTimestamp: r.IngestionTimestamp,
		LastUpdated:        r.LastUpdated,
		LastIngestedAt:     r.LastIngestedAt,
	}
	if r.County != nil {
		p.Address.County = *r.County
	}
	if r.AnalyzedBand != nil {
		band := property.RiskBand(*r.AnalyzedBand)
		p.Risk.AnalyzedBand = &band
	}
	return p
}

func fromDomain(p *property.Property) map[string]interface{} {
	var county *string
	if p.Address.County != "" {
		county = &p.Address.County
	}
	var analyzedBand *string
	if p.Risk.AnalyzedBand != nil {
		band := string(*p.Risk.AnalyzedBand)
		analyzedBand = &band
	}
	return map[string]interface{}{
		"id":                  p.ID,
		"dedupe_key":          p.DedupeKey,
		"address_full":        p.Address.Full,
		"street":              p.Address.Street,
		"city":                p.Address.City,
		"county":              county,
		"state":               p.Address.State,
		"zip":                 p.Address.Zip,
		"lat":                 p.Address.Lat,
		"lng":                 p.Address.Lng,
		"beds":                p.Physical.Beds,
		"baths":               p.Physical.Baths,
		"lot_size_sqft":       p.Physical.LotSizeSqft,
		"property_type":       p.Physical.PropertyType,
		"occupancy":           p.Physical.Occupancy,
		"estimated_value":     p.Valuation.EstimatedValue,
		"ai_score":            p.Risk.Score,
		"heuristic_band":      string(p.Risk.HeuristicBand),
		"analyzed_band":       analyzedBand,
		"ai_summary":          p.Risk.Summary,
		"ai_rationale":        p.Risk.Rationale,
		"analyzed_at":         p.Risk.AnalyzedAt,
		"source_type":         string(p.Source.Type),
		"source_name":         p.Source.Name,
		"source_url":          p.Source.DetailURL,
		"source_reliability":  p.Source.Reliability,
		"related_parcel_id":   p.RelatedParcelID,
		"enrichment_dirty":    p.EnrichmentDirty,
		"ingestion_timestamp": p.IngestionTimestamp,
		"last_updated":        p.LastUpdated,
		"last_ingested_at":    p.LastIngestedAt,
	}
}

// FindByDedupeKey returns the property for the key, or (nil, nil) when
// the key has never been observed.
func (r *PropertyRepository) FindByDedupeKey(ctx context.Context, dedupeKey string) (*property.Property, error) {
	var row propertyRow
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE dedupe_key = $1`
	if err := r.db.GetContext(ctx, &row, query, dedupeKey); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.NewDatabaseError("find property by dedupe key", err)
	}
	return row.toDomain(), nil
}

// FindFuzzy scans properties sharing the exact zip and applies the
// Levenshtein ≤ 1 street fallback against each stored key. House number
// and unit must match exactly; only the street tolerates one edit.
func (r *PropertyRepository) FindFuzzy(ctx context.Context, parsed normalize.ParsedAddress) (*property.Property, error) {
	var rows []propertyRow
	query := `SELECT ` + propertyColumns + ` FROM properties WHERE zip = $1`
	if err := r.db.SelectContext(ctx, &rows, query, parsed.Zip); err != nil {
		return nil, errors.NewDatabaseError("find property candidates by zip", err)
	}

	wantStreet := normalize.StreetKey(parsed)
	wantUnit := parsed.Unit
	if wantUnit == "" {
		wantUnit = "nounit"
	}
	for i := range rows {
		number, street, unit, ok := splitDedupeKey(rows[i].DedupeKey)
		if !ok || number != parsed.Number || unit != wantUnit {
			continue
		}
		if normalize.Levenshtein(street, wantStreet) <= 1 {
			return rows[i].toDomain(), nil
		}
	}
	return nil, nil
}

// splitDedupeKey decomposes "state-zip-number-street...-unit".
func splitDedupeKey(key string) (number, street, unit string, ok bool) {
	parts := strings.Split(key, "-")
	if len(parts) < 5 {
		return "", "", "", false
	}
	number = parts[2]
	unit = parts[len(parts)-1]
	street = strings.Join(parts[3:len(parts)-1], "-")
	return number, street, unit, true
}

// Insert writes a new property row.
func (r *PropertyRepository) Insert(ctx context.Context, p *property.Property) error {
	query := `INSERT INTO properties (` + propertyColumns + `) VALUES (
		:id, :dedupe_key, :address_full, :street, :city, :county, :state, :zip,
		:lat, :lng, :beds, :baths, :lot_size_sqft, :property_type, :occupancy,
		:estimated_value, :ai_score, :heuristic_band, :analyzed_band, :ai_summary, :ai_rationale, :analyzed_at,
		:source_type, :source_name, :source_url, :source_reliability,
		:related_parcel_id, :enrichment_dirty, :ingestion_timestamp, :last_updated, :last_ingested_at)`
	if _, err := r.db.NamedExecContext(ctx, query, fromDomain(p)); err != nil {
		return errors.NewDatabaseError("insert property", err)
	}
	return nil
}

// UpdateByID rewrites the ingestion-owned columns of an existing property.
// ingestion_timestamp, related_parcel_id and the analyzed risk columns
// (written by SaveRiskAnalysis) are not touched.
func (r *PropertyRepository) UpdateByID(ctx context.Context, p *property.Property) error {
	query := `UPDATE properties SET
		address_full = :address_full, street = :street, city = :city, county = :county,
		state = :state, zip = :zip, lat = :lat, lng = :lng,
		beds = :beds, baths = :baths, lot_size_sqft = :lot_size_sqft,
		property_type = :property_type, occupancy = :occupancy,
		estimated_value = :estimated_value,
		heuristic_band = :heuristic_band,
		source_type = :source_type, source_name = :source_name,
		source_url = :source_url, source_reliability = :source_reliability,
		enrichment_dirty = :enrichment_dirty,
		last_updated = :last_updated, last_ingested_at = :last_ingested_at
	WHERE id = :id`
	result, err := r.db.NamedExecContext(ctx, query, fromDomain(p))
	if err != nil {
		return errors.NewDatabaseError("update property", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.NewNotFoundError("property")
	}
	return nil
}

// ChangedSince lists alert candidates: updated since the watermark or
// created within the 24 hours preceding now.
func (r *PropertyRepository) ChangedSince(ctx context.Context, watermark time.Time, now time.Time) ([]*property.Property, error) {
	var rows []propertyRow
	query := `SELECT ` + propertyColumns + ` FROM properties
		WHERE last_updated >= $1 OR ingestion_timestamp >= $2
		ORDER BY last_updated DESC`
	if err := r.db.SelectContext(ctx, &rows, query, watermark, now.Add(-24*time.Hour)); err != nil {
		return nil, errors.NewDatabaseError("list changed properties", err)
	}
	out := make([]*property.Property, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// EnrichmentDirty lists properties waiting for risk analysis, oldest
// update first so a backlog drains fairly.
func (r *PropertyRepository) EnrichmentDirty(ctx context.Context, limit int) ([]*property.Property, error) {
	var rows []propertyRow
	query := `SELECT ` + propertyColumns + ` FROM properties
		WHERE enrichment_dirty ORDER BY last_updated ASC LIMIT $1`
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.NewDatabaseError("list enrichment-dirty properties", err)
	}
	out := make([]*property.Property, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// SaveRiskAnalysis stores the analyzed fields and clears the dirty flag.
// The heuristic band column is untouched so the pre-enrichment contract
// stays assertable.
func (r *PropertyRepository) SaveRiskAnalysis(ctx context.Context, id uuid.UUID, risk property.RiskAnalysis) error {
	var analyzedBand *string
	if risk.AnalyzedBand != nil {
		band := string(*risk.AnalyzedBand)
		analyzedBand = &band
	}
	query := `UPDATE properties SET
		ai_score = $2, analyzed_band = $3, ai_summary = $4, ai_rationale = $5,
		analyzed_at = $6, enrichment_dirty = FALSE
	WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id, risk.Score, analyzedBand, risk.Summary, risk.Rationale, risk.AnalyzedAt)
	if err != nil {
		return errors.NewDatabaseError("save risk analysis", err)
	}
	if affected, err := result.RowsAffected(); err == nil && affected == 0 {
		return errors.NewNotFoundError("property")
	}
	return nil
}
