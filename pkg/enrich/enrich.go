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

// Package enrich wraps the external risk-analysis service: rate-limited,
// deadline-bounded, structurally validated, and always best-effort.
// Ingestion never blocks on it.
package enrich

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/metrics"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

// AnalysisRequest is the trimmed property view sent to the model. The
// timeline and raw source blobs are deliberately absent to bound token
// cost.
type AnalysisRequest struct {
	Address        string   `json:"address"`
	City           string   `json:"city"`
	State          string   `json:"state"`
	Stage          string   `json:"stage"`
	SaleDate       string   `json:"sale_date,omitempty"`
	OpeningBid     *float64 `json:"opening_bid,omitempty"`
	EstimatedValue *float64 `json:"estimated_value,omitempty"`
	EquityPct      *float64 `json:"equity_pct,omitempty"`
	Occupancy      string   `json:"occupancy,omitempty"`
	PropertyType   string   `json:"property_type,omitempty"`
	Notes          string   `json:"notes,omitempty"`
}

// ModelResponse is the schema the risk service must return. Anything
// that fails validation is treated as an error, not repaired.
type ModelResponse struct {
	Score     int    `json:"score" validate:"gte=0,lte=100"`
	Band      string `json:"band" validate:"oneof=Low Moderate High Unknown"`
	Summary   string `json:"summary" validate:"required"`
	Rationale string `json:"rationale" validate:"required"`
}

// RiskModel is the capability contract over the scoring provider.
type RiskModel interface {
	Analyze(ctx context.Context, request AnalysisRequest) (*ModelResponse, error)
}

// deepNegativeEquityPct short-circuits enrichment: below this equity the
// answer is always the same and not worth a model call.
const deepNegativeEquityPct = -20.0

// unavailableSummary marks a property whose enrichment attempt failed.
const unavailableSummary = "unavailable"

// Result is the outcome of one enrichment attempt.
type Result struct {
	Analysis      property.RiskAnalysis
	Skipped       bool
	FailureReason string
}

// Failed reports whether the attempt ended without an analyzed band.
func (r Result) Failed() bool {
	return r.FailureReason != ""
}

// Client enforces the rate limit, timeout and response contract around a
// RiskModel.
type Client struct {
	model    RiskModel
	limiter  *rate.Limiter
	validate *validator.Validate
	timeout  time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

// NewClient creates an enrichment client. tokensPerMinute feeds the
// process-wide token bucket.
func NewClient(model RiskModel, cfg config.EnrichmentConfig, logger *zap.Logger) *Client {
	tokens := cfg.TokensPerMinute
	if tokens <= 0 {
		tokens = 10
	}
	timeout := cfg.Timeout.Std()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		model:    model,
		limiter:  rate.NewLimiter(rate.Limit(float64(tokens)/60.0), tokens),
		validate: validator.New(),
		timeout:  timeout,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Enrich produces a risk analysis for the property. It never returns an
// error: failures come back with FailureReason set, the summary
// "unavailable" and the heuristic band untouched.
func (c *Client) Enrich(ctx context.Context, p *property.Property, event *property.ForeclosureEvent) Result {
	now := c.now()

	if p.Valuation.EquityPct != nil && *p.Valuation.EquityPct < deepNegativeEquityPct {
		score := 0
		band := property.BandHigh
		summary := "auto-rejected: deep negative equity"
		rationale := "Opening bid exceeds the estimated value by more than twenty percent."
		return Result{
			Skipped: true,
			Analysis: property.RiskAnalysis{
				Score:         &score,
				HeuristicBand: p.Risk.HeuristicBand,
				AnalyzedBand:  &band,
				Summary:       &summary,
				Rationale:     &rationale,
				AnalyzedAt:    &now,
			},
		}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return c.failure(p, "rate-limiter wait cancelled", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.model.Analyze(callCtx, buildRequest(p, event))
	if err != nil {
		return c.failure(p, "model call failed", err)
	}
	if err := c.validate.Struct(response); err != nil {
		return c.failure(p, "schema-invalid response", err)
	}

	band := property.RiskBand(response.Band)
	return Result{
		Analysis: property.RiskAnalysis{
			Score:         &response.Score,
			HeuristicBand: p.Risk.HeuristicBand,
			AnalyzedBand:  &band,
			Summary:       &response.Summary,
			Rationale:     &response.Rationale,
			AnalyzedAt:    &now,
		},
	}
}

func (c *Client) failure(p *property.Property, reason string, cause error) Result {
	c.logger.Warn("enrichment failed, keeping heuristic band",
		zap.String("property_id", p.ID.String()),
		zap.String("reason", reason),
		zap.Error(cause))
	now := c.now()
	summary := unavailableSummary
	return Result{
		FailureReason: reason,
		Analysis: property.RiskAnalysis{
			HeuristicBand: p.Risk.HeuristicBand,
			Summary:       &summary,
			AnalyzedAt:    &now,
		},
	}
}

func buildRequest(p *property.Property, event *property.ForeclosureEvent) AnalysisRequest {
	request := AnalysisRequest{
		Address:        p.Address.Full,
		City:           p.Address.City,
		State:          p.Address.State,
		Stage:          string(property.StageUnknown),
		OpeningBid:     nil,
		EstimatedValue: p.Valuation.EstimatedValue,
		EquityPct:      p.Valuation.EquityPct,
	}
	if p.Physical.Occupancy != nil {
		request.Occupancy = *p.Physical.Occupancy
	}
	if p.Physical.PropertyType != nil {
		request.PropertyType = *p.Physical.PropertyType
	}
	if event != nil {
		request.Stage = string(event.Stage)
		request.OpeningBid = event.OpeningBid
		if event.SaleDate != nil {
			request.SaleDate = event.SaleDate.Format("2006-01-02")
		}
	}
	return request
}

// Worker drains the enrichment-dirty backlog after an ingestion run.
type Worker struct {
	client     *Client
	properties storage.PropertyStore
	events     storage.EventStore
	logger     *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(client *Client, properties storage.PropertyStore, events storage.EventStore, logger *zap.Logger) *Worker {
	return &Worker{client: client, properties: properties, events: events, logger: logger}
}

// Run enriches up to limit dirty properties. Every attempt — success,
// skip or failure — is persisted so the dirty flag clears and the reason
// is visible. Returns how many properties got an analyzed band.
func (w *Worker) Run(ctx context.Context, limit int) (int, error) {
	dirty, err := w.properties.EnrichmentDirty(ctx, limit)
	if err != nil {
		return 0, err
	}

	analyzed := 0
	for _, p := range dirty {
		if ctx.Err() != nil {
			return analyzed, errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "enrichment pass cancelled")
		}

		event, err := w.events.ActiveEvent(ctx, p.ID)
		if err != nil {
			w.logger.Warn("skipping enrichment, active event unreadable",
				zap.String("property_id", p.ID.String()),
				zap.Error(err))
			continue
		}

		if event != nil {
			p.Valuation.ComputeEquity(event.OpeningBid)
		}

		started := time.Now()
		result := w.client.Enrich(ctx, p, event)
		metrics.RecordEnrichment(time.Since(started), result.Failed())
		if err := w.properties.SaveRiskAnalysis(ctx, p.ID, result.Analysis); err != nil {
			w.logger.Warn("failed to persist risk analysis",
				zap.String("property_id", p.ID.String()),
				zap.Error(err))
			continue
		}
		if !result.Failed() {
			analyzed++
		}
	}
	return analyzed, nil
}
