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

package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/adapter"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/metrics"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/shared/circuitbreaker"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

// AdapterIngestionSummary aggregates one adapter's run.
type AdapterIngestionSummary struct {
	AdapterID                 string `json:"adapterId"`
	RawCount                  int    `json:"rawCount"`
	NormalizedCount           int    `json:"normalizedCount"`
	CreatedCount              int    `json:"createdCount"`
	UpdatedCount              int    `json:"updatedCount"`
	ItemsSkippedNormalization int    `json:"itemsSkippedNormalization"`
	ItemsFailedProcessing     int    `json:"itemsFailedProcessing"`
	Error                     string `json:"error,omitempty"`
	ErrorKind                 string `json:"errorKind,omitempty"`
}

// IngestionResult is the overall outcome of one orchestrator run.
type IngestionResult struct {
	RunID      string                    `json:"runId"`
	StartedAt  time.Time                 `json:"startedAt"`
	FinishedAt time.Time                 `json:"finishedAt"`
	Summaries  []AdapterIngestionSummary `json:"summaries"`
}

// AllFailedWith reports whether every adapter summary carries the given
// error kind; used for the CLI exit-code contract.
func (r *IngestionResult) AllFailedWith(kind errors.ErrorType) bool {
	if len(r.Summaries) == 0 {
		return false
	}
	for _, summary := range r.Summaries {
		if summary.ErrorKind != string(kind) {
			return false
		}
	}
	return true
}

// Orchestrator owns one ingestion run end to end.
type Orchestrator struct {
	adapters    []adapter.Adapter
	profile     adapter.StateProfile
	upserter    *Upserter
	searches    storage.SavedSearchStore
	dlq         storage.DeadLetterQueue
	baseline    storage.BaselineTracker
	breakers    *circuitbreaker.Manager
	reliability func(adapterID string) float64
	sourceType  func(adapterID string) property.SourceType
	cfg         config.IngestionConfig
	logger      *zap.Logger
	now         func() time.Time
}

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Adapters    []adapter.Adapter
	Profile     adapter.StateProfile
	Upserter    *Upserter
	Searches    storage.SavedSearchStore
	DLQ         storage.DeadLetterQueue
	Baseline    storage.BaselineTracker
	Breakers    *circuitbreaker.Manager
	Reliability func(adapterID string) float64
	SourceType  func(adapterID string) property.SourceType
	Config      config.IngestionConfig
	Logger      *zap.Logger
	Now         func() time.Time
}

// NewOrchestrator wires an Orchestrator from its dependencies.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		adapters:    deps.Adapters,
		profile:     deps.Profile,
		upserter:    deps.Upserter,
		searches:    deps.Searches,
		dlq:         deps.DLQ,
		baseline:    deps.Baseline,
		breakers:    deps.Breakers,
		reliability: deps.Reliability,
		sourceType:  deps.SourceType,
		cfg:         deps.Config,
		logger:      deps.Logger,
		now:         now,
	}
}

// RunSavedSearch loads a saved search and runs ingestion with its derived
// parameters.
func (o *Orchestrator) RunSavedSearch(ctx context.Context, savedSearchID uuid.UUID) (*IngestionResult, error) {
	search, err := o.searches.GetByID(ctx, savedSearchID)
	if err != nil {
		return nil, err
	}
	var filter listing.SavedSearchFilter
	if err := json.Unmarshal(search.Filter, &filter); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "saved-search filter does not parse")
	}
	return o.Run(ctx, filter.Params(o.profile.State))
}

// Run executes one ingestion pass: every supporting adapter in parallel,
// each isolated behind its circuit breaker, yield guard and drift guard.
func (o *Orchestrator) Run(ctx context.Context, params listing.SearchParams) (*IngestionResult, error) {
	result := &IngestionResult{
		RunID:     uuid.NewString(),
		StartedAt: o.now(),
	}
	logger := o.logger.With(zap.String("run_id", result.RunID))

	selected := make([]adapter.Adapter, 0, len(o.adapters))
	for _, a := range o.adapters {
		if a.SupportsState(params.State) {
			selected = append(selected, a)
		}
	}
	logger.Info("ingestion run starting",
		zap.String("state", params.State),
		zap.Int("adapters", len(selected)))

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	for _, a := range selected {
		a := a
		group.Go(func() error {
			summary := o.runAdapter(groupCtx, a, params, logger)
			mu.Lock()
			result.Summaries = append(result.Summaries, summary)
			mu.Unlock()
			// Adapter failures are isolated; never abort sibling adapters.
			return nil
		})
	}
	_ = group.Wait()

	result.FinishedAt = o.now()
	metrics.RecordIngestionRun(result.FinishedAt.Sub(result.StartedAt))
	logger.Info("ingestion run finished",
		zap.Duration("elapsed", result.FinishedAt.Sub(result.StartedAt)),
		zap.Int("adapters", len(result.Summaries)))
	return result, nil
}

func (o *Orchestrator) runAdapter(ctx context.Context, a adapter.Adapter, params listing.SearchParams, logger *zap.Logger) AdapterIngestionSummary {
	summary := AdapterIngestionSummary{AdapterID: a.ID()}
	adapterLogger := logger.With(zap.String("adapter_id", a.ID()))

	deadline := o.cfg.AdapterDeadline.Std()
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	adapterCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	batch, err := o.fetchGuardedBatch(adapterCtx, a, params, adapterLogger)
	if err != nil {
		if adapterCtx.Err() == context.DeadlineExceeded {
			summary.Error = "timeout"
			summary.ErrorKind = string(errors.ErrorTypeTimeout)
		} else {
			summary.Error = err.Error()
			summary.ErrorKind = string(errors.TypeOf(err))
		}
		metrics.RecordAdapterFailure(a.ID(), summary.ErrorKind)
		adapterLogger.Warn("adapter batch rejected", zap.String("kind", summary.ErrorKind), zap.Error(err))
		return summary
	}

	summary.RawCount = len(batch)
	source := property.Source{
		Type:        o.sourceType(a.ID()),
		Name:        a.ID(),
		Reliability: o.reliability(a.ID()),
	}

	for i := range batch {
		if adapterCtx.Err() != nil {
			summary.Error = "timeout"
			summary.ErrorKind = string(errors.ErrorTypeTimeout)
			break
		}

		rowSource := source
		if batch[i].DetailURL != "" {
			url := batch[i].DetailURL
			rowSource.DetailURL = &url
		}

		candidate, err := normalize.Normalize(batch[i], rowSource, o.profile.StageKeywords)
		if err != nil {
			if err == normalize.ErrSkip {
				summary.ItemsSkippedNormalization++
				continue
			}
			summary.ItemsFailedProcessing++
			o.park(adapterCtx, a.ID(), batch[i], err, adapterLogger)
			continue
		}
		summary.NormalizedCount++

		upserted, err := o.upserter.Upsert(adapterCtx, candidate)
		if err != nil {
			summary.ItemsFailedProcessing++
			o.park(adapterCtx, a.ID(), batch[i], err, adapterLogger)
			continue
		}
		if upserted.Created {
			summary.CreatedCount++
			metrics.RecordUpsert(true)
		} else if upserted.Updated {
			summary.UpdatedCount++
			metrics.RecordUpsert(false)
		}
	}
	metrics.RecordAdapterBatch(a.ID(), summary.RawCount, summary.ItemsSkippedNormalization, summary.ItemsFailedProcessing)

	// A successfully processed batch feeds the next run's yield baseline.
	if err := o.baseline.Record(adapterCtx, a.ID(), params.State, summary.RawCount); err != nil {
		adapterLogger.Warn("baseline update failed", zap.Error(err))
	}

	adapterLogger.Info("adapter ingestion complete",
		zap.Int("raw", summary.RawCount),
		zap.Int("created", summary.CreatedCount),
		zap.Int("updated", summary.UpdatedCount),
		zap.Int("skipped", summary.ItemsSkippedNormalization),
		zap.Int("failed", summary.ItemsFailedProcessing))
	return summary
}

// fetchGuardedBatch runs search (with one automatic retry) plus the
// yield-threshold and schema-drift guards through the adapter's breaker,
// so repeated guard failures open the circuit.
func (o *Orchestrator) fetchGuardedBatch(ctx context.Context, a adapter.Adapter, params listing.SearchParams, logger *zap.Logger) ([]listing.Raw, error) {
	result, err := o.breakers.Execute(a.ID(), func() (interface{}, error) {
		batch, err := a.Search(ctx, params)
		if err != nil {
			if !errors.Retryable(err) {
				return nil, err
			}
			logger.Warn("search failed, retrying once", zap.Error(err))
			batch, err = a.Search(ctx, params)
			if err != nil {
				return nil, err
			}
		}

		if err := o.checkYield(ctx, a.ID(), params.State, len(batch)); err != nil {
			return nil, err
		}
		if err := checkSchemaDrift(a.ID(), batch, o.cfg.DriftThresholdPct); err != nil {
			return nil, err
		}
		return batch, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]listing.Raw), nil
}

// checkYield rejects a batch far below the 30-day moving average. With no
// recorded baseline the guard stays quiet.
func (o *Orchestrator) checkYield(ctx context.Context, adapterID, region string, batchSize int) error {
	avg, samples, err := o.baseline.Average(ctx, adapterID, region)
	if err != nil {
		o.logger.Warn("baseline read failed, skipping yield guard",
			zap.String("adapter_id", adapterID),
			zap.Error(err))
		return nil
	}
	if samples == 0 || avg <= 0 {
		return nil
	}
	threshold := o.cfg.YieldThresholdPct
	if threshold <= 0 {
		threshold = 0.10
	}
	if float64(batchSize) < threshold*avg {
		return errors.NewAnomalyError(adapterID, float64(batchSize), avg)
	}
	return nil
}

// checkSchemaDrift rejects a batch when too many rows lack an address or
// both sale date and status: a reordered or renamed page, not real data.
func checkSchemaDrift(adapterID string, batch []listing.Raw, threshold float64) error {
	if len(batch) == 0 {
		return nil
	}
	if threshold <= 0 {
		threshold = 0.20
	}
	bad := 0
	for _, row := range batch {
		if row.Address == "" || (row.SaleDateText == "" && row.Status == "") {
			bad++
		}
	}
	if float64(bad)/float64(len(batch)) > threshold {
		return errors.NewSchemaDriftError(adapterID, bad, len(batch))
	}
	return nil
}

func (o *Orchestrator) park(ctx context.Context, adapterID string, raw listing.Raw, cause error, logger *zap.Logger) {
	if o.dlq == nil {
		return
	}
	if err := o.dlq.EnqueueRaw(ctx, adapterID, raw, cause); err != nil {
		logger.Warn("failed to park row in DLQ", zap.Error(err))
	}
}
