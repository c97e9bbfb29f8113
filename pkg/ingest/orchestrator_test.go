package ingest

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/adapter"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/shared/circuitbreaker"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

func goodRow(address string) listing.Raw {
	return listing.Raw{
		Address:            address,
		StageHint:          "Sheriff Sale",
		Status:             "Scheduled",
		SaleDateText:       "2024-12-25",
		OpeningBidText:     "$150,000.00",
		EstimatedValueText: "$300,000",
		SourceType:         "Scraper",
		SourceName:         "civilview-hudson",
	}
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx        context.Context
		properties *memPropertyStore
		events     *memEventStore
		timeline   *memTimelineStore
		baseline   *memBaseline
		dlq        *memDLQ
		breakers   *circuitbreaker.Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		properties = newMemPropertyStore()
		events = newMemEventStore()
		timeline = newMemTimelineStore()
		baseline = newMemBaseline()
		dlq = newMemDLQ()
		breakers = circuitbreaker.NewManager(gobreaker.Settings{
			MaxRequests: 1,
			Timeout:     time.Hour,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	})

	newOrchestrator := func(adapters []adapter.Adapter, cfg config.IngestionConfig) *Orchestrator {
		upserter := NewUpserter(properties, events, timeline, storage.NewKeyMutex(), zap.NewNop())
		if cfg.AdapterDeadline == 0 {
			cfg.AdapterDeadline = config.Duration(5 * time.Second)
		}
		if cfg.YieldThresholdPct == 0 {
			cfg.YieldThresholdPct = 0.10
		}
		if cfg.DriftThresholdPct == 0 {
			cfg.DriftThresholdPct = 0.20
		}
		return NewOrchestrator(OrchestratorDeps{
			Adapters: adapters,
			Profile:  adapter.NJProfile(),
			Upserter: upserter,
			DLQ:      dlq,
			Baseline: baseline,
			Breakers: breakers,
			Reliability: func(string) float64 {
				return 0.85
			},
			SourceType: func(string) property.SourceType {
				return property.SourceScraper
			},
			Config: cfg,
			Logger: zap.NewNop(),
		})
	}

	It("should ingest a healthy batch and aggregate the summary", func() {
		src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
			goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
			goodRow("12 Main St, Newark, NJ 07102"),
			{Address: "garbage", Status: "Scheduled"}, // skipped by normalization
		}}}

		result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
			Run(ctx, listing.SearchParams{State: "NJ"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Summaries).To(HaveLen(1))

		summary := result.Summaries[0]
		Expect(summary.AdapterID).To(Equal("civilview-hudson"))
		Expect(summary.RawCount).To(Equal(3))
		Expect(summary.NormalizedCount).To(Equal(2))
		Expect(summary.CreatedCount).To(Equal(2))
		Expect(summary.ItemsSkippedNormalization).To(Equal(1))
		Expect(summary.ItemsFailedProcessing).To(BeZero())
		Expect(summary.Error).To(BeEmpty())
		Expect(properties.count()).To(Equal(2))
		Expect(result.FinishedAt.Before(result.StartedAt)).To(BeFalse())
	})

	It("should skip adapters that do not support the state", func() {
		nj := &scriptedAdapter{id: "nj-src", state: "NJ", batches: [][]listing.Raw{{}}}
		ny := &scriptedAdapter{id: "ny-src", state: "NY", batches: [][]listing.Raw{{}}}

		result, err := newOrchestrator([]adapter.Adapter{nj, ny}, config.IngestionConfig{}).
			Run(ctx, listing.SearchParams{State: "NJ"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Summaries).To(HaveLen(1))
		Expect(result.Summaries[0].AdapterID).To(Equal("nj-src"))
	})

	It("should retry a transient search failure once", func() {
		src := &scriptedAdapter{
			id: "civilview-hudson", state: "NJ",
			errs:    []error{errors.New(errors.ErrorTypeNetwork, "connection reset"), nil},
			batches: [][]listing.Raw{nil, {goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095")}},
		}

		result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
			Run(ctx, listing.SearchParams{State: "NJ"})
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Summaries[0].Error).To(BeEmpty())
		Expect(result.Summaries[0].CreatedCount).To(Equal(1))
	})

	Describe("yield-threshold guard", func() {
		It("should reject a batch far below the moving average and leave the store untouched", func() {
			baseline.setAverage("civilview-hudson", "NJ", 50)
			src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
				goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
				goodRow("12 Main St, Newark, NJ 07102"),
				goodRow("4 Elm St, Camden, NJ 08102"),
			}}}

			result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
				Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())

			summary := result.Summaries[0]
			Expect(summary.ErrorKind).To(Equal(string(errors.ErrorTypeAnomaly)))
			Expect(properties.count()).To(BeZero())
			Expect(timeline.count()).To(BeZero())
		})

		It("should pass a healthy batch against the same baseline", func() {
			baseline.setAverage("civilview-hudson", "NJ", 3)
			src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
				goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
				goodRow("12 Main St, Newark, NJ 07102"),
			}}}

			result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
				Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Summaries[0].Error).To(BeEmpty())
			Expect(properties.count()).To(Equal(2))
		})
	})

	Describe("schema-drift guard", func() {
		It("should reject a batch with too many rows missing critical fields", func() {
			rows := []listing.Raw{
				goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
				{Address: ""},
				{Address: ""},
			}
			src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{rows}}

			result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
				Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())

			summary := result.Summaries[0]
			Expect(summary.ErrorKind).To(Equal(string(errors.ErrorTypeSchemaDrift)))
			Expect(properties.count()).To(BeZero())
		})

		It("should never delete existing data when the breaker trips", func() {
			healthy := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
				goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
			}}}
			orch := newOrchestrator([]adapter.Adapter{healthy}, config.IngestionConfig{})
			_, err := orch.Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())
			Expect(properties.count()).To(Equal(1))

			drifting := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
				{Address: ""}, {Address: ""}, {Address: ""},
			}}}
			orchDrift := newOrchestrator([]adapter.Adapter{drifting}, config.IngestionConfig{})
			for i := 0; i < 4; i++ {
				_, err = orchDrift.Run(ctx, listing.SearchParams{State: "NJ"})
				Expect(err).ToNot(HaveOccurred())
			}

			Expect(breakers.Open("civilview-hudson")).To(BeTrue())
			Expect(properties.count()).To(Equal(1))

			_, err = orchDrift.Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())
			Expect(properties.count()).To(Equal(1))
		})
	})

	Describe("circuit breaker", func() {
		It("should report circuit-open after repeated failures", func() {
			src := &scriptedAdapter{
				id: "civilview-hudson", state: "NJ",
				errs: []error{
					errors.New(errors.ErrorTypeSchemaDrift, "drift"),
					errors.New(errors.ErrorTypeSchemaDrift, "drift"),
					errors.New(errors.ErrorTypeSchemaDrift, "drift"),
					errors.New(errors.ErrorTypeSchemaDrift, "drift"),
				},
			}
			orch := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{})

			var last *IngestionResult
			for i := 0; i < 4; i++ {
				result, err := orch.Run(ctx, listing.SearchParams{State: "NJ"})
				Expect(err).ToNot(HaveOccurred())
				last = result
			}
			Expect(last.Summaries[0].ErrorKind).To(Equal(string(errors.ErrorTypeCircuitOpen)))
			Expect(last.AllFailedWith(errors.ErrorTypeCircuitOpen)).To(BeTrue())
		})
	})

	Describe("per-row isolation", func() {
		It("should park failing rows in the DLQ without aborting the batch", func() {
			properties.insertErrs = 2 // both store-write attempts for the first row fail
			src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", batches: [][]listing.Raw{{
				goodRow("100 Garden State Pkwy, Woodbridge, NJ 07095"),
				goodRow("12 Main St, Newark, NJ 07102"),
			}}}

			result, err := newOrchestrator([]adapter.Adapter{src}, config.IngestionConfig{}).
				Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())

			summary := result.Summaries[0]
			Expect(summary.ItemsFailedProcessing).To(Equal(1))
			Expect(summary.CreatedCount).To(Equal(1))
			Expect(dlq.count()).To(Equal(1))
		})
	})

	Describe("zombie adapter", func() {
		It("should cancel a hanging adapter and record a timeout", func() {
			src := &scriptedAdapter{id: "civilview-hudson", state: "NJ", block: make(chan struct{})}

			cfg := config.IngestionConfig{AdapterDeadline: config.Duration(50 * time.Millisecond)}
			result, err := newOrchestrator([]adapter.Adapter{src}, cfg).
				Run(ctx, listing.SearchParams{State: "NJ"})
			Expect(err).ToNot(HaveOccurred())

			summary := result.Summaries[0]
			Expect(summary.Error).To(Equal("timeout"))
			Expect(summary.ErrorKind).To(Equal(string(errors.ErrorTypeTimeout)))
		})
	})
})
