package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
	"github.com/jordigilh/foreclosurewatch/pkg/storage"
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ingestion Suite")
}

func scraperSource(reliability float64) property.Source {
	return property.Source{
		Type:        property.SourceScraper,
		Name:        "civilview-hudson",
		Reliability: reliability,
	}
}

func mustNormalize(raw listing.Raw, source property.Source) *normalize.Candidate {
	candidate, err := normalize.Normalize(raw, source, normalize.NJStageKeywords())
	Expect(err).ToNot(HaveOccurred())
	return candidate
}

func sheriffRaw(saleDate, bid, value string) listing.Raw {
	return listing.Raw{
		Address:            "100 Garden State Pkwy, Woodbridge, NJ 07095",
		StageHint:          "Sheriff Sale",
		Status:             "Scheduled",
		SaleDateText:       saleDate,
		OpeningBidText:     bid,
		EstimatedValueText: value,
		Plaintiff:          "US Bank Trust",
		Defendant:          "James T. Kirk",
	}
}

var _ = Describe("Upserter", func() {
	var (
		ctx        context.Context
		properties *memPropertyStore
		events     *memEventStore
		timeline   *memTimelineStore
		upserter   *Upserter
		clock      time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		properties = newMemPropertyStore()
		events = newMemEventStore()
		timeline = newMemTimelineStore()
		clock = time.Date(2024, 11, 1, 9, 0, 0, 0, time.UTC)
		upserter = NewUpserter(properties, events, timeline, storage.NewKeyMutex(), zap.NewNop(),
			WithClock(func() time.Time { return clock }))
	})

	advanceDay := func() {
		clock = clock.Add(24 * time.Hour)
	}

	Describe("first observation", func() {
		It("should create the property, open an active event and emit a scheduled entry", func() {
			candidate := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85))

			result, err := upserter.Upsert(ctx, candidate)
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Created).To(BeTrue())

			stored := properties.get(candidate.DedupeKey)
			Expect(stored).ToNot(BeNil())
			Expect(stored.EnrichmentDirty).To(BeTrue())
			Expect(stored.IngestionTimestamp).To(Equal(clock))
			Expect(stored.LastUpdated).To(Equal(clock))

			Expect(events.activeCount(result.PropertyID)).To(Equal(1))

			scheduled := timeline.ofKind(property.KindSheriffSaleScheduled)
			Expect(scheduled).To(HaveLen(1))
			Expect(scheduled[0].SourceLabel).To(Equal("civilview-hudson"))
		})
	})

	Describe("idempotence", func() {
		It("should create exactly one property and no extra entries on a repeated row", func() {
			raw := sheriffRaw("2024-12-25", "$150,000.00", "$300,000")
			first := mustNormalize(raw, scraperSource(0.85))
			_, err := upserter.Upsert(ctx, first)
			Expect(err).ToNot(HaveOccurred())

			entriesAfterFirst := timeline.count()

			advanceDay()
			second := mustNormalize(raw, scraperSource(0.85))
			result, err := upserter.Upsert(ctx, second)
			Expect(err).ToNot(HaveOccurred())

			Expect(result.Created).To(BeFalse())
			Expect(result.Updated).To(BeFalse())
			Expect(properties.count()).To(Equal(1))
			Expect(timeline.count()).To(Equal(entriesAfterFirst))
		})
	})

	Describe("adjournment", func() {
		It("should emit one adjournment entry with before/after dates, then suppress the repeat", func() {
			_, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2023-12-25", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			result, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-01-15", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Updated).To(BeTrue())
			Expect(result.Changes).To(ContainElement(ChangeSaleDate))

			adjourned := timeline.ofKind(property.KindSheriffSaleAdjourned)
			Expect(adjourned).To(HaveLen(1))

			var payload map[string]string
			Expect(json.Unmarshal(adjourned[0].Payload, &payload)).To(Succeed())
			Expect(payload["original_date"]).To(Equal("2023-12-25"))
			Expect(payload["new_date"]).To(Equal("2024-01-15"))

			advanceDay()
			result, err = upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-01-15", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Updated).To(BeFalse())
			Expect(timeline.ofKind(property.KindSheriffSaleAdjourned)).To(HaveLen(1))
			Expect(properties.count()).To(Equal(1))
		})
	})

	Describe("price change", func() {
		It("should emit a price-change entry for a move beyond five percent", func() {
			_, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			result, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-12-25", "$120,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Changes).To(ContainElement(ChangePrice))

			priceChanges := timeline.ofKind(property.KindPriceChange)
			Expect(priceChanges).To(HaveLen(1))

			var payload map[string]float64
			Expect(json.Unmarshal(priceChanges[0].Payload, &payload)).To(Succeed())
			Expect(payload["original_bid"]).To(Equal(150000.0))
			Expect(payload["new_bid"]).To(Equal(120000.0))
		})

		It("should ignore a move within five percent", func() {
			_, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			result, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-12-25", "$153,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Changes).ToNot(ContainElement(ChangePrice))
			Expect(timeline.ofKind(property.KindPriceChange)).To(BeEmpty())
		})
	})

	Describe("stage progression", func() {
		It("should close the old event and open a new one on progression to REO", func() {
			first := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85))
			createResult, err := upserter.Upsert(ctx, first)
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			reoRaw := sheriffRaw("", "$150,000.00", "$300,000")
			reoRaw.StageHint = "REO"
			reoRaw.Status = "Bank Owned"
			result, err := upserter.Upsert(ctx, mustNormalize(reoRaw, scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Changes).To(ContainElement(ChangeStageProgression))

			Expect(events.activeCount(createResult.PropertyID)).To(Equal(1))
			active, err := events.ActiveEvent(ctx, createResult.PropertyID)
			Expect(err).ToNot(HaveOccurred())
			Expect(active.Stage).To(Equal(property.StageREO))

			Expect(timeline.ofKind(property.KindSoldToPlaintiff)).To(HaveLen(1))
		})

		It("should not treat a stage regression as progress", func() {
			reoRaw := sheriffRaw("", "$150,000.00", "$300,000")
			reoRaw.StageHint = "REO"
			_, err := upserter.Upsert(ctx, mustNormalize(reoRaw, scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			result, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Changes).ToNot(ContainElement(ChangeStageProgression))
		})
	})

	Describe("reliability-gated merge", func() {
		It("should keep higher-reliability values against a weaker source", func() {
			strong := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85))
			_, err := upserter.Upsert(ctx, strong)
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			weakRaw := sheriffRaw("2024-12-25", "$150,000.00", "$999,999")
			weak := mustNormalize(weakRaw, property.Source{
				Type: property.SourceAPI, Name: "auction-aggregator", Reliability: 0.70,
			})
			_, err = upserter.Upsert(ctx, weak)
			Expect(err).ToNot(HaveOccurred())

			stored := properties.get(strong.DedupeKey)
			Expect(stored.Valuation.EstimatedValue).To(HaveValue(Equal(300000.0)))
			Expect(stored.Source.Name).To(Equal("civilview-hudson"))
		})

		It("should accept values from an equal-or-better source", func() {
			weak := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), property.Source{
				Type: property.SourceAPI, Name: "auction-aggregator", Reliability: 0.70,
			})
			_, err := upserter.Upsert(ctx, weak)
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			strong := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$310,000"), scraperSource(0.85))
			_, err = upserter.Upsert(ctx, strong)
			Expect(err).ToNot(HaveOccurred())

			stored := properties.get(weak.DedupeKey)
			Expect(stored.Valuation.EstimatedValue).To(HaveValue(Equal(310000.0)))
			Expect(stored.Source.Name).To(Equal("civilview-hudson"))
		})

		It("should still record the observation's change entry when the value is rejected", func() {
			strong := mustNormalize(sheriffRaw("2023-12-25", "$150,000.00", "$300,000"), scraperSource(0.85))
			_, err := upserter.Upsert(ctx, strong)
			Expect(err).ToNot(HaveOccurred())

			advanceDay()
			weak := mustNormalize(sheriffRaw("2024-01-15", "$150,000.00", "$300,000"), property.Source{
				Type: property.SourceAPI, Name: "auction-aggregator", Reliability: 0.70,
			})
			_, err = upserter.Upsert(ctx, weak)
			Expect(err).ToNot(HaveOccurred())

			// The adjournment is noted even though the weaker source does
			// not overwrite the event's sale date.
			Expect(timeline.ofKind(property.KindSheriffSaleAdjourned)).To(HaveLen(1))
			active, err := events.ActiveEvent(ctx, properties.get(strong.DedupeKey).ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(active.SaleDate.Format("2006-01-02")).To(Equal("2023-12-25"))
		})
	})

	Describe("cross-source dedupe", func() {
		It("should merge a typo'd address into the existing property via the fuzzy fallback", func() {
			first := mustNormalize(sheriffRaw("2024-12-25", "$150,000.00", "$300,000"), scraperSource(0.85))
			_, err := upserter.Upsert(ctx, first)
			Expect(err).ToNot(HaveOccurred())

			typoRaw := sheriffRaw("2024-12-25", "$150,000.00", "$300,000")
			typoRaw.Address = "100 Garden Statf Pkwy, Woodbridge, NJ 07095"
			advanceDay()
			result, err := upserter.Upsert(ctx, mustNormalize(typoRaw, scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			Expect(result.Created).To(BeFalse())
			Expect(properties.count()).To(Equal(1))
		})
	})

	Describe("timeline ordering", func() {
		It("should keep entries in non-decreasing timestamp order", func() {
			_, err := upserter.Upsert(ctx, mustNormalize(sheriffRaw("2023-12-25", "$150,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			advanceDay()
			_, err = upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-01-15", "$140,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())
			advanceDay()
			_, err = upserter.Upsert(ctx, mustNormalize(sheriffRaw("2024-02-20", "$120,000.00", "$300,000"), scraperSource(0.85)))
			Expect(err).ToNot(HaveOccurred())

			stored := properties.get("nj-07095-100-garden-state-parkway-nounit")
			Expect(stored).ToNot(BeNil())
			history, err := timeline.History(ctx, stored.ID)
			Expect(err).ToNot(HaveOccurred())
			Expect(len(history)).To(BeNumerically(">=", 3))
			for i := 1; i < len(history); i++ {
				Expect(history[i].OccurredAt.Before(history[i-1].OccurredAt)).To(BeFalse())
			}
		})
	})
})
