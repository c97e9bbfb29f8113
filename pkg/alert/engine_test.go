package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

func TestAlert(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Alert Engine Suite")
}

// Fakes scoped to the alert engine's read/write surface.

type fakeProperties struct {
	changed []*property.Property
}

func (f *fakeProperties) FindByDedupeKey(ctx context.Context, key string) (*property.Property, error) {
	return nil, nil
}
func (f *fakeProperties) FindFuzzy(ctx context.Context, parsed normalize.ParsedAddress) (*property.Property, error) {
	return nil, nil
}
func (f *fakeProperties) Insert(ctx context.Context, p *property.Property) error   { return nil }
func (f *fakeProperties) UpdateByID(ctx context.Context, p *property.Property) error { return nil }
func (f *fakeProperties) ChangedSince(ctx context.Context, watermark, now time.Time) ([]*property.Property, error) {
	return f.changed, nil
}
func (f *fakeProperties) EnrichmentDirty(ctx context.Context, limit int) ([]*property.Property, error) {
	return nil, nil
}
func (f *fakeProperties) SaveRiskAnalysis(ctx context.Context, id uuid.UUID, risk property.RiskAnalysis) error {
	return nil
}

type fakeEvents struct {
	byProperty map[uuid.UUID]*property.ForeclosureEvent
}

func (f *fakeEvents) ActiveEvent(ctx context.Context, propertyID uuid.UUID) (*property.ForeclosureEvent, error) {
	return f.byProperty[propertyID], nil
}
func (f *fakeEvents) OpenEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	return nil
}
func (f *fakeEvents) UpdateEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	return nil
}
func (f *fakeEvents) StaleActive(ctx context.Context, a, b time.Time) ([]*property.ForeclosureEvent, error) {
	return nil, nil
}
func (f *fakeEvents) MarkPendingVerification(ctx context.Context, eventID uuid.UUID) error {
	return nil
}

type fakeTimeline struct {
	byProperty map[uuid.UUID][]property.TimelineEntry
}

func (f *fakeTimeline) Append(ctx context.Context, entry *property.TimelineEntry) (bool, error) {
	return true, nil
}
func (f *fakeTimeline) History(ctx context.Context, propertyID uuid.UUID) ([]property.TimelineEntry, error) {
	return f.byProperty[propertyID], nil
}

type fakeSearches struct {
	searches []property.SavedSearch
	disabled []uuid.UUID
}

func (f *fakeSearches) GetByID(ctx context.Context, id uuid.UUID) (*property.SavedSearch, error) {
	for i := range f.searches {
		if f.searches[i].ID == id {
			return &f.searches[i], nil
		}
	}
	return nil, fmt.Errorf("not found")
}
func (f *fakeSearches) ListAlertEnabled(ctx context.Context) ([]property.SavedSearch, error) {
	var out []property.SavedSearch
	for _, s := range f.searches {
		if s.AlertsEnabled {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSearches) DisableAlerts(ctx context.Context, id uuid.UUID) error {
	f.disabled = append(f.disabled, id)
	for i := range f.searches {
		if f.searches[i].ID == id {
			f.searches[i].AlertsEnabled = false
		}
	}
	return nil
}

type fakeHistory struct {
	mu      sync.Mutex
	records []property.AlertRecord
}

func (f *fakeHistory) LastSent(ctx context.Context, userID, propertyID uuid.UUID) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *time.Time
	for _, r := range f.records {
		if r.UserID == userID && r.PropertyID == propertyID {
			sent := r.SentAt
			if latest == nil || sent.After(*latest) {
				latest = &sent
			}
		}
	}
	return latest, nil
}
func (f *fakeHistory) Record(ctx context.Context, record property.AlertRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, record)
	return nil
}

type captureNotifier struct {
	mu      sync.Mutex
	digests []Digest
	fail    bool
}

func (n *captureNotifier) Name() string { return "capture" }
func (n *captureNotifier) Deliver(ctx context.Context, digest Digest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return fmt.Errorf("delivery refused")
	}
	n.digests = append(n.digests, digest)
	return nil
}

func mustFilter(filter map[string]interface{}) json.RawMessage {
	encoded, err := json.Marshal(filter)
	Expect(err).ToNot(HaveOccurred())
	return encoded
}

var _ = Describe("Engine", func() {
	var (
		ctx        context.Context
		now        time.Time
		lastRun    time.Time
		properties *fakeProperties
		events     *fakeEvents
		timeline   *fakeTimeline
		searches   *fakeSearches
		history    *fakeHistory
		notifier   *captureNotifier
		userID     uuid.UUID
	)

	BeforeEach(func() {
		ctx = context.Background()
		now = time.Date(2024, 11, 2, 12, 0, 0, 0, time.UTC)
		lastRun = now.Add(-1 * time.Hour)
		properties = &fakeProperties{}
		events = &fakeEvents{byProperty: map[uuid.UUID]*property.ForeclosureEvent{}}
		timeline = &fakeTimeline{byProperty: map[uuid.UUID][]property.TimelineEntry{}}
		searches = &fakeSearches{}
		history = &fakeHistory{}
		notifier = &captureNotifier{}
		userID = uuid.New()
	})

	newEngine := func(digestCap int) *Engine {
		return NewEngine(EngineDeps{
			Properties: properties,
			Events:     events,
			Timeline:   timeline,
			Searches:   searches,
			History:    history,
			Notifiers:  []Notifier{notifier},
			Cooldown:   7 * 24 * time.Hour,
			DigestCap:  digestCap,
			Logger:     zap.NewNop(),
			Now:        func() time.Time { return now },
		})
	}

	newProperty := func(city, zip string, createdAgo time.Duration) *property.Property {
		return &property.Property{
			ID: uuid.New(),
			Address: property.Address{
				Full: "100 Garden State Pkwy, " + city + ", NJ " + zip,
				City: city, State: "NJ", Zip: zip,
			},
			Risk:               property.RiskAnalysis{HeuristicBand: property.BandLow},
			IngestionTimestamp: now.Add(-createdAgo),
			LastUpdated:        now.Add(-10 * time.Minute),
			LastIngestedAt:     now.Add(-10 * time.Minute),
		}
	}

	withEvent := func(p *property.Property, stage property.Stage, bid, value float64) {
		estimated := value
		openingBid := bid
		p.Valuation.EstimatedValue = &estimated
		events.byProperty[p.ID] = &property.ForeclosureEvent{
			ID: uuid.New(), PropertyID: p.ID, Stage: stage,
			OpeningBid: &openingBid, Active: true,
		}
	}

	addSearch := func(name string, filter map[string]interface{}) uuid.UUID {
		id := uuid.New()
		searches.searches = append(searches.searches, property.SavedSearch{
			ID: id, UserID: userID, Name: name,
			Filter: mustFilter(filter), AlertsEnabled: true,
			CreatedAt: now, UpdatedAt: now,
		})
		return id
	}

	It("should alert on a new listing matching the filter and record history", func() {
		p := newProperty("woodbridge", "07095", time.Hour)
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())

		Expect(report.Digests).To(Equal(1))
		Expect(report.Notified).To(Equal(1))
		Expect(notifier.digests).To(HaveLen(1))
		Expect(notifier.digests[0].Matches[0].Reasons).To(ContainElement("new listing"))
		Expect(history.records).To(HaveLen(1))
	})

	It("should suppress a repeat alert within the cooldown window", func() {
		p := newProperty("woodbridge", "07095", time.Hour)
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		engine := newEngine(50)
		_, err := engine.Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())

		report, err := engine.Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Suppressed).To(Equal(1))
		Expect(report.Notified).To(BeZero())
		Expect(notifier.digests).To(HaveLen(1))
	})

	It("should stay quiet for an unchanged re-ingested property", func() {
		p := newProperty("woodbridge", "07095", 72*time.Hour) // old, no change entries
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Digests).To(BeZero())
		Expect(notifier.digests).To(BeEmpty())
	})

	It("should alert on a significant price drop", func() {
		p := newProperty("woodbridge", "07095", 72*time.Hour)
		withEvent(p, property.StageSheriffSale, 120000, 300000)
		payload, _ := json.Marshal(map[string]float64{"original_bid": 150000, "new_bid": 120000})
		timeline.byProperty[p.ID] = []property.TimelineEntry{{
			PropertyID: p.ID, Kind: property.KindPriceChange,
			OccurredAt: now.Add(-5 * time.Minute), Payload: payload,
		}}
		properties.changed = []*property.Property{p}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Notified).To(Equal(1))
		Expect(notifier.digests[0].Matches[0].Reasons).To(ContainElement("price drop"))
	})

	It("should flag an equity-boundary crossing for the search's threshold", func() {
		p := newProperty("woodbridge", "07095", 72*time.Hour)
		// Bid fell from 280k to 200k against a 300k value: equity moved
		// from ~6.7% to ~33%, across the 25% threshold.
		withEvent(p, property.StageSheriffSale, 200000, 300000)
		payload, _ := json.Marshal(map[string]float64{"original_bid": 280000, "new_bid": 200000})
		timeline.byProperty[p.ID] = []property.TimelineEntry{{
			PropertyID: p.ID, Kind: property.KindPriceChange,
			OccurredAt: now.Add(-5 * time.Minute), Payload: payload,
		}}
		properties.changed = []*property.Property{p}
		addSearch("High equity", map[string]interface{}{"city": "woodbridge", "min_equity_pct": 25.0})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Notified).To(Equal(1))
		Expect(notifier.digests[0].Matches[0].Reasons).To(ContainElement("equity crossed threshold"))
	})

	Describe("sale date changes", func() {
		var p *property.Property

		BeforeEach(func() {
			p = newProperty("woodbridge", "07095", 72*time.Hour)
			withEvent(p, property.StageSheriffSale, 150000, 300000)
			payload, _ := json.Marshal(map[string]string{"original_date": "2023-12-25", "new_date": "2024-01-15"})
			timeline.byProperty[p.ID] = []property.TimelineEntry{{
				PropertyID: p.ID, Kind: property.KindSheriffSaleAdjourned,
				OccurredAt: now.Add(-5 * time.Minute), Payload: payload,
			}}
			properties.changed = []*property.Property{p}
		})

		It("should alert searches with upcoming-auction intent", func() {
			addSearch("Auction hunter", map[string]interface{}{
				"city": "woodbridge", "stages": []string{"SHERIFF_SALE"},
			})

			report, err := newEngine(50).Run(ctx, lastRun)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Notified).To(Equal(1))
			Expect(notifier.digests[0].Matches[0].Reasons).To(ContainElement("sale date changed"))
		})

		It("should stay quiet for searches without auction intent", func() {
			addSearch("Any stage", map[string]interface{}{"city": "woodbridge"})

			report, err := newEngine(50).Run(ctx, lastRun)
			Expect(err).ToNot(HaveOccurred())
			Expect(report.Digests).To(BeZero())
		})
	})

	It("should emit nothing for zero-match searches", func() {
		p := newProperty("woodbridge", "07095", time.Hour)
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}
		addSearch("Camden only", map[string]interface{}{"city": "camden"})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Digests).To(BeZero())
		Expect(notifier.digests).To(BeEmpty())
	})

	It("should cap the digest and mark the overflow", func() {
		for i := 0; i < 4; i++ {
			p := newProperty("woodbridge", "07095", time.Hour)
			p.Address.Full = fmt.Sprintf("%d Main St, Woodbridge, NJ 07095", 100+i)
			withEvent(p, property.StageSheriffSale, 150000, 300000)
			properties.changed = append(properties.changed, p)
		}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		report, err := newEngine(2).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Digests).To(Equal(1))
		Expect(notifier.digests[0].Matches).To(HaveLen(2))
		Expect(notifier.digests[0].TotalMatches).To(Equal(4))
		Expect(notifier.digests[0].Truncated).To(BeTrue())
	})

	It("should not record history when every notifier fails", func() {
		notifier.fail = true
		p := newProperty("woodbridge", "07095", time.Hour)
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}
		addSearch("Woodbridge deals", map[string]interface{}{"city": "woodbridge"})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Errors).To(BeNumerically(">", 0))
		Expect(history.records).To(BeEmpty())
	})

	It("should disable exactly the originating saved search on unsubscribe", func() {
		keep := addSearch("Keep me", map[string]interface{}{"city": "woodbridge"})
		drop := addSearch("Drop me", map[string]interface{}{"city": "camden"})

		Expect(newEngine(50).Unsubscribe(ctx, drop)).To(Succeed())

		Expect(searches.disabled).To(ConsistOf(drop))
		enabled, err := searches.ListAlertEnabled(ctx)
		Expect(err).ToNot(HaveOccurred())
		Expect(enabled).To(HaveLen(1))
		Expect(enabled[0].ID).To(Equal(keep))
	})

	It("should evaluate the geospatial radius in miles", func() {
		p := newProperty("woodbridge", "07095", time.Hour)
		lat, lng := 40.5576, -74.2846
		p.Address.Lat = &lat
		p.Address.Lng = &lng
		withEvent(p, property.StageSheriffSale, 150000, 300000)
		properties.changed = []*property.Property{p}

		addSearch("Near Newark", map[string]interface{}{
			"geo": map[string]float64{"lat": 40.7357, "lng": -74.1724, "radius_miles": 25},
		})
		addSearch("Near Philadelphia", map[string]interface{}{
			"geo": map[string]float64{"lat": 39.9526, "lng": -75.1652, "radius_miles": 25},
		})

		report, err := newEngine(50).Run(ctx, lastRun)
		Expect(err).ToNot(HaveOccurred())
		Expect(report.Digests).To(Equal(1))
		Expect(notifier.digests[0].SearchNames).To(ConsistOf("Near Newark"))
	})
})
