package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// In-memory store fakes. They implement the storage contracts closely
// enough to exercise the upsert and orchestrator logic without Postgres.

type memPropertyStore struct {
	mu         sync.Mutex
	byKey      map[string]*property.Property
	insertErrs int // fail the next N inserts
}

func newMemPropertyStore() *memPropertyStore {
	return &memPropertyStore{byKey: map[string]*property.Property{}}
}

func (s *memPropertyStore) FindByDedupeKey(ctx context.Context, key string) (*property.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byKey[key]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (s *memPropertyStore) FindFuzzy(ctx context.Context, parsed normalize.ParsedAddress) (*property.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := normalize.StreetKey(parsed)
	unit := parsed.Unit
	if unit == "" {
		unit = "nounit"
	}
	for key, p := range s.byKey {
		segments := strings.Split(key, "-")
		if len(segments) < 5 {
			continue
		}
		zip, number := segments[1], segments[2]
		gotUnit := segments[len(segments)-1]
		street := strings.Join(segments[3:len(segments)-1], "-")
		if zip != parsed.Zip || number != parsed.Number || gotUnit != unit {
			continue
		}
		if normalize.Levenshtein(street, want) <= 1 {
			clone := *p
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memPropertyStore) Insert(ctx context.Context, p *property.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErrs > 0 {
		s.insertErrs--
		return fmt.Errorf("simulated insert failure")
	}
	clone := *p
	s.byKey[p.DedupeKey] = &clone
	return nil
}

func (s *memPropertyStore) UpdateByID(ctx context.Context, p *property.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, existing := range s.byKey {
		if existing.ID == p.ID {
			clone := *p
			s.byKey[key] = &clone
			return nil
		}
	}
	return fmt.Errorf("property %s not found", p.ID)
}

func (s *memPropertyStore) ChangedSince(ctx context.Context, watermark, now time.Time) ([]*property.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*property.Property
	for _, p := range s.byKey {
		if !p.LastUpdated.Before(watermark) || !p.IngestionTimestamp.Before(now.Add(-24*time.Hour)) {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memPropertyStore) EnrichmentDirty(ctx context.Context, limit int) ([]*property.Property, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*property.Property
	for _, p := range s.byKey {
		if p.EnrichmentDirty && len(out) < limit {
			clone := *p
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *memPropertyStore) SaveRiskAnalysis(ctx context.Context, id uuid.UUID, risk property.RiskAnalysis) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.byKey {
		if p.ID == id {
			p.Risk.Score = risk.Score
			p.Risk.AnalyzedBand = risk.AnalyzedBand
			p.Risk.Summary = risk.Summary
			p.Risk.Rationale = risk.Rationale
			p.Risk.AnalyzedAt = risk.AnalyzedAt
			p.EnrichmentDirty = false
			return nil
		}
	}
	return fmt.Errorf("property %s not found", id)
}

func (s *memPropertyStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *memPropertyStore) get(key string) *property.Property {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

type memEventStore struct {
	mu     sync.Mutex
	events []*property.ForeclosureEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{}
}

func (s *memEventStore) ActiveEvent(ctx context.Context, propertyID uuid.UUID) (*property.ForeclosureEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.PropertyID == propertyID && e.Active {
			clone := *e
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *memEventStore) OpenEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.PropertyID == event.PropertyID && e.Active {
			e.Active = false
			closed := event.OpenedAt
			e.ClosedAt = &closed
		}
	}
	clone := *event
	s.events = append(s.events, &clone)
	return nil
}

func (s *memEventStore) UpdateEvent(ctx context.Context, event *property.ForeclosureEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.events {
		if e.ID == event.ID {
			clone := *event
			s.events[i] = &clone
			return nil
		}
	}
	return fmt.Errorf("event %s not found", event.ID)
}

func (s *memEventStore) StaleActive(ctx context.Context, saleDateOnOrBefore, notIngestedSince time.Time) ([]*property.ForeclosureEvent, error) {
	return nil, nil
}

func (s *memEventStore) MarkPendingVerification(ctx context.Context, eventID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.ID == eventID {
			e.PendingVerification = true
			return nil
		}
	}
	return fmt.Errorf("event %s not found", eventID)
}

func (s *memEventStore) activeCount(propertyID uuid.UUID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, e := range s.events {
		if e.PropertyID == propertyID && e.Active {
			count++
		}
	}
	return count
}

type memTimelineStore struct {
	mu      sync.Mutex
	entries []property.TimelineEntry
}

func newMemTimelineStore() *memTimelineStore {
	return &memTimelineStore{}
}

func (s *memTimelineStore) Append(ctx context.Context, entry *property.TimelineEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	day := entry.OccurredAt.UTC().Format("2006-01-02")
	for _, e := range s.entries {
		if e.PropertyID == entry.PropertyID && e.Kind == entry.Kind &&
			e.OccurredAt.UTC().Format("2006-01-02") == day {
			return false, nil
		}
	}
	s.entries = append(s.entries, *entry)
	return true, nil
}

func (s *memTimelineStore) History(ctx context.Context, propertyID uuid.UUID) ([]property.TimelineEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []property.TimelineEntry
	for _, e := range s.entries {
		if e.PropertyID == propertyID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memTimelineStore) ofKind(kind property.TimelineKind) []property.TimelineEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []property.TimelineEntry
	for _, e := range s.entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (s *memTimelineStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

type memBaseline struct {
	mu       sync.Mutex
	averages map[string]float64
	recorded map[string][]int
}

func newMemBaseline() *memBaseline {
	return &memBaseline{averages: map[string]float64{}, recorded: map[string][]int{}}
}

func (b *memBaseline) setAverage(adapterID, region string, avg float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.averages[adapterID+"/"+region] = avg
}

func (b *memBaseline) Average(ctx context.Context, adapterID, region string) (float64, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if avg, ok := b.averages[adapterID+"/"+region]; ok {
		return avg, 30, nil
	}
	return 0, 0, nil
}

func (b *memBaseline) Record(ctx context.Context, adapterID, region string, count int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded[adapterID+"/"+region] = append(b.recorded[adapterID+"/"+region], count)
	return nil
}

type memDLQ struct {
	mu     sync.Mutex
	parked []listing.Raw
}

func newMemDLQ() *memDLQ {
	return &memDLQ{}
}

func (q *memDLQ) EnqueueRaw(ctx context.Context, adapterID string, raw listing.Raw, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.parked = append(q.parked, raw)
	return nil
}

func (q *memDLQ) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.parked)
}

// scriptedAdapter returns canned batches or errors in sequence.
type scriptedAdapter struct {
	id      string
	state   string
	mu      sync.Mutex
	batches [][]listing.Raw
	errs    []error
	calls   int
	block   chan struct{} // when set, Search blocks until ctx is done
}

func (a *scriptedAdapter) ID() string    { return a.id }
func (a *scriptedAdapter) Label() string { return a.id }

func (a *scriptedAdapter) SupportsState(code string) bool {
	return a.state == "" || a.state == code
}

func (a *scriptedAdapter) Search(ctx context.Context, params listing.SearchParams) ([]listing.Raw, error) {
	if a.block != nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	a.mu.Lock()
	call := a.calls
	a.calls++
	a.mu.Unlock()

	if call < len(a.errs) && a.errs[call] != nil {
		return nil, a.errs[call]
	}
	if call < len(a.batches) {
		return a.batches[call], nil
	}
	if len(a.batches) > 0 {
		return a.batches[len(a.batches)-1], nil
	}
	return []listing.Raw{}, nil
}
