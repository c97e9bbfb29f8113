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

// Package adapter defines the source-adapter contract, the per-state
// registry, and the concrete adapters that fetch county sheriff pages,
// aggregator APIs and manual CSV imports.
package adapter

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
)

// Adapter fetches raw listings from one source. Implementations are
// stateless across Search calls.
type Adapter interface {
	ID() string
	Label() string
	SupportsState(code string) bool
	Search(ctx context.Context, params listing.SearchParams) ([]listing.Raw, error)
}

// StateProfile carries the per-state data the pipeline needs to extend
// beyond New Jersey: stage keyword maps, the minimum equity considered
// viable, and how close a sale date must be to count as urgent.
type StateProfile struct {
	State              string
	StageKeywords      normalize.StageKeywords
	MinViableEquityPct float64
	UrgencyWindowDays  int
}

// NJProfile is the only profile registered today.
func NJProfile() StateProfile {
	return StateProfile{
		State:              "NJ",
		StageKeywords:      normalize.NJStageKeywords(),
		MinViableEquityPct: 10,
		UrgencyWindowDays:  14,
	}
}

// Deps are the collaborators injected into adapter factories.
type Deps struct {
	ListClient        *http.Client
	DetailClient      *http.Client
	Logger            *zap.Logger
	Profile           StateProfile
	DetailConcurrency int
	DetailBatchDelay  time.Duration
}

// Factory builds an adapter from its configuration entry.
type Factory func(cfg config.AdapterConfig, deps Deps) (Adapter, error)

type registryKey struct {
	state      string
	sourceType string
}

// Registry maps (state, source-type) to adapter factories and states to
// their profiles.
type Registry struct {
	factories map[registryKey]Factory
	profiles  map[string]StateProfile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[registryKey]Factory),
		profiles:  make(map[string]StateProfile),
	}
}

// NewDefaultRegistry registers the NJ profile and the three production
// adapter families.
func NewDefaultRegistry() *Registry {
	registry := NewRegistry()
	registry.RegisterProfile(NJProfile())
	registry.Register("NJ", "scraper", NewSheriffSaleAdapter)
	registry.Register("NJ", "api", NewAuctionFeedAdapter)
	registry.Register("NJ", "manual", NewCSVImportAdapter)
	return registry
}

// Register binds a factory to (state, source-type).
func (r *Registry) Register(state, sourceType string, factory Factory) {
	r.factories[registryKey{strings.ToUpper(state), strings.ToLower(sourceType)}] = factory
}

// RegisterProfile attaches a state profile.
func (r *Registry) RegisterProfile(profile StateProfile) {
	r.profiles[strings.ToUpper(profile.State)] = profile
}

// Profile returns the state profile, or false when the state is not
// supported.
func (r *Registry) Profile(state string) (StateProfile, bool) {
	profile, ok := r.profiles[strings.ToUpper(state)]
	return profile, ok
}

// Build constructs the adapter for one configuration entry.
func (r *Registry) Build(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
	factory, ok := r.factories[registryKey{strings.ToUpper(cfg.State), strings.ToLower(cfg.Type)}]
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfiguration,
			"no adapter factory registered for state %s type %s", cfg.State, cfg.Type)
	}
	if profile, ok := r.Profile(cfg.State); ok {
		deps.Profile = profile
	}
	return factory(cfg, deps)
}

// BuildAll constructs every configured adapter, failing fast on the
// first configuration error.
func (r *Registry) BuildAll(cfgs []config.AdapterConfig, deps Deps) ([]Adapter, error) {
	adapters := make([]Adapter, 0, len(cfgs))
	for _, cfg := range cfgs {
		built, err := r.Build(cfg, deps)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, built)
	}
	return adapters, nil
}
