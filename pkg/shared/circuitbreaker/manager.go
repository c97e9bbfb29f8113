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

// Package circuitbreaker manages one gobreaker instance per source adapter.
// A tripped breaker isolates a degraded source while the rest of the run
// proceeds; after the open interval one half-open probe is admitted.
package circuitbreaker

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
)

// Manager lazily creates and caches a breaker per name from a settings
// template. The template's Name field is overridden per breaker.
type Manager struct {
	mu       sync.Mutex
	template gobreaker.Settings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewManager creates a Manager from the settings template.
func NewManager(template gobreaker.Settings) *Manager {
	return &Manager{
		template: template,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	settings := m.template
	settings.Name = name
	cb := gobreaker.NewCircuitBreaker(settings)
	m.breakers[name] = cb
	return cb
}

// Execute runs op through the named breaker. A rejected call surfaces as an
// ErrorTypeCircuitOpen AppError so the orchestrator can branch on kind.
func (m *Manager) Execute(name string, op func() (interface{}, error)) (interface{}, error) {
	result, err := m.breaker(name).Execute(op)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errors.NewCircuitOpenError(name)
	}
	return result, err
}

// State returns the named breaker's current state. Unknown names report
// Closed, matching a breaker that has never seen traffic.
func (m *Manager) State(name string) gobreaker.State {
	m.mu.Lock()
	cb, ok := m.breakers[name]
	m.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// Open reports whether the named breaker currently rejects calls.
func (m *Manager) Open(name string) bool {
	return m.State(name) == gobreaker.StateOpen
}
