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
	"sync"
)

// KeyMutex serializes upserts per dedupe key. Two rows for the same
// property are totally ordered; rows for different properties interleave
// freely. Lock acquisition is cancel-aware.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewKeyMutex creates a KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]chan struct{})}
}

// Lock acquires the per-key token, blocking until it is free or the
// context is cancelled. The returned release function must be called
// exactly once.
func (m *KeyMutex) Lock(ctx context.Context, key string) (release func(), err error) {
	for {
		m.mu.Lock()
		holder, held := m.locks[key]
		if !held {
			ch := make(chan struct{})
			m.locks[key] = ch
			m.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					m.mu.Lock()
					delete(m.locks, key)
					m.mu.Unlock()
					close(ch)
				})
			}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-holder:
			// Holder released; race for the token again.
		}
	}
}
