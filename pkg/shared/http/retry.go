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

package http

import (
	"context"
	"math/rand"
	"time"

	"github.com/jordigilh/foreclosurewatch/internal/errors"
)

// backoffSchedule is the delay ladder for transient failures. Each step is
// jittered ±25% so a fleet of adapters does not retry in lockstep.
var backoffSchedule = []time.Duration{
	2 * time.Second,
	10 * time.Second,
	60 * time.Second,
}

// jitterFraction bounds the random spread applied to each backoff step.
const jitterFraction = 0.25

// Jitter returns the base delay randomized within ±jitterFraction.
func Jitter(base time.Duration) time.Duration {
	spread := float64(base) * jitterFraction
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(base) + offset)
}

// RetryWithBackoff runs op, retrying retryable failures on the jittered
// 2s/10s/60s ladder. Non-retryable errors and context cancellation return
// immediately. The last error is returned when the ladder is exhausted.
func RetryWithBackoff(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Retryable(lastErr) {
			return lastErr
		}
		if attempt >= len(backoffSchedule) {
			return lastErr
		}

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrorTypeTimeout, "retry abandoned")
		case <-time.After(Jitter(backoffSchedule[attempt])):
		}
	}
}
