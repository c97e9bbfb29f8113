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
	"time"

	"github.com/redis/go-redis/v9"
)

const alertWatermarkKey = "alert:last_run"

// RedisWatermark persists the alert engine's last-run timestamp so the
// candidate window survives restarts.
type RedisWatermark struct {
	client *redis.Client
}

// NewRedisWatermark creates a RedisWatermark.
func NewRedisWatermark(client *redis.Client) *RedisWatermark {
	return &RedisWatermark{client: client}
}

// Get returns the stored watermark; first runs fall back to 24 hours ago
// so the engine sees the same window as the created-recently rule.
func (w *RedisWatermark) Get(ctx context.Context, now time.Time) (time.Time, error) {
	value, err := w.client.Get(ctx, alertWatermarkKey).Result()
	if err == redis.Nil {
		return now.Add(-24 * time.Hour), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return now.Add(-24 * time.Hour), nil
	}
	return parsed, nil
}

// Set stores the watermark.
func (w *RedisWatermark) Set(ctx context.Context, at time.Time) error {
	return w.client.Set(ctx, alertWatermarkKey, at.UTC().Format(time.RFC3339Nano), 0).Err()
}
