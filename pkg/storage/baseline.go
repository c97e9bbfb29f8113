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
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	sharedmath "github.com/jordigilh/foreclosurewatch/pkg/shared/math"
)

// baselineWindow caps how many daily batch counts back the yield guard.
const baselineWindow = 30

// RedisBaselineTracker keeps a rolling list of batch sizes per
// (adapter, region) in Redis so the 30-day average survives restarts.
// Reads happen once per run start, writes once at run end.
type RedisBaselineTracker struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBaselineTracker creates a RedisBaselineTracker.
func NewRedisBaselineTracker(client *redis.Client, logger *zap.Logger) *RedisBaselineTracker {
	return &RedisBaselineTracker{client: client, logger: logger}
}

func baselineKey(adapterID, region string) string {
	return fmt.Sprintf("ingest:baseline:%s:%s", adapterID, region)
}

// Average returns the moving average of recorded batch sizes and how
// many samples back it.
func (t *RedisBaselineTracker) Average(ctx context.Context, adapterID, region string) (float64, int, error) {
	values, err := t.client.LRange(ctx, baselineKey(adapterID, region), 0, baselineWindow-1).Result()
	if err != nil {
		return 0, 0, err
	}
	counts := make([]float64, 0, len(values))
	for _, v := range values {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			continue
		}
		counts = append(counts, parsed)
	}
	return sharedmath.Mean(counts), len(counts), nil
}

// Record prepends today's batch size and trims the window.
func (t *RedisBaselineTracker) Record(ctx context.Context, adapterID, region string, count int) error {
	key := baselineKey(adapterID, region)
	pipe := t.client.TxPipeline()
	pipe.LPush(ctx, key, count)
	pipe.LTrim(ctx, key, 0, baselineWindow-1)
	_, err := pipe.Exec(ctx)
	return err
}
