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

package logging

import (
	"go.uber.org/zap"
)

// Canonical field constructors. Components use these instead of ad-hoc key
// strings so log queries stay stable across the pipeline.

// Component identifies the emitting component.
func Component(name string) zap.Field {
	return zap.String("component", name)
}

// Adapter identifies the source adapter in scope.
func Adapter(id string) zap.Field {
	return zap.String("adapter_id", id)
}

// PropertyID identifies the property in scope.
func PropertyID(id string) zap.Field {
	return zap.String("property_id", id)
}

// DedupeKey carries the canonical address fingerprint.
func DedupeKey(key string) zap.Field {
	return zap.String("dedupe_key", key)
}

// Operation names the operation being performed.
func Operation(name string) zap.Field {
	return zap.String("operation", name)
}

// RunID identifies one orchestrator run.
func RunID(id string) zap.Field {
	return zap.String("run_id", id)
}

// UserID identifies the saved-search owner.
func UserID(id string) zap.Field {
	return zap.String("user_id", id)
}
