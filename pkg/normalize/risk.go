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

package normalize

import (
	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// Equity thresholds for the pre-enrichment heuristic band.
const (
	lowRiskEquityPct      = 25.0
	moderateRiskEquityPct = 10.0
)

// HeuristicBand derives the placeholder risk band from equity percent.
// Risk analysis may later supply an analyzed band alongside it.
func HeuristicBand(equityPct *float64) property.RiskBand {
	if equityPct == nil {
		return property.BandUnknown
	}
	switch {
	case *equityPct >= lowRiskEquityPct:
		return property.BandLow
	case *equityPct >= moderateRiskEquityPct:
		return property.BandModerate
	default:
		return property.BandHigh
	}
}
