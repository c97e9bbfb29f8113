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
	"strings"

	"github.com/jordigilh/foreclosurewatch/pkg/property"
)

// StageKeywords maps each stage to the keywords that identify it. The
// slice order in Priority decides ties: REO before AUCTION before
// SHERIFF_SALE before PRE_FORECLOSURE, so "Scheduled for REO resale" is
// REO, not SHERIFF_SALE.
type StageKeywords struct {
	Priority []StageMatch
}

// StageMatch pairs a stage with its trigger keywords.
type StageMatch struct {
	Stage    property.Stage
	Keywords []string
}

// NJStageKeywords is the New Jersey keyword profile.
func NJStageKeywords() StageKeywords {
	return StageKeywords{
		Priority: []StageMatch{
			{Stage: property.StageREO, Keywords: []string{"reo", "bank owned", "resale"}},
			{Stage: property.StageAuction, Keywords: []string{"auction", "trustee", "bid4assets", "xome"}},
			{Stage: property.StageSheriffSale, Keywords: []string{"sheriff", "scheduled", "set for sale", "adjourned"}},
			{Stage: property.StagePreForeclosure, Keywords: []string{"lis pendens", "nod", "pre-foreclosure"}},
		},
	}
}

// InferStage classifies the stage from the concatenated hint and status
// text. First match in priority order wins; no match is UNKNOWN.
func InferStage(stageHint, statusText string, keywords StageKeywords) property.Stage {
	haystack := strings.ToLower(stageHint + " " + statusText)
	for _, match := range keywords.Priority {
		for _, keyword := range match.Keywords {
			if strings.Contains(haystack, keyword) {
				return match.Stage
			}
		}
	}
	return property.StageUnknown
}

// SplitCaseTitle splits "PLAINTIFF v. DEFENDANT" on the first case-title
// separator (v., vs, versus; case-insensitive). When no separator matches,
// the whole title is the defendant.
func SplitCaseTitle(title string) (plaintiff, defendant string) {
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return "", ""
	}

	lowered := strings.ToLower(trimmed)
	for _, separator := range []string{" v. ", " vs. ", " vs ", " versus ", " v "} {
		if idx := strings.Index(lowered, separator); idx >= 0 {
			plaintiff = strings.TrimSpace(trimmed[:idx])
			defendant = strings.TrimSpace(trimmed[idx+len(separator):])
			return plaintiff, defendant
		}
	}
	return "", trimmed
}
