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
	"time"
)

// statusKeywords force a null sale date even when the text embeds a
// parseable date ("Adjourned to 1/15" has no reliable sale date).
var statusKeywords = []string{
	"adjourned",
	"postponed",
	"cancelled",
	"canceled",
	"tbd",
	"n/a",
	"set for sale",
}

// dateLayouts are tried in order against the trimmed input.
var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"01/02/2006",
	"1/2/2006",
	"1/2/06",
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"02-Jan-2006",
}

// ParseSaleDate returns the sale date at UTC midnight, or nil when the
// text is empty, carries a status keyword, or does not parse.
func ParseSaleDate(text string) *time.Time {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	lowered := strings.ToLower(trimmed)
	for _, keyword := range statusKeywords {
		if strings.Contains(lowered, keyword) {
			return nil
		}
	}

	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			date := time.Date(parsed.Year(), parsed.Month(), parsed.Day(), 0, 0, 0, 0, time.UTC)
			return &date
		}
	}
	return nil
}
