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

// Package normalize converts raw source text into canonical property
// records. Every function here is pure: identical input yields identical
// output, with no I/O and no clock reads.
package normalize

import (
	"strconv"
	"strings"
)

// moneyNullWords are source spellings that mean "no amount".
var moneyNullWords = map[string]bool{
	"":    true,
	"n/a": true,
	"na":  true,
	"tbd": true,
	"-":   true,
}

// ParseMoney parses amounts like "$123,456.00", "1,200", "450000" and
// "$ 120,000.50 ". Returns nil for empty, N/A, TBD or unparseable input.
func ParseMoney(text string) *float64 {
	cleaned := strings.ToLower(strings.TrimSpace(text))
	if moneyNullWords[cleaned] {
		return nil
	}

	cleaned = strings.ReplaceAll(cleaned, "$", "")
	cleaned = strings.ReplaceAll(cleaned, ",", "")
	cleaned = strings.Join(strings.Fields(cleaned), "")
	if cleaned == "" {
		return nil
	}

	value, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return nil
	}
	return &value
}
