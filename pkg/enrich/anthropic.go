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

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
)

// systemPrompt pins the response contract. Temperature stays low so the
// same property scores the same way run over run.
const systemPrompt = `You are a foreclosure investment risk analyst for New Jersey properties.
Given one property, respond with ONLY a JSON object:
{"score": <integer 0-100, higher is safer>, "band": "<Low|Moderate|High|Unknown>", "summary": "<one sentence>", "rationale": "<short paragraph>"}`

// AnthropicModel scores properties through the Anthropic Messages API.
type AnthropicModel struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
}

// NewAnthropicModel builds the default provider.
func NewAnthropicModel(cfg config.EnrichmentConfig) (*AnthropicModel, error) {
	if cfg.APIKey == "" {
		return nil, errors.NewConfigurationError("enrichment provider anthropic requires an API key")
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &AnthropicModel{
		client:      anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// Analyze sends the trimmed property view and parses the JSON verdict.
func (m *AnthropicModel) Analyze(ctx context.Context, request AnalysisRequest) (*ModelResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, errors.NewEnrichmentError("encode request", err)
	}

	message, err := m.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(m.model),
		MaxTokens:   m.maxTokens,
		Temperature: anthropic.Float(m.temperature),
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return nil, errors.NewEnrichmentError("anthropic call", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return parseModelJSON(text.String())
}

// parseModelJSON extracts the first JSON object from model output; the
// contract says JSON-only, but a stray preamble must not break parsing.
func parseModelJSON(text string) (*ModelResponse, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errors.NewEnrichmentError("no JSON object in response", fmt.Errorf("got %q", text))
	}

	var response ModelResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &response); err != nil {
		return nil, errors.NewEnrichmentError("malformed response JSON", err)
	}
	return &response, nil
}
