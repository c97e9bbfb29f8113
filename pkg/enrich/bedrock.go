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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
)

// BedrockModel scores properties through AWS Bedrock's Anthropic models,
// for deployments that keep inference inside their AWS account.
type BedrockModel struct {
	client      *bedrockruntime.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewBedrockModel builds the Bedrock provider from the ambient AWS
// credential chain.
func NewBedrockModel(ctx context.Context, cfg config.EnrichmentConfig) (*BedrockModel, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "load AWS configuration")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &BedrockModel{
		client:      bedrockruntime.NewFromConfig(awsCfg),
		model:       cfg.Model,
		maxTokens:   maxTokens,
		temperature: cfg.Temperature,
	}, nil
}

// bedrockRequest is the anthropic-on-bedrock invoke payload.
type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	Temperature      float64          `json:"temperature"`
	System           string           `json:"system"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Analyze invokes the model and parses the JSON verdict.
func (m *BedrockModel) Analyze(ctx context.Context, request AnalysisRequest) (*ModelResponse, error) {
	trimmed, err := json.Marshal(request)
	if err != nil {
		return nil, errors.NewEnrichmentError("encode request", err)
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        m.maxTokens,
		Temperature:      m.temperature,
		System:           systemPrompt,
		Messages: []bedrockMessage{
			{Role: "user", Content: string(trimmed)},
		},
	})
	if err != nil {
		return nil, errors.NewEnrichmentError("encode invoke body", err)
	}

	output, err := m.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(m.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, errors.NewEnrichmentError("bedrock invoke", err)
	}

	var decoded bedrockResponse
	if err := json.Unmarshal(output.Body, &decoded); err != nil {
		return nil, errors.NewEnrichmentError("malformed invoke response", err)
	}

	text := ""
	for _, block := range decoded.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return parseModelJSON(text)
}

// NewModel selects the provider from configuration.
func NewModel(ctx context.Context, cfg config.EnrichmentConfig) (RiskModel, error) {
	switch cfg.Provider {
	case "bedrock":
		return NewBedrockModel(ctx, cfg)
	default:
		return NewAnthropicModel(cfg)
	}
}
