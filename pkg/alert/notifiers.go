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

package alert

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// ConsoleNotifier logs digests; the always-on channel.
type ConsoleNotifier struct {
	logger *zap.Logger
}

// NewConsoleNotifier creates a ConsoleNotifier.
func NewConsoleNotifier(logger *zap.Logger) *ConsoleNotifier {
	return &ConsoleNotifier{logger: logger}
}

func (n *ConsoleNotifier) Name() string { return "console" }

// Deliver logs one line per digest with the matched addresses.
func (n *ConsoleNotifier) Deliver(ctx context.Context, digest Digest) error {
	addresses := make([]string, 0, len(digest.Matches))
	for _, match := range digest.Matches {
		addresses = append(addresses, match.Property.Address.Full)
	}
	n.logger.Info("alert digest",
		zap.String("user_id", digest.UserID.String()),
		zap.Strings("searches", digest.SearchNames),
		zap.Int("total_matches", digest.TotalMatches),
		zap.Bool("truncated", digest.Truncated),
		zap.Strings("addresses", addresses))
	return nil
}

// SlackNotifier posts digests to an incoming webhook.
type SlackNotifier struct {
	webhookURL string
	logger     *zap.Logger
}

// NewSlackNotifier creates a SlackNotifier.
func NewSlackNotifier(webhookURL string, logger *zap.Logger) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, logger: logger}
}

func (n *SlackNotifier) Name() string { return "slack" }

// Deliver formats the digest and posts it. The per-digest cap plus the
// refine-your-filters hint keep the message bounded.
func (n *SlackNotifier) Deliver(ctx context.Context, digest Digest) error {
	var b strings.Builder
	fmt.Fprintf(&b, "*%d foreclosure update(s)* for your saved search(es): %s\n",
		digest.TotalMatches, strings.Join(digest.SearchNames, ", "))

	for _, match := range digest.Matches {
		line := fmt.Sprintf("• %s — %s", match.Property.Address.Full, strings.Join(match.Reasons, ", "))
		if match.Event != nil && match.Event.SaleDate != nil {
			line += fmt.Sprintf(" (sale %s)", match.Event.SaleDate.Format("2006-01-02"))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	if digest.Truncated {
		fmt.Fprintf(&b, "_%d+ new matches — refine your filters to see them all._\n", len(digest.Matches))
	}

	message := &slack.WebhookMessage{Text: b.String()}
	if err := slack.PostWebhookContext(ctx, n.webhookURL, message); err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}
