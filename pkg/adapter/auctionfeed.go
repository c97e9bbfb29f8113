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

package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
)

// AuctionFeedAdapter pulls listings from a private auction aggregator's
// JSON API, authenticating with OAuth2 client credentials when the
// environment provides them.
type AuctionFeedAdapter struct {
	id       string
	label    string
	state    string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// Environment variables for the aggregator credential pair.
const (
	envAuctionClientID     = "AUCTION_FEED_CLIENT_ID"
	envAuctionClientSecret = "AUCTION_FEED_CLIENT_SECRET"
	envAuctionTokenURL     = "AUCTION_FEED_TOKEN_URL"
)

// NewAuctionFeedAdapter is the factory for aggregator API adapters.
func NewAuctionFeedAdapter(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Newf(errors.ErrorTypeConfiguration, "adapter %s: api adapter requires an endpoint", cfg.ID)
	}

	client := deps.ListClient
	clientID := os.Getenv(envAuctionClientID)
	clientSecret := os.Getenv(envAuctionClientSecret)
	tokenURL := os.Getenv(envAuctionTokenURL)
	if clientID != "" && clientSecret != "" && tokenURL != "" {
		oauthConfig := &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		}
		client = oauthConfig.Client(context.Background())
		client.Timeout = deps.ListClient.Timeout
	}

	return &AuctionFeedAdapter{
		id:       cfg.ID,
		label:    cfg.Label,
		state:    strings.ToUpper(cfg.State),
		endpoint: cfg.Endpoint,
		client:   client,
		logger:   deps.Logger.With(zap.String("adapter_id", cfg.ID)),
	}, nil
}

func (a *AuctionFeedAdapter) ID() string    { return a.id }
func (a *AuctionFeedAdapter) Label() string { return a.label }

func (a *AuctionFeedAdapter) SupportsState(code string) bool {
	return strings.EqualFold(code, a.state)
}

// feedListing is the aggregator's wire shape.
type feedListing struct {
	Address        string `json:"address"`
	City           string `json:"city"`
	State          string `json:"state"`
	Zip            string `json:"zip"`
	Status         string `json:"status"`
	Stage          string `json:"stage"`
	AuctionDate    string `json:"auction_date"`
	StartingBid    string `json:"starting_bid"`
	EstimatedValue string `json:"estimated_value"`
	CaseTitle      string `json:"case_title"`
	PropertyType   string `json:"property_type"`
	Occupancy      string `json:"occupancy"`
	Beds           string `json:"beds"`
	Baths          string `json:"baths"`
	DetailURL      string `json:"detail_url"`
}

type feedResponse struct {
	Listings []feedListing `json:"listings"`
}

// Search queries the aggregator and maps its payload to raw listings.
func (a *AuctionFeedAdapter) Search(ctx context.Context, params listing.SearchParams) ([]listing.Raw, error) {
	requestURL, err := a.buildURL(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "invalid api endpoint")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("aggregator fetch")
		}
		return nil, errors.NewNetworkError(requestURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Newf(errors.ErrorTypeRateLimit, "aggregator throttled %s", a.id)
	case resp.StatusCode >= 500:
		return nil, errors.Newf(errors.ErrorTypeNetwork, "aggregator returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Newf(errors.ErrorTypeNetwork, "unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.NewNetworkError(requestURL, err)
	}

	var feed feedResponse
	if err := json.Unmarshal(body, &feed); err != nil {
		a.logger.Warn("aggregator payload is not the expected shape, returning empty batch",
			zap.Error(err))
		return []listing.Raw{}, nil
	}

	rows := make([]listing.Raw, 0, len(feed.Listings))
	for i, item := range feed.Listings {
		address := item.Address
		if item.City != "" {
			address = fmt.Sprintf("%s, %s, %s %s", item.Address, item.City, item.State, item.Zip)
		}
		rows = append(rows, listing.Raw{
			Address:            address,
			Status:             item.Status,
			StageHint:          item.Stage,
			SaleDateText:       item.AuctionDate,
			OpeningBidText:     item.StartingBid,
			EstimatedValueText: item.EstimatedValue,
			CaseTitle:          item.CaseTitle,
			PropertyType:       item.PropertyType,
			Occupancy:          item.Occupancy,
			BedsText:           item.Beds,
			BathsText:          item.Baths,
			DetailURL:          item.DetailURL,
			SourceType:         string(sourceTypeAPI),
			SourceName:         a.id,
			Debug:              map[string]string{"index": fmt.Sprintf("%d", i)},
		})
	}
	return rows, nil
}

const sourceTypeAPI = "API"

func (a *AuctionFeedAdapter) buildURL(params listing.SearchParams) (string, error) {
	parsed, err := url.Parse(a.endpoint)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	query.Set("state", params.State)
	if params.City != "" {
		query.Set("city", params.City)
	}
	if params.Zip != "" {
		query.Set("zip", params.Zip)
	}
	if params.MaxPrice > 0 {
		query.Set("max_price", fmt.Sprintf("%.0f", params.MaxPrice))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}
