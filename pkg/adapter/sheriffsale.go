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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
)

// SheriffSaleAdapter scrapes a county sheriff sale listing page
// (CivilView-style: one HTML table, a detail page per case).
type SheriffSaleAdapter struct {
	id           string
	label        string
	state        string
	endpoint     string
	listClient   *http.Client
	detailClient *http.Client
	logger       *zap.Logger
	concurrency  int
	batchDelay   time.Duration
}

// NewSheriffSaleAdapter is the factory for county sheriff scrapers.
func NewSheriffSaleAdapter(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.Newf(errors.ErrorTypeConfiguration, "adapter %s: scraper requires an endpoint", cfg.ID)
	}
	concurrency := deps.DetailConcurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &SheriffSaleAdapter{
		id:           cfg.ID,
		label:        cfg.Label,
		state:        strings.ToUpper(cfg.State),
		endpoint:     cfg.Endpoint,
		listClient:   deps.ListClient,
		detailClient: deps.DetailClient,
		logger:       deps.Logger.With(zap.String("adapter_id", cfg.ID)),
		concurrency:  concurrency,
		batchDelay:   deps.DetailBatchDelay,
	}, nil
}

func (a *SheriffSaleAdapter) ID() string    { return a.id }
func (a *SheriffSaleAdapter) Label() string { return a.label }

func (a *SheriffSaleAdapter) SupportsState(code string) bool {
	return strings.EqualFold(code, a.state)
}

// Search fetches the list page and enriches rows from their detail pages.
// Transport failures return typed errors for the orchestrator's retry; a
// page that no longer contains a parseable table yields an empty batch.
func (a *SheriffSaleAdapter) Search(ctx context.Context, params listing.SearchParams) ([]listing.Raw, error) {
	pageURL, err := a.buildURL(params)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfiguration, "invalid list endpoint")
	}

	doc, err := a.fetchHTML(ctx, a.listClient, pageURL)
	if err != nil {
		return nil, err
	}

	rows := parseListingTable(doc, pageURL)
	if rows == nil {
		a.logger.Warn("list page contains no parseable table, returning empty batch",
			zap.String("url", pageURL))
		return []listing.Raw{}, nil
	}

	for i := range rows {
		rows[i].SourceType = string(sourceTypeScraper)
		rows[i].SourceName = a.id
	}

	a.enrichFromDetailPages(ctx, rows)
	return rows, nil
}

const sourceTypeScraper = "Scraper"

func (a *SheriffSaleAdapter) buildURL(params listing.SearchParams) (string, error) {
	parsed, err := url.Parse(a.endpoint)
	if err != nil {
		return "", err
	}
	query := parsed.Query()
	if params.City != "" {
		query.Set("city", params.City)
	}
	if params.Zip != "" {
		query.Set("zip", params.Zip)
	}
	if params.MaxPrice > 0 {
		query.Set("maxPrice", fmt.Sprintf("%.0f", params.MaxPrice))
	}
	parsed.RawQuery = query.Encode()
	return parsed.String(), nil
}

func (a *SheriffSaleAdapter) fetchHTML(ctx context.Context, client *http.Client, pageURL string) (*html.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "build request")
	}
	req.Header.Set("User-Agent", "foreclosurewatch/1.0")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTimeoutError("list fetch")
		}
		return nil, errors.NewNetworkError(pageURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Newf(errors.ErrorTypeRateLimit, "source throttled %s", pageURL)
	case resp.StatusCode >= 500:
		return nil, errors.Newf(errors.ErrorTypeNetwork, "source returned %d for %s", resp.StatusCode, pageURL)
	case resp.StatusCode != http.StatusOK:
		return nil, errors.Newf(errors.ErrorTypeNetwork, "unexpected status %d for %s", resp.StatusCode, pageURL)
	}

	doc, err := html.Parse(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeSchemaDrift, "list page is not parseable HTML")
	}
	return doc, nil
}

// columnField is the canonical field a discovered column feeds.
type columnField int

const (
	colIgnore columnField = iota
	colAddress
	colStatus
	colSaleDate
	colOpeningBid
	colJudgment
	colEstimatedValue
	colPlaintiff
	colDefendant
	colCaseTitle
	colCity
)

// classifyHeader discovers what a column holds from its header text, so
// reordered columns keep parsing.
func classifyHeader(text string) columnField {
	lowered := strings.ToLower(strings.TrimSpace(text))
	switch {
	case strings.Contains(lowered, "address") || strings.Contains(lowered, "property"):
		return colAddress
	case strings.Contains(lowered, "sale") && strings.Contains(lowered, "date"),
		lowered == "date":
		return colSaleDate
	case strings.Contains(lowered, "status"):
		return colStatus
	case strings.Contains(lowered, "judgment"):
		return colJudgment
	case strings.Contains(lowered, "bid") || strings.Contains(lowered, "price"):
		return colOpeningBid
	case strings.Contains(lowered, "value"):
		return colEstimatedValue
	case strings.Contains(lowered, "plaintiff"):
		return colPlaintiff
	case strings.Contains(lowered, "defendant"):
		return colDefendant
	case strings.Contains(lowered, "case") || strings.Contains(lowered, "caption"):
		return colCaseTitle
	case strings.Contains(lowered, "city") || strings.Contains(lowered, "municipality"):
		return colCity
	default:
		return colIgnore
	}
}

// parseListingTable extracts raw rows from the first table whose header
// row yields at least one recognized column. Returns nil when no such
// table exists (whole-page failure).
func parseListingTable(doc *html.Node, baseURL string) []listing.Raw {
	for _, table := range findAll(doc, "table") {
		trs := findAll(table, "tr")
		if len(trs) < 1 {
			continue
		}

		headerCells := findCells(trs[0])
		columns := make([]columnField, len(headerCells))
		recognized := 0
		for i, cell := range headerCells {
			columns[i] = classifyHeader(innerText(cell))
			if columns[i] != colIgnore {
				recognized++
			}
		}
		if recognized == 0 {
			continue
		}

		rows := make([]listing.Raw, 0, len(trs)-1)
		for rowIndex, tr := range trs[1:] {
			cells := findCells(tr)
			if len(cells) == 0 {
				continue
			}
			raw := listing.Raw{Debug: map[string]string{
				"row":  fmt.Sprintf("%d", rowIndex),
				"page": baseURL,
			}}
			for i, cell := range cells {
				if i >= len(columns) {
					break
				}
				text := strings.TrimSpace(innerText(cell))
				switch columns[i] {
				case colAddress:
					raw.Address = text
					if href := firstHref(cell); href != "" {
						raw.DetailURL = resolveURL(baseURL, href)
					}
				case colStatus:
					raw.Status = text
					raw.StageHint = text
				case colSaleDate:
					raw.SaleDateText = text
				case colOpeningBid:
					raw.OpeningBidText = text
				case colJudgment:
					raw.JudgmentAmountText = text
				case colEstimatedValue:
					raw.EstimatedValueText = text
				case colPlaintiff:
					raw.Plaintiff = text
				case colDefendant:
					raw.Defendant = text
				case colCaseTitle:
					raw.CaseTitle = text
				case colCity:
					if raw.Address != "" && text != "" && !strings.Contains(strings.ToLower(raw.Address), strings.ToLower(text)) {
						raw.Address = raw.Address + ", " + text
					}
				}
			}
			if raw.Plaintiff == "" && raw.Defendant == "" && raw.CaseTitle != "" {
				raw.Plaintiff, raw.Defendant = normalize.SplitCaseTitle(raw.CaseTitle)
			}
			rows = append(rows, raw)
		}
		return rows
	}
	return nil
}

// enrichFromDetailPages visits detail pages in bounded batches with an
// inter-batch delay. Failures are isolated per row: the list-page data
// stands on its own.
func (a *SheriffSaleAdapter) enrichFromDetailPages(ctx context.Context, rows []listing.Raw) {
	indexes := make([]int, 0, len(rows))
	for i := range rows {
		if rows[i].DetailURL != "" {
			indexes = append(indexes, i)
		}
	}

	for start := 0; start < len(indexes); start += a.concurrency {
		if ctx.Err() != nil {
			return
		}
		end := start + a.concurrency
		if end > len(indexes) {
			end = len(indexes)
		}

		var wg sync.WaitGroup
		for _, idx := range indexes[start:end] {
			wg.Add(1)
			go func(row *listing.Raw) {
				defer wg.Done()
				if err := a.fetchDetail(ctx, row); err != nil {
					a.logger.Debug("detail fetch failed, keeping list-page data",
						zap.String("url", row.DetailURL),
						zap.Error(err))
				}
			}(&rows[idx])
		}
		wg.Wait()

		if end < len(indexes) {
			select {
			case <-ctx.Done():
				return
			case <-time.After(a.batchDelay):
			}
		}
	}
}

// detailLabels maps detail-page field labels to row assignment.
var detailLabels = []struct {
	keywords []string
	assign   func(row *listing.Raw, value string)
}{
	{[]string{"plaintiff"}, func(r *listing.Raw, v string) { r.Plaintiff = v }},
	{[]string{"defendant"}, func(r *listing.Raw, v string) { r.Defendant = v }},
	{[]string{"judgment"}, func(r *listing.Raw, v string) { r.JudgmentAmountText = v }},
	{[]string{"upset", "bid"}, func(r *listing.Raw, v string) { r.OpeningBidText = v }},
	{[]string{"phone"}, func(r *listing.Raw, v string) { r.OwnerPhone = v }},
	{[]string{"occupancy"}, func(r *listing.Raw, v string) { r.Occupancy = v }},
	{[]string{"status"}, func(r *listing.Raw, v string) {
		if r.Status == "" {
			r.Status = v
		}
	}},
}

func (a *SheriffSaleAdapter) fetchDetail(ctx context.Context, row *listing.Raw) error {
	doc, err := a.fetchHTML(ctx, a.detailClient, row.DetailURL)
	if err != nil {
		return err
	}

	// Detail pages are label/value tables: first cell label, second value.
	for _, tr := range findAll(doc, "tr") {
		cells := findCells(tr)
		if len(cells) < 2 {
			continue
		}
		label := strings.ToLower(strings.TrimSpace(innerText(cells[0])))
		value := strings.TrimSpace(innerText(cells[1]))
		if value == "" {
			continue
		}
		for _, mapping := range detailLabels {
			matched := true
			for _, keyword := range mapping.keywords {
				if !strings.Contains(label, keyword) {
					matched = false
					break
				}
			}
			if matched {
				mapping.assign(row, value)
				break
			}
		}
	}
	return nil
}

// HTML traversal helpers.

func findAll(node *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == tag {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return out
}

func findCells(tr *html.Node) []*html.Node {
	var cells []*html.Node
	for c := tr.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
			cells = append(cells, c)
		}
	}
	return cells
}

func innerText(node *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(node)
	return strings.Join(strings.Fields(b.String()), " ")
}

func firstHref(node *html.Node) string {
	for _, anchor := range findAll(node, "a") {
		for _, attribute := range anchor.Attr {
			if attribute.Key == "href" && attribute.Val != "" {
				return attribute.Val
			}
		}
	}
	return ""
}

func resolveURL(base, href string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	resolved, err := baseURL.Parse(href)
	if err != nil {
		return href
	}
	return resolved.String()
}
