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
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/jordigilh/foreclosurewatch/internal/config"
	"github.com/jordigilh/foreclosurewatch/internal/errors"
	"github.com/jordigilh/foreclosurewatch/pkg/listing"
	"github.com/jordigilh/foreclosurewatch/pkg/normalize"
)

// CSVImportAdapter ingests manually uploaded CSV files dropped into the
// configured import directory. Column order is discovered from the
// header row, same as the scraper's table parse.
type CSVImportAdapter struct {
	id     string
	label  string
	state  string
	dir    string
	logger *zap.Logger
}

// NewCSVImportAdapter is the factory for manual imports.
func NewCSVImportAdapter(cfg config.AdapterConfig, deps Deps) (Adapter, error) {
	if cfg.FilePath == "" {
		return nil, errors.Newf(errors.ErrorTypeConfiguration, "adapter %s: manual import requires file_path", cfg.ID)
	}
	return &CSVImportAdapter{
		id:     cfg.ID,
		label:  cfg.Label,
		state:  strings.ToUpper(cfg.State),
		dir:    cfg.FilePath,
		logger: deps.Logger.With(zap.String("adapter_id", cfg.ID)),
	}, nil
}

func (a *CSVImportAdapter) ID() string    { return a.id }
func (a *CSVImportAdapter) Label() string { return a.label }

func (a *CSVImportAdapter) SupportsState(code string) bool {
	return strings.EqualFold(code, a.state)
}

// Search reads every CSV file in the import directory. A malformed file
// is skipped whole; a malformed row is skipped alone.
func (a *CSVImportAdapter) Search(ctx context.Context, params listing.SearchParams) ([]listing.Raw, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			a.logger.Warn("import directory missing, returning empty batch", zap.String("dir", a.dir))
			return []listing.Raw{}, nil
		}
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "read import directory")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".csv") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var rows []listing.Raw
	for _, name := range names {
		if ctx.Err() != nil {
			return rows, errors.NewTimeoutError("csv import")
		}
		fileRows, err := a.readFile(filepath.Join(a.dir, name))
		if err != nil {
			a.logger.Warn("skipping unreadable import file",
				zap.String("file", name),
				zap.Error(err))
			continue
		}
		rows = append(rows, fileRows...)
	}
	if rows == nil {
		rows = []listing.Raw{}
	}
	return rows, nil
}

func (a *CSVImportAdapter) readFile(path string) ([]listing.Raw, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, err
	}
	columns := make([]columnField, len(header))
	recognized := 0
	for i, cell := range header {
		columns[i] = classifyHeader(cell)
		if columns[i] != colIgnore {
			recognized++
		}
	}
	if recognized == 0 {
		return nil, fmt.Errorf("no recognized columns in header")
	}

	var rows []listing.Raw
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			a.logger.Debug("skipping malformed csv row",
				zap.String("file", filepath.Base(path)),
				zap.Int("line", line),
				zap.Error(err))
			continue
		}

		raw := listing.Raw{
			SourceType: string(sourceTypeManual),
			SourceName: a.id,
			Debug: map[string]string{
				"file": filepath.Base(path),
				"line": fmt.Sprintf("%d", line),
			},
		}
		for i, value := range record {
			if i >= len(columns) {
				break
			}
			text := strings.TrimSpace(value)
			switch columns[i] {
			case colAddress:
				raw.Address = text
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
	return rows, nil
}

const sourceTypeManual = "Manual"
