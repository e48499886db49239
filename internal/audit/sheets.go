package audit

import (
	"context"
	"fmt"
	"os"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// SheetsPublisher appends one row per event to a spreadsheet range.
type SheetsPublisher struct {
	service       *sheets.Service
	spreadsheetID string
	writeRange    string
}

// SheetsConfig locates the spreadsheet and the service account credentials.
type SheetsConfig struct {
	SpreadsheetID   string
	Range           string
	CredentialsFile string
}

// NewSheetsPublisher builds a Sheets client from a credentials file plus any
// extra client options.
func NewSheetsPublisher(ctx context.Context, cfg SheetsConfig, opts ...option.ClientOption) (*SheetsPublisher, error) {
	if cfg.SpreadsheetID == "" {
		return nil, fmt.Errorf("sheets publisher requires a spreadsheet id")
	}
	if cfg.CredentialsFile != "" {
		credentialsJSON, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("read sheets credentials: %w", err)
		}
		opts = append(opts, option.WithCredentialsJSON(credentialsJSON))
	}
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return NewSheetsPublisherWithService(service, cfg.SpreadsheetID, cfg.Range), nil
}

// NewSheetsPublisherWithService wraps an existing service. An empty range
// appends to the first sheet starting at column A.
func NewSheetsPublisherWithService(service *sheets.Service, spreadsheetID, writeRange string) *SheetsPublisher {
	if writeRange == "" {
		writeRange = "Activations!A:H"
	}
	return &SheetsPublisher{service: service, spreadsheetID: spreadsheetID, writeRange: writeRange}
}

// Publish appends the event row.
func (p *SheetsPublisher) Publish(ctx context.Context, e Event) error {
	valueRange := &sheets.ValueRange{Values: [][]interface{}{e.Row()}}
	_, err := p.service.Spreadsheets.Values.Append(p.spreadsheetID, p.writeRange, valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("append sheet row: %w", err)
	}
	return nil
}
