// Package report renders the activation audit log as an Excel workbook for
// the admin export endpoint and the keygatectl export command.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"keygate/internal/keys"
)

// Sheet names
const (
	SheetActivations = "Activations"
	SheetSummary     = "Summary"
)

// ContentType is the MIME type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var activationHeader = []interface{}{"ID", "Timestamp (UTC)", "Key", "HWID", "IP", "User Agent", "Kind"}

// Write renders entries and stats into a workbook and writes it to w.
func Write(w io.Writer, stats keys.Stats, entries []keys.ActivationEntry, generatedAt time.Time) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName(f.GetSheetName(0), SheetActivations); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	headerStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetRow(SheetActivations, "A1", &activationHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := f.SetRowStyle(SheetActivations, 1, 1, headerStyle); err != nil {
		return fmt.Errorf("style header: %w", err)
	}
	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			e.Key,
			e.Device,
			e.IP,
			e.UserAgent,
			e.Kind,
		}
		if err := f.SetSheetRow(SheetActivations, cell, &row); err != nil {
			return fmt.Errorf("write activation row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(SheetActivations, "A", "G", 22); err != nil {
		return err
	}

	if _, err := f.NewSheet(SheetSummary); err != nil {
		return fmt.Errorf("create summary sheet: %w", err)
	}
	summary := [][]interface{}{
		{"Generated (UTC)", generatedAt.UTC().Format(time.RFC3339)},
		{"Total keys", stats.TotalKeys},
		{"Used keys", stats.UsedKeys},
		{"Active sessions", stats.ActiveSessions},
		{"Total sessions", stats.TotalSessions},
		{"Total activations", stats.TotalActivations},
		{"Total generations", stats.TotalGenerations},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(SheetSummary, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return fmt.Errorf("write summary row: %w", err)
		}
	}
	if err := f.SetColWidth(SheetSummary, "A", "A", 20); err != nil {
		return err
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}
