// Package export renders provisioning results as downloadable workbooks.
package export

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/rpattn/devprov/internal/domain"
)

const (
	// SheetName is the worksheet holding the results.
	SheetName = "Provisioning Results"

	// MediaType is the content type of rendered workbooks.
	MediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	timestampLayout = "2006-01-02 15:04:05"
)

var header = []any{"Serial Number", "CI Number", "Status", "Message", "Timestamp"}

var columnWidths = map[string]float64{
	"A": 24,
	"B": 20,
	"C": 10,
	"D": 48,
	"E": 20,
}

// Formatter turns results into xlsx bytes. It holds no state.
type Formatter struct{}

func NewFormatter() *Formatter {
	return &Formatter{}
}

// Render writes one row per result, in the given order, under a bold header.
func (f *Formatter) Render(results []domain.ProvisioningResult) ([]byte, error) {
	book := excelize.NewFile()
	defer book.Close()

	defaultSheet := book.GetSheetName(0)
	if err := book.SetSheetName(defaultSheet, SheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	if err := book.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	bold, err := book.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	if err := book.SetCellStyle(SheetName, "A1", "E1", bold); err != nil {
		return nil, fmt.Errorf("failed to style header: %w", err)
	}
	for col, width := range columnWidths {
		if err := book.SetColWidth(SheetName, col, col, width); err != nil {
			return nil, fmt.Errorf("failed to size column %s: %w", col, err)
		}
	}

	for i, result := range results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		row := resultRow(result)
		if err := book.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", i+2, err)
		}
	}

	buf, err := book.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func resultRow(result domain.ProvisioningResult) []any {
	status := "Failed"
	if result.Success {
		status = "Success"
	}
	return []any{
		result.SerialNumber,
		result.CINumber,
		status,
		result.MessageText(),
		result.CreatedAt.UTC().Format(timestampLayout),
	}
}
