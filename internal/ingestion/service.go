package ingestion

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"

	"github.com/rpattn/devprov/internal/domain"

	"github.com/xuri/excelize/v2"
)

const (
	// SpreadsheetMediaType is the only upload type accepted for bulk provisioning.
	SpreadsheetMediaType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	ColumnSerialNumber = "Serial Number"
	ColumnCINumber     = "CI Number"
)

var requiredColumns = []string{ColumnSerialNumber, ColumnCINumber}

// Ingestor turns uploaded workbooks into device records.
type Ingestor struct{}

// NewIngestor creates a new ingestor.
func NewIngestor() *Ingestor {
	return &Ingestor{}
}

// CheckUpload rejects anything that is not an xlsx upload before it is read.
func CheckUpload(fileName, contentType string) error {
	mediaType := strings.TrimSpace(contentType)
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}
	ext := strings.ToLower(filepath.Ext(fileName))

	switch mediaType {
	case SpreadsheetMediaType:
		return nil
	case "", "application/octet-stream":
		if ext == ".xlsx" {
			return nil
		}
	}
	return domain.NewValidationError("Only .xlsx files are allowed")
}

// Parse reads the first sheet of the workbook and returns one record per data row,
// in sheet order. The header must be on row 1.
func (i *Ingestor) Parse(payload []byte) ([]domain.DeviceRecord, error) {
	if len(payload) == 0 {
		return nil, domain.NewValidationError("file is empty")
	}

	rows, err := readFirstSheet(payload)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(cleanRow(rows[0])) == 0 {
		return nil, domain.NewValidationError("file is empty")
	}

	columns, err := locateColumns(rows[0])
	if err != nil {
		return nil, err
	}
	serialIdx := columns[ColumnSerialNumber]
	ciIdx := columns[ColumnCINumber]

	records := make([]domain.DeviceRecord, 0, len(rows)-1)
	for idx := 1; idx < len(rows); idx++ {
		row := rows[idx]
		if len(cleanRow(row)) == 0 {
			continue
		}
		rowNumber := idx + 1

		serial := cellAt(row, serialIdx)
		ci := cellAt(row, ciIdx)
		if serial == "" || ci == "" {
			return nil, domain.NewValidationError("Missing required data in row %d", rowNumber)
		}

		records = append(records, domain.DeviceRecord{
			SerialNumber: serial,
			CINumber:     ci,
			SourceRow:    rowNumber,
		})
	}

	return records, nil
}

func readFirstSheet(payload []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewValidationError("failed to open xlsx: %v", err)
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, domain.NewValidationError("file is empty")
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, domain.NewValidationError("failed to read rows from xlsx: %v", err)
	}
	return rows, nil
}

func locateColumns(header []string) (map[string]int, error) {
	positions := make(map[string]int, len(requiredColumns))
	for idx, value := range header {
		name := strings.TrimSpace(value)
		for _, column := range requiredColumns {
			if _, seen := positions[column]; seen {
				continue
			}
			if strings.EqualFold(name, column) {
				positions[column] = idx
			}
		}
	}

	for _, column := range requiredColumns {
		if _, ok := positions[column]; !ok {
			return nil, domain.NewValidationError("Missing required column: %s", column)
		}
	}
	return positions, nil
}

func cellAt(row []string, idx int) string {
	if idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func cleanRow(row []string) []string {
	var cleaned []string
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			cleaned = append(cleaned, cell)
		}
	}
	return cleaned
}
