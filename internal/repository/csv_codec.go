package repository

import (
	"encoding/csv"
	"fmt"
	"io"

	"solar-history/internal/models"
)

func encodeTable(w io.Writer, table *models.Table) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(table.Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}

func encodeRows(w io.Writer, rows [][]string) error {
	writer := csv.NewWriter(w)
	if err := writer.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write rows: %w", err)
	}
	return nil
}

func decodeTable(r io.Reader) (*models.Table, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse artifact: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("artifact has no header")
	}
	return &models.Table{Header: records[0], Rows: records[1:]}, nil
}
