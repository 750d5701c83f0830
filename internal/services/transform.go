package services

import (
	"fmt"
	"strconv"
	"time"

	"solar-history/internal/models"
)

// BuildTable converts the raw samples of one period into the table that is
// persisted. The header follows the first sample's field order; power
// tables gain a trailing load_power column. Timestamps are rewritten as
// site-local YYYY-MM-DD HH:MM:SS.
func BuildTable(kind models.SeriesKind, loc *time.Location, records []models.RawRecord) (*models.Table, error) {
	if len(records) == 0 {
		return nil, models.ErrEmptySeries
	}

	header := append([]string(nil), records[0].Keys...)
	columns := make(map[string]bool, len(header)+1)
	for _, name := range header {
		columns[name] = true
	}
	if !columns[models.TimestampField] {
		return nil, &models.ValidationError{
			Field:   models.TimestampField,
			Message: "samples carry no timestamp field",
		}
	}

	derive := kind == models.SeriesPower
	if derive {
		for _, name := range models.PowerComponents {
			if !columns[name] {
				return nil, &models.ValidationError{
					Field:   name,
					Message: fmt.Sprintf("power samples are missing required field %s", name),
				}
			}
		}
		if !columns[models.LoadPowerField] {
			header = append(header, models.LoadPowerField)
		}
	}

	rows := make([][]string, 0, len(records))
	for i, record := range records {
		row, err := buildRow(header, columns, derive, loc, record)
		if err != nil {
			return nil, fmt.Errorf("sample %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	return &models.Table{Header: header, Rows: rows}, nil
}

func buildRow(header []string, columns map[string]bool, derive bool, loc *time.Location, record models.RawRecord) ([]string, error) {
	for _, name := range record.Keys {
		if !columns[name] {
			return nil, &models.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("unexpected field %s not present in the first sample", name),
			}
		}
	}

	row := make([]string, len(header))
	for i, name := range header {
		switch {
		case name == models.TimestampField:
			ts, err := localTimestamp(record, loc)
			if err != nil {
				return nil, err
			}
			row[i] = ts
		case name == models.LoadPowerField && derive:
			load, err := loadPower(record)
			if err != nil {
				return nil, err
			}
			row[i] = strconv.FormatFloat(load, 'f', -1, 64)
		default:
			text, err := record.Text(name)
			if err != nil {
				return nil, &models.ValidationError{Field: name, Message: err.Error()}
			}
			row[i] = text
		}
	}
	return row, nil
}

func localTimestamp(record models.RawRecord, loc *time.Location) (string, error) {
	raw, err := record.Text(models.TimestampField)
	if err != nil || raw == "" {
		return "", &models.ValidationError{
			Field:   models.TimestampField,
			Value:   raw,
			Message: "sample has no timestamp",
		}
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return "", &models.ValidationError{
			Field:   models.TimestampField,
			Value:   raw,
			Message: fmt.Sprintf("invalid sample timestamp %q", raw),
		}
	}
	return t.In(loc).Format(models.LocalTimestampLayout), nil
}

// loadPower is the house load: what solar, battery, grid and generator
// together deliver
func loadPower(record models.RawRecord) (float64, error) {
	var total float64
	for _, name := range models.PowerComponents {
		if !record.Has(name) {
			return 0, &models.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("power sample is missing required field %s", name),
			}
		}
		v, err := record.Number(name)
		if err != nil {
			return 0, err
		}
		total += v
	}
	return total, nil
}
