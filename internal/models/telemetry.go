package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SeriesKind identifies a telemetry series and its period granularity
type SeriesKind string

const (
	// SeriesPower is sampled power, fetched one calendar day at a time
	SeriesPower SeriesKind = "power"
	// SeriesEnergy is accumulated energy, fetched one calendar month at a time
	SeriesEnergy SeriesKind = "energy"
)

// TimestampField is the name of the sample timestamp column
const TimestampField = "timestamp"

// LoadPowerField is the derived column appended to power series
const LoadPowerField = "load_power"

// LocalTimestampLayout is the canonical local-naive timestamp written to artifacts
const LocalTimestampLayout = "2006-01-02 15:04:05"

// PowerComponents are the power fields summed into load_power
var PowerComponents = []string{"solar_power", "battery_power", "grid_power", "generator_power"}

// AllSeriesKinds lists the supported series in processing order
var AllSeriesKinds = []SeriesKind{SeriesPower, SeriesEnergy}

// ParseSeriesKind converts a configuration or flag value into a SeriesKind
func ParseSeriesKind(s string) (SeriesKind, error) {
	switch SeriesKind(strings.ToLower(strings.TrimSpace(s))) {
	case SeriesPower:
		return SeriesPower, nil
	case SeriesEnergy:
		return SeriesEnergy, nil
	}
	return "", &ValidationError{
		Field:   "kind",
		Value:   s,
		Message: fmt.Sprintf("unknown series kind %q, expected power or energy", s),
	}
}

func (k SeriesKind) String() string {
	return string(k)
}

// Granularity returns the upstream period name for the kind
func (k SeriesKind) Granularity() string {
	if k == SeriesEnergy {
		return "month"
	}
	return "day"
}

// PeriodLayout returns the date layout used to name a period of this kind
func (k SeriesKind) PeriodLayout() string {
	if k == SeriesEnergy {
		return "2006-01"
	}
	return "2006-01-02"
}

// FormatPeriodStart renders a period start as YYYY-MM-DD (power) or YYYY-MM (energy)
func (k SeriesKind) FormatPeriodStart(start time.Time) string {
	return start.Format(k.PeriodLayout())
}

// Site is an energy site resolved for the duration of one run
type Site struct {
	ID                  string         `json:"site_id"`
	Name                string         `json:"site_name,omitempty"`
	ResourceType        string         `json:"resource_type,omitempty"`
	TimeZone            string         `json:"time_zone"`
	InstallationInstant time.Time      `json:"installation_instant"`
	Location            *time.Location `json:"-"`
}

// Period is one calendar day or month of history, localized to the site.
// Date holds the local calendar date naming the period, in UTC.
type Period struct {
	Kind     SeriesKind `json:"kind"`
	Date     time.Time  `json:"date"`
	Start    time.Time  `json:"start"`
	End      time.Time  `json:"end"`
	IsLatest bool       `json:"is_latest"`
}

// Label returns the period's local date formatted for its kind
func (p Period) Label() string {
	if !p.Date.IsZero() {
		return p.Kind.FormatPeriodStart(p.Date)
	}
	return p.Kind.FormatPeriodStart(p.Start)
}

// Product is one entry of the account product list
type Product struct {
	ResourceType string      `json:"resource_type"`
	EnergySiteID json.Number `json:"energy_site_id"`
	SiteName     string      `json:"site_name"`
}

// IsEnergySite reports whether the product carries downloadable site history
func (p Product) IsEnergySite() bool {
	switch p.ResourceType {
	case "battery", "solar":
		return p.EnergySiteID.String() != ""
	}
	return false
}

// SiteConfig is the subset of site_info needed to walk a site's history
type SiteConfig struct {
	SiteName             string `json:"site_name"`
	InstallationDate     string `json:"installation_date"`
	InstallationTimeZone string `json:"installation_time_zone"`
}

var installationLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToSite validates the configuration and resolves it into a Site
func (c *SiteConfig) ToSite(siteID string) (*Site, error) {
	if c.InstallationTimeZone == "" {
		return nil, &SiteConfigError{SiteID: siteID, Field: "installation_time_zone", Message: "missing time zone"}
	}
	loc, err := time.LoadLocation(c.InstallationTimeZone)
	if err != nil {
		return nil, &SiteConfigError{SiteID: siteID, Field: "installation_time_zone", Message: "unknown time zone", Err: err}
	}

	if c.InstallationDate == "" {
		return nil, &SiteConfigError{SiteID: siteID, Field: "installation_date", Message: "missing installation date"}
	}
	installed, err := parseInstallationDate(c.InstallationDate, loc)
	if err != nil {
		return nil, &SiteConfigError{SiteID: siteID, Field: "installation_date", Message: "unparseable installation date", Err: err}
	}

	return &Site{
		ID:                  siteID,
		Name:                c.SiteName,
		TimeZone:            c.InstallationTimeZone,
		InstallationInstant: installed,
		Location:            loc,
	}, nil
}

// parseInstallationDate accepts offset-qualified timestamps and naive ones
// interpreted in the site zone
func parseInstallationDate(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range installationLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// RawRecord is one upstream sample. Field order is kept so artifact
// headers follow the upstream column order.
type RawRecord struct {
	Keys   []string
	Values map[string]json.RawMessage
}

// UnmarshalJSON decodes a JSON object while remembering key order
func (r *RawRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("sample must be a JSON object, got %v", tok)
	}

	r.Keys = r.Keys[:0]
	r.Values = make(map[string]json.RawMessage)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected sample key %v", tok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("sample field %q: %w", key, err)
		}
		if _, seen := r.Values[key]; !seen {
			r.Keys = append(r.Keys, key)
		}
		r.Values[key] = raw
	}

	_, err = dec.Token()
	return err
}

// Has reports whether the record carries the named field
func (r RawRecord) Has(name string) bool {
	_, ok := r.Values[name]
	return ok
}

// Text renders a field as a table cell: numbers keep their upstream
// literal, strings are unquoted and null becomes empty.
func (r RawRecord) Text(name string) (string, error) {
	raw, ok := r.Values[name]
	if !ok {
		return "", nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", fmt.Errorf("field %q: %w", name, err)
		}
		return s, nil
	}
	return string(trimmed), nil
}

// Number parses a numeric field. Null counts as zero.
func (r RawRecord) Number(name string) (float64, error) {
	text, err := r.Text(name)
	if err != nil {
		return 0, err
	}
	if text == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, &ValidationError{Field: name, Value: text, Message: fmt.Sprintf("field %s is not numeric: %q", name, text)}
	}
	return v, nil
}

// Table is the persisted form of one period: a header and its rows
type Table struct {
	Header []string
	Rows   [][]string
}

// Len returns the number of sample rows
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}
