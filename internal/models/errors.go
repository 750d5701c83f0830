package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrFetchFailed marks a fetch that exhausted its retry budget
	ErrFetchFailed = errors.New("fetch failed")
	// ErrEmptySeries marks an upstream response with no samples for an in-range period
	ErrEmptySeries = errors.New("empty time series")
	// ErrSiteConfig marks a malformed or unavailable site configuration
	ErrSiteConfig = errors.New("invalid site configuration")
)

// ValidationError represents a data validation error
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsTransient returns false as validation errors are permanent
func (e *ValidationError) IsTransient() bool {
	return false
}

// FetchError is returned once a calendar history request has failed for good
type FetchError struct {
	SiteID      string
	Kind        SeriesKind
	PeriodStart time.Time
	Attempts    int
	Err         error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s %s for site %s failed after %d attempt(s): %v",
		e.Kind, e.Kind.FormatPeriodStart(e.PeriodStart), e.SiteID, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrFetchFailed}
	}
	return []error{ErrFetchFailed, e.Err}
}

// IsTransient returns true: the next run retries the period
func (e *FetchError) IsTransient() bool {
	return true
}

// PeriodError attaches site, kind and period context to a per-period failure
type PeriodError struct {
	SiteID string
	Period Period
	Err    error
}

func (e *PeriodError) Error() string {
	state := "complete"
	if e.Period.IsLatest {
		state = "partial"
	}
	return fmt.Sprintf("site %s %s period %s (%s): %v", e.SiteID, e.Period.Kind, e.Period.Label(), state, e.Err)
}

func (e *PeriodError) Unwrap() error {
	return e.Err
}

// SiteConfigError reports a site whose configuration cannot be used
type SiteConfigError struct {
	SiteID  string
	Field   string
	Message string
	Err     error
}

func (e *SiteConfigError) Error() string {
	msg := fmt.Sprintf("site %s: %s", e.SiteID, e.Message)
	if e.Field != "" {
		msg = fmt.Sprintf("site %s: %s (%s)", e.SiteID, e.Message, e.Field)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SiteConfigError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSiteConfig}
	}
	return []error{ErrSiteConfig, e.Err}
}

// IsTransient returns false as a broken site configuration needs fixing upstream
func (e *SiteConfigError) IsTransient() bool {
	return false
}
