package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks a source that does not exist
	ErrNotFound = errors.New("source not found")
	// ErrMalformed marks a source that exists but cannot be read
	ErrMalformed = errors.New("source malformed")
)

// OutcomeStatus describes how a load finished
type OutcomeStatus string

const (
	OutcomeLoaded    OutcomeStatus = "loaded"
	OutcomeNotFound  OutcomeStatus = "not_found"
	OutcomeMalformed OutcomeStatus = "malformed"
)

// Outcome is the explicit result of a best-effort load. Loaders return an
// Outcome instead of an error for missing or malformed sources.
type Outcome struct {
	Source      string        `json:"source"`
	Status      OutcomeStatus `json:"status"`
	RowsRead    int           `json:"rows_read"`
	RowsKept    int           `json:"rows_kept"`
	RowsSkipped int           `json:"rows_skipped"`
	Warnings    []string      `json:"warnings,omitempty"`
	Detail      string        `json:"detail,omitempty"`
}

// Loaded creates a successful outcome
func Loaded(source string) Outcome {
	return Outcome{Source: source, Status: OutcomeLoaded}
}

// NotFound creates a not-found outcome
func NotFound(source string, detail string) Outcome {
	return Outcome{Source: source, Status: OutcomeNotFound, Detail: detail}
}

// Malformed creates a malformed outcome
func Malformed(source string, detail string) Outcome {
	return Outcome{Source: source, Status: OutcomeMalformed, Detail: detail}
}

// OK reports whether the source was loaded
func (o Outcome) OK() bool { return o.Status == OutcomeLoaded }

// Warn appends a formatted warning
func (o *Outcome) Warn(format string, args ...interface{}) {
	o.Warnings = append(o.Warnings, fmt.Sprintf(format, args...))
}

// Err returns nil for a loaded outcome, otherwise an error wrapping the matching sentinel
func (o Outcome) Err() error {
	switch o.Status {
	case OutcomeLoaded:
		return nil
	case OutcomeNotFound:
		return fmt.Errorf("%s: %w: %s", o.Source, ErrNotFound, o.Detail)
	default:
		return fmt.Errorf("%s: %w: %s", o.Source, ErrMalformed, o.Detail)
	}
}
