// Package problems aggregates errors and warnings produced by a single
// operation. A Problems value is itself an error, so operations keep the
// usual (T, error) shape while still reporting soft failures.
package problems

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultMaxProblems caps how many errors and warnings are retained.
const DefaultMaxProblems = 10

// Problems holds the errors and warnings raised by one operation.
// Problems beyond MaxProblems are counted but not retained.
type Problems struct {
	Errors      []error
	Warnings    []error
	MaxProblems int
	dropped     int
}

// New returns an empty Problems with the given cap. max <= 0 selects
// DefaultMaxProblems.
func New(max int) *Problems {
	if max <= 0 {
		max = DefaultMaxProblems
	}
	return &Problems{MaxProblems: max}
}

func (p *Problems) full() bool {
	max := p.MaxProblems
	if max <= 0 {
		max = DefaultMaxProblems
	}
	return len(p.Errors)+len(p.Warnings) >= max
}

// AddError records err as an error. nil is ignored.
func (p *Problems) AddError(err error) *Problems {
	if err == nil {
		return p
	}
	if p.full() {
		p.dropped++
		return p
	}
	p.Errors = append(p.Errors, err)
	return p
}

// AddWarning records err as a warning. nil is ignored.
func (p *Problems) AddWarning(err error) *Problems {
	if err == nil {
		return p
	}
	if p.full() {
		p.dropped++
		return p
	}
	p.Warnings = append(p.Warnings, err)
	return p
}

// Add merges another error into p. A nested *Problems keeps its error and
// warning split; any other error is recorded as an error.
func (p *Problems) Add(err error) *Problems {
	if err == nil {
		return p
	}
	var other *Problems
	if errors.As(err, &other) {
		for _, e := range other.Errors {
			p.AddError(e)
		}
		for _, w := range other.Warnings {
			p.AddWarning(w)
		}
		p.dropped += other.dropped
		return p
	}
	return p.AddError(err)
}

// HasErrors reports whether any error was recorded.
func (p *Problems) HasErrors() bool {
	return p != nil && len(p.Errors) > 0
}

// HasWarnings reports whether any warning was recorded.
func (p *Problems) HasWarnings() bool {
	return p != nil && len(p.Warnings) > 0
}

// Empty reports whether nothing was recorded.
func (p *Problems) Empty() bool {
	return p == nil || (len(p.Errors) == 0 && len(p.Warnings) == 0 && p.dropped == 0)
}

// ErrorOrNil returns p as an error, or nil when nothing was recorded.
func (p *Problems) ErrorOrNil() error {
	if p.Empty() {
		return nil
	}
	return p
}

// Error implements error.
func (p *Problems) Error() string {
	return p.Summary()
}

// Unwrap exposes every member so errors.Is and errors.As see them.
func (p *Problems) Unwrap() []error {
	all := make([]error, 0, len(p.Errors)+len(p.Warnings))
	all = append(all, p.Errors...)
	all = append(all, p.Warnings...)
	return all
}

// Summary is a one-line description, e.g. "2 errors, 1 warning: ...".
func (p *Problems) Summary() string {
	if p.Empty() {
		return "no problems"
	}
	parts := make([]string, 0, len(p.Errors)+len(p.Warnings))
	for _, e := range p.Errors {
		parts = append(parts, "error: "+e.Error())
	}
	for _, w := range p.Warnings {
		parts = append(parts, "warning: "+w.Error())
	}
	s := fmt.Sprintf("%d errors, %d warnings", len(p.Errors), len(p.Warnings))
	if p.dropped > 0 {
		s += fmt.Sprintf(" (%d dropped)", p.dropped)
	}
	return s + ": " + strings.Join(parts, "; ")
}

// IsWarningOnly reports whether err is a Problems value holding warnings
// but no errors.
func IsWarningOnly(err error) bool {
	var p *Problems
	if !errors.As(err, &p) {
		return false
	}
	return !p.HasErrors() && p.HasWarnings()
}

// HasErrors reports whether err carries at least one hard error. Plain
// (non-Problems) errors always count as hard errors.
func HasErrors(err error) bool {
	if err == nil {
		return false
	}
	var p *Problems
	if errors.As(err, &p) {
		return p.HasErrors()
	}
	return true
}
