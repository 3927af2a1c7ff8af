// Package ui declares the narrow surfaces the state machines drive and ships a
// log-backed implementation for headless use.
package ui

import (
	"log"
	"sync"
)

// ControlState is the visual state of the composition controls.
type ControlState string

const (
	ControlsDisabled ControlState = "disabled"
	ControlsEnabled  ControlState = "enabled"
	ControlsErrored  ControlState = "errored"
)

// Status is the connectivity indicator shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusSynced       Status = "synced"
	StatusDisconnected Status = "disconnected"
	StatusDesynced     Status = "desynced"
)

// Form is the post composition form.
type Form interface {
	SetControls(state ControlState)
	// InlineError shows a validation failure next to the form.
	InlineError(err error)
	// SetNavigationGuard toggles the "warn before navigating away" prompt.
	SetNavigationGuard(enabled bool)
}

// Alerter shows dismissible request-level failures.
type Alerter interface {
	Alert(err error)
}

// StatusIndicator shows connectivity.
type StatusIndicator interface {
	SetStatus(status Status)
}

// Surface bundles every UI collaborator.
type Surface interface {
	Form
	Alerter
	StatusIndicator
}

// LogSurface renders every UI call as a log line.
type LogSurface struct {
	logger *log.Logger
}

var _ Surface = (*LogSurface)(nil)

// NewLogSurface builds a surface writing to logger, or log.Default when nil.
func NewLogSurface(logger *log.Logger) *LogSurface {
	if logger == nil {
		logger = log.Default()
	}
	return &LogSurface{logger: logger}
}

func (s *LogSurface) SetControls(state ControlState) {
	s.logger.Printf("form controls %s", state)
}

func (s *LogSurface) InlineError(err error) {
	s.logger.Printf("form error: %v", err)
}

func (s *LogSurface) SetNavigationGuard(enabled bool) {
	s.logger.Printf("navigation guard enabled=%t", enabled)
}

func (s *LogSurface) Alert(err error) {
	s.logger.Printf("alert: %v", err)
}

func (s *LogSurface) SetStatus(status Status) {
	s.logger.Printf("connection status %s", status)
}

// Recorder captures UI calls. Safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	controls []ControlState
	inline   []error
	alerts   []error
	statuses []Status
	guard    bool
}

var _ Surface = (*Recorder)(nil)

func (r *Recorder) SetControls(state ControlState) {
	r.mu.Lock()
	r.controls = append(r.controls, state)
	r.mu.Unlock()
}

func (r *Recorder) InlineError(err error) {
	r.mu.Lock()
	r.inline = append(r.inline, err)
	r.mu.Unlock()
}

func (r *Recorder) SetNavigationGuard(enabled bool) {
	r.mu.Lock()
	r.guard = enabled
	r.mu.Unlock()
}

func (r *Recorder) Alert(err error) {
	r.mu.Lock()
	r.alerts = append(r.alerts, err)
	r.mu.Unlock()
}

func (r *Recorder) SetStatus(status Status) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

// Controls returns the last control state, or "" when never set.
func (r *Recorder) Controls() ControlState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.controls) == 0 {
		return ""
	}
	return r.controls[len(r.controls)-1]
}

// Guard reports whether the navigation guard is on.
func (r *Recorder) Guard() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.guard
}

// Alerts returns recorded alerts.
func (r *Recorder) Alerts() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.alerts...)
}

// InlineErrors returns recorded inline errors.
func (r *Recorder) InlineErrors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.inline...)
}

// Statuses returns every status shown, in order.
func (r *Recorder) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

// LastStatus returns the most recent status, or "" when none.
func (r *Recorder) LastStatus() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}
