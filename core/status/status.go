// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package status holds the operator-visible status vocabulary reported
// by the reconciliation engine.
package status

// Status represents the workload state an operator sees for the router
// unit: waiting for relation data, in maintenance while a transition is
// in flight, blocked on a condition that needs new input, or active.
type Status string

// String returns a string representation of the Status.
func (s Status) String() string {
	return string(s)
}

const (
	// Waiting indicates insufficient relation data. It is a valid
	// steady state, not an error.
	Waiting Status = "waiting"

	// Maintenance indicates a lifecycle transition (bootstrap,
	// reconfigure, restart) is in progress.
	Maintenance Status = "maintenance"

	// Blocked indicates a failure that will not clear without new
	// input: bootstrap retries exhausted, invalid configuration, or
	// the service refusing to run.
	Blocked Status = "blocked"

	// Active indicates the router is bootstrapped, configured and
	// running.
	Active Status = "active"
)

// KnownStatus reports whether s is one of the recognised values.
func (s Status) KnownStatus() bool {
	switch s {
	case Waiting, Maintenance, Blocked, Active:
		return true
	}
	return false
}

// Info holds a Status and its human-readable explanation.
type Info struct {
	Status  Status `json:"status" yaml:"status"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
}
