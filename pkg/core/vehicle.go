// pkg/core/vehicle.go
package core

import (
	"fmt"
	"strings"
)

// Status is the fleet status of a tracked vehicle.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusAssigned    Status = "assigned"
	StatusBlocked     Status = "blocked"
	StatusMaintenance Status = "maintenance"
)

// ParseStatus converts backend text into a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusAvailable, StatusAssigned, StatusBlocked, StatusMaintenance:
		return st, nil
	default:
		return "", fmt.Errorf("unknown vehicle status %q", s)
	}
}

// Operator is the driver currently assigned to a vehicle.
type Operator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TrackedEntity is a vehicle as seen by the tracking pipeline.
// It is owned by the fleet backend and read-only here.
type TrackedEntity struct {
	ID           string          `json:"id"`
	Label        string          `json:"label"` // plate or display name
	Status       Status          `json:"status"`
	Operator     *Operator       `json:"operator,omitempty"`
	LastPosition *PositionSample `json:"lastPosition,omitempty"`
}

// OperatorName returns the assigned operator's name, or "" when unassigned.
func (e TrackedEntity) OperatorName() string {
	if e.Operator == nil {
		return ""
	}
	return e.Operator.Name
}

// Matches reports whether the free-text query matches the label or operator.
// The empty query matches everything.
func (e TrackedEntity) Matches(query string) bool {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(e.Label), q) ||
		strings.Contains(strings.ToLower(e.OperatorName()), q)
}
