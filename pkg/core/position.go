// pkg/core/position.go
package core

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"
)

// ErrInvalidSample is returned when a position sample fails validation.
var ErrInvalidSample = errors.New("invalid position sample")

// LatLng is a WGS84 coordinate in degrees.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Bounds is a WGS84 bounding box.
type Bounds struct {
	SouthWest LatLng `json:"southWest"`
	NorthEast LatLng `json:"northEast"`
}

// Center returns the midpoint of the box.
func (b Bounds) Center() LatLng {
	return LatLng{
		Lat: (b.SouthWest.Lat + b.NorthEast.Lat) / 2,
		Lng: (b.SouthWest.Lng + b.NorthEast.Lng) / 2,
	}
}

// PositionSample is one timestamped position reading for a vehicle.
// Samples are values and never mutated after receipt.
type PositionSample struct {
	EntityID  string    `json:"vehicleId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	Speed     float64   `json:"speed"`             // km/h
	Heading   *float64  `json:"heading,omitempty"` // degrees, [0,360)
}

// Position returns the sample coordinate.
func (s PositionSample) Position() LatLng {
	return LatLng{Lat: s.Latitude, Lng: s.Longitude}
}

// HeadingDegrees returns the heading, or 0 and false when unknown.
func (s PositionSample) HeadingDegrees() (float64, bool) {
	if s.Heading == nil {
		return 0, false
	}
	return *s.Heading, true
}

// NewerThan reports whether s was taken strictly after other.
func (s PositionSample) NewerThan(other PositionSample) bool {
	return s.Timestamp.After(other.Timestamp)
}

// Validate checks coordinate ranges, speed and timestamp.
func (s PositionSample) Validate() error {
	if s.EntityID == "" {
		return fmt.Errorf("%w: missing vehicle id", ErrInvalidSample)
	}
	if math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidSample, s.Latitude)
	}
	if math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidSample, s.Longitude)
	}
	if math.IsNaN(s.Speed) || s.Speed < 0 {
		return fmt.Errorf("%w: negative speed %v", ErrInvalidSample, s.Speed)
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSample)
	}
	return nil
}

// NormalizeHeading maps any angle in degrees onto [0,360).
func NormalizeHeading(deg float64) float64 {
	h := math.Mod(deg, 360)
	if h < 0 {
		h += 360
	}
	return h
}

// HeadingPtr is a convenience for building samples with a heading.
func HeadingPtr(deg float64) *float64 {
	h := NormalizeHeading(deg)
	return &h
}

// HistoryPath is the position trail of one vehicle over a bounded window.
type HistoryPath struct {
	EntityID string           `json:"vehicleId"`
	From     time.Time        `json:"from"`
	To       time.Time        `json:"to"`
	Points   []PositionSample `json:"points"`
}

// SortPoints orders the points by timestamp, keeping the relative order of
// equal timestamps.
func (p *HistoryPath) SortPoints() {
	SortSamples(p.Points)
}

// Coordinates returns the path as coordinates in timestamp order.
func (p HistoryPath) Coordinates() []LatLng {
	out := make([]LatLng, len(p.Points))
	for i, pt := range p.Points {
		out[i] = pt.Position()
	}
	return out
}

// SortSamples orders samples non-decreasing by timestamp (stable).
func SortSamples(samples []PositionSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].Timestamp.Before(samples[j].Timestamp)
	})
}
