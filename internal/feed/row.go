package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

// ErrNotInsert is returned for change events other than inserts.
var ErrNotInsert = errors.New("not an insert event")

// Row is a position record as published by the backend when it is inserted.
type Row struct {
	VehicleID  string    `json:"vehicle_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	RecordedAt time.Time `json:"recorded_at"`
	Speed      *float64  `json:"speed,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
}

// Sample converts the row into a validated PositionSample.
func (r Row) Sample() (core.PositionSample, error) {
	s := core.PositionSample{
		EntityID:  r.VehicleID,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
		Timestamp: r.RecordedAt.UTC(),
	}
	if r.Speed != nil {
		s.Speed = *r.Speed
	}
	if r.Heading != nil {
		s.Heading = core.HeadingPtr(*r.Heading)
	}
	if err := s.Validate(); err != nil {
		return core.PositionSample{}, err
	}
	return s, nil
}

// RowFromSample is the inverse of Row.Sample, used by publishers.
func RowFromSample(s core.PositionSample) Row {
	speed := s.Speed
	return Row{
		VehicleID:  s.EntityID,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		RecordedAt: s.Timestamp,
		Speed:      &speed,
		Heading:    s.Heading,
	}
}

// changeEvent is the wrapper realtime backends put around a row. Rows may
// also arrive bare or inside a streaming envelope payload.
type changeEvent struct {
	Type    string          `json:"type"`
	Table   string          `json:"table,omitempty"`
	Record  json.RawMessage `json:"record,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// DecodeRow decodes one feed message into a Row. It accepts a bare row, a
// change event ({"type":"INSERT","record":{...}}) or an envelope
// ({"type":"insert","payload":{...}}).
func DecodeRow(data []byte) (Row, error) {
	var ev changeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Row{}, fmt.Errorf("decode feed message: %w", err)
	}

	switch {
	case len(ev.Record) > 0:
		if ev.Type != "" && !strings.EqualFold(ev.Type, "insert") {
			return Row{}, fmt.Errorf("%w: %s", ErrNotInsert, ev.Type)
		}
		return decodeBareRow(ev.Record)
	case len(ev.Payload) > 0:
		if ev.Type != "" && !strings.EqualFold(ev.Type, "insert") {
			return Row{}, fmt.Errorf("%w: %s", ErrNotInsert, ev.Type)
		}
		return DecodeRow(ev.Payload)
	default:
		return decodeBareRow(data)
	}
}

func decodeBareRow(data []byte) (Row, error) {
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return Row{}, fmt.Errorf("decode position row: %w", err)
	}
	if r.VehicleID == "" {
		return Row{}, fmt.Errorf("decode position row: missing vehicle_id")
	}
	return r, nil
}
