package model

import (
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

func TestTableNames(t *testing.T) {
	tests := []struct {
		name     string
		model    interface{ TableName() string }
		expected string
	}{
		{"FleetInfo", &FleetInfo{}, "fleet_infos"},
		{"Operator", &Operator{}, "operators"},
		{"Vehicle", &Vehicle{}, "vehicles"},
		{"VehiclePosition", &VehiclePosition{}, "vehicle_positions"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.model.TableName())
		})
	}
}

func TestVehicle_Label(t *testing.T) {
	assert.Equal(t, "ABC 123", (&Vehicle{Plate: "ABC 123", Name: "Van 1"}).Label())
	assert.Equal(t, "Van 1", (&Vehicle{Name: "Van 1"}).Label())
}

func TestPosition_SampleConversion(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))
	s := core.PositionSample{EntityID: "V1", Latitude: 35.9, Longitude: 14.4, Timestamp: ts, Speed: 40, Heading: core.HeadingPtr(90)}

	p := PositionFromSample(s)
	assert.Equal(t, sql.NullFloat64{Float64: 90, Valid: true}, p.Heading)

	back := p.Sample()
	assert.True(t, back.Timestamp.Equal(ts))
	assert.Equal(t, time.UTC, back.Timestamp.Location())
	h, ok := back.HeadingDegrees()
	require.True(t, ok)
	assert.Equal(t, 90.0, h)

	s.Heading = nil
	assert.False(t, PositionFromSample(s).Heading.Valid)
}

func TestVehicle_TrackedEntity(t *testing.T) {
	v := &Vehicle{ExternalID: "V1", Plate: "ABC 123", Status: "assigned", Operator: &Operator{ExternalID: "o1", Name: "Maria Borg"}}
	last := &VehiclePosition{VehicleID: "V1", Latitude: 35.9, Longitude: 14.4, RecordedAt: time.Now()}

	e := v.TrackedEntity(last)
	assert.Equal(t, "V1", e.ID)
	assert.Equal(t, "ABC 123", e.Label)
	assert.Equal(t, core.StatusAssigned, e.Status)
	require.NotNil(t, e.Operator)
	assert.Equal(t, "Maria Borg", e.Operator.Name)
	require.NotNil(t, e.LastPosition)
	assert.Equal(t, 35.9, e.LastPosition.Latitude)

	unknown := (&Vehicle{ExternalID: "V2", Status: "parked"}).TrackedEntity(nil)
	assert.Equal(t, core.StatusAvailable, unknown.Status)
	assert.Nil(t, unknown.LastPosition)
	assert.Nil(t, unknown.Operator)
}
