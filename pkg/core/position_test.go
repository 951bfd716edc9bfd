package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionSample_Validate(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	valid := PositionSample{EntityID: "V1", Latitude: 35.9, Longitude: 14.4, Timestamp: ts, Speed: 40}

	tests := []struct {
		name    string
		mutate  func(s *PositionSample)
		wantErr bool
	}{
		{name: "valid", mutate: func(s *PositionSample) {}},
		{name: "missing id", mutate: func(s *PositionSample) { s.EntityID = "" }, wantErr: true},
		{name: "latitude too high", mutate: func(s *PositionSample) { s.Latitude = 91 }, wantErr: true},
		{name: "longitude too low", mutate: func(s *PositionSample) { s.Longitude = -181 }, wantErr: true},
		{name: "nan latitude", mutate: func(s *PositionSample) { s.Latitude = math.NaN() }, wantErr: true},
		{name: "negative speed", mutate: func(s *PositionSample) { s.Speed = -1 }, wantErr: true},
		{name: "zero timestamp", mutate: func(s *PositionSample) { s.Timestamp = time.Time{} }, wantErr: true},
		{name: "stationary", mutate: func(s *PositionSample) { s.Speed = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid
			tt.mutate(&s)
			err := s.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidSample))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestNormalizeHeading(t *testing.T) {
	assert.Equal(t, 90.0, NormalizeHeading(90))
	assert.Equal(t, 0.0, NormalizeHeading(360))
	assert.Equal(t, 270.0, NormalizeHeading(-90))
	assert.Equal(t, 10.0, NormalizeHeading(730))
}

func TestHistoryPath_SortPoints(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := HistoryPath{EntityID: "V1", Points: []PositionSample{
		{EntityID: "V1", Latitude: 3, Timestamp: base.Add(2 * time.Minute)},
		{EntityID: "V1", Latitude: 1, Timestamp: base},
		{EntityID: "V1", Latitude: 2, Timestamp: base.Add(time.Minute)},
		{EntityID: "V1", Latitude: 2.5, Timestamp: base.Add(time.Minute)},
	}}

	p.SortPoints()

	require.Len(t, p.Points, 4)
	for i := 1; i < len(p.Points); i++ {
		assert.False(t, p.Points[i].Timestamp.Before(p.Points[i-1].Timestamp))
	}
	// equal timestamps keep arrival order
	assert.Equal(t, 2.0, p.Points[1].Latitude)
	assert.Equal(t, 2.5, p.Points[2].Latitude)
	assert.Equal(t, LatLng{Lat: 1}, p.Coordinates()[0])
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" Assigned ")
	require.NoError(t, err)
	assert.Equal(t, StatusAssigned, st)

	_, err = ParseStatus("scrapped")
	assert.Error(t, err)
}

func TestTrackedEntity_Matches(t *testing.T) {
	e := TrackedEntity{ID: "V1", Label: "ABC 123", Operator: &Operator{ID: "D1", Name: "Maria Borg"}}

	assert.True(t, e.Matches(""))
	assert.True(t, e.Matches("abc"))
	assert.True(t, e.Matches("borg"))
	assert.False(t, e.Matches("xyz"))
	assert.False(t, TrackedEntity{Label: "DEF"}.Matches("borg"))
}
