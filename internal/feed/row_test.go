package feed

import (
	"errors"
	"testing"
	"time"

	"github.com/fleetdesk/fleettrack/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRow(t *testing.T) {
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:  "bare row",
			input: `{"vehicle_id":"V1","latitude":35.9,"longitude":14.4,"recorded_at":"2026-03-01T10:00:00Z","speed":40,"heading":90}`,
		},
		{
			name:  "change event",
			input: `{"type":"INSERT","table":"vehicle_positions","record":{"vehicle_id":"V1","latitude":35.9,"longitude":14.4,"recorded_at":"2026-03-01T10:00:00+00:00","speed":40,"heading":90}}`,
		},
		{
			name:  "envelope",
			input: `{"type":"insert","payload":{"vehicle_id":"V1","latitude":35.9,"longitude":14.4,"recorded_at":"2026-03-01T12:00:00+02:00","speed":40,"heading":90}}`,
		},
		{
			name:    "update event",
			input:   `{"type":"UPDATE","record":{"vehicle_id":"V1","latitude":35.9,"longitude":14.4,"recorded_at":"2026-03-01T10:00:00Z"}}`,
			wantErr: ErrNotInsert,
		},
		{
			name:    "not json",
			input:   `nope`,
			wantErr: errors.New("any"),
		},
		{
			name:    "missing vehicle",
			input:   `{"latitude":35.9}`,
			wantErr: errors.New("any"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeRow([]byte(tt.input))
			if tt.wantErr != nil {
				require.Error(t, err)
				if errors.Is(tt.wantErr, ErrNotInsert) {
					assert.True(t, errors.Is(err, ErrNotInsert))
				}
				return
			}
			require.NoError(t, err)
			s, err := r.Sample()
			require.NoError(t, err)
			assert.Equal(t, "V1", s.EntityID)
			assert.True(t, want.Equal(s.Timestamp))
			assert.Equal(t, time.UTC, s.Timestamp.Location())
			h, ok := s.HeadingDegrees()
			require.True(t, ok)
			assert.Equal(t, 90.0, h)
		})
	}
}

func TestRow_SampleDefaults(t *testing.T) {
	r := Row{VehicleID: "V1", Latitude: 35.9, Longitude: 14.4, RecordedAt: time.Now()}
	s, err := r.Sample()
	require.NoError(t, err)
	assert.Equal(t, 0.0, s.Speed)
	assert.Nil(t, s.Heading)
}

func TestRow_SampleNormalisesHeading(t *testing.T) {
	h := 450.0
	r := Row{VehicleID: "V1", Latitude: 35.9, Longitude: 14.4, RecordedAt: time.Now(), Heading: &h}
	s, err := r.Sample()
	require.NoError(t, err)
	assert.Equal(t, 90.0, *s.Heading)
}

func TestRowFromSample_RoundTrip(t *testing.T) {
	in := core.PositionSample{EntityID: "V1", Latitude: 35.9, Longitude: 14.4, Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), Speed: 12, Heading: core.HeadingPtr(45)}
	out, err := RowFromSample(in).Sample()
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
