package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetdesk/fleettrack/internal/database"
	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	m := database.NewManager(database.Config{Driver: "sqlite"}, nil)
	require.NoError(t, m.Connect())
	t.Cleanup(func() { _ = m.Close() })
	require.NoError(t, m.Setup())
	return New(m.DB, opts...)
}

func sample(id string, ts time.Time, lat float64) core.PositionSample {
	return core.PositionSample{EntityID: id, Latitude: lat, Longitude: 14.40, Timestamp: ts, Speed: 30, Heading: core.HeadingPtr(90)}
}

func TestListTrackedEntities(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V2", Name: "Van two", Status: core.StatusBlocked}))
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{
		ID:       "V1",
		Plate:    "ABC-123",
		Status:   core.StatusAssigned,
		Operator: &core.Operator{ID: "op-1", Name: "Maria"},
	}))

	require.NoError(t, s.InsertPosition(ctx, sample("V1", t0, 35.90)))
	require.NoError(t, s.InsertPosition(ctx, sample("V1", t0.Add(time.Minute), 35.91)))
	require.NoError(t, s.InsertPosition(ctx, sample("V1", t0.Add(-time.Minute), 35.89)))

	got, err := s.ListTrackedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	v1 := got[0]
	assert.Equal(t, "V1", v1.ID)
	assert.Equal(t, "ABC-123", v1.Label)
	assert.Equal(t, core.StatusAssigned, v1.Status)
	require.NotNil(t, v1.Operator)
	assert.Equal(t, "Maria", v1.Operator.Name)
	require.NotNil(t, v1.LastPosition)
	assert.Equal(t, 35.91, v1.LastPosition.Latitude)
	assert.True(t, t0.Add(time.Minute).Equal(v1.LastPosition.Timestamp))

	v2 := got[1]
	assert.Equal(t, "Van two", v2.Label)
	assert.Nil(t, v2.LastPosition)
	assert.Nil(t, v2.Operator)
}

func TestUpsertVehicle_Updates(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1", Plate: "OLD"}))
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1", Plate: "NEW", Status: core.StatusMaintenance}))

	got, err := s.ListTrackedEntities(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "NEW", got[0].Label)
	assert.Equal(t, core.StatusMaintenance, got[0].Status)
}

func TestUpsertVehicle_Rejects(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	assert.Error(t, s.UpsertVehicle(ctx, VehicleInput{}))
	assert.Error(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1", Status: "parked"}))
}

func TestGetHistory(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	n, err := s.InsertPositions(ctx, []core.PositionSample{
		sample("V1", t0.Add(2*time.Minute), 35.92),
		sample("V1", t0, 35.90),
		sample("V1", t0.Add(time.Minute), 35.91),
		sample("V2", t0, 36.00),
		sample("V1", t0.Add(-48*time.Hour), 35.00),
		{EntityID: "V1", Latitude: 200, Timestamp: t0},
	})
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got, err := s.GetHistory(ctx, "V1", t0.Add(-24*time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, lat := range []float64{35.90, 35.91, 35.92} {
		assert.Equal(t, lat, got[i].Latitude)
		assert.Equal(t, "V1", got[i].EntityID)
	}
	require.NotNil(t, got[0].Heading)
	assert.Equal(t, 90.0, *got[0].Heading)

	empty, err := s.GetHistory(ctx, "V9", t0.Add(-time.Hour), t0)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.GetHistory(ctx, "V1", t0, t0.Add(-time.Hour))
	assert.Error(t, err)
}

func TestGetHistory_KeepsNewestWhenCapped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t, WithMaxHistoryPoints(2))

	for i := 0; i < 4; i++ {
		require.NoError(t, s.InsertPosition(ctx, sample("V1", t0.Add(time.Duration(i)*time.Minute), 35.90+float64(i)/100)))
	}

	got, err := s.GetHistory(ctx, "V1", t0.Add(-time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, t0.Add(2*time.Minute).Equal(got[0].Timestamp))
	assert.True(t, t0.Add(3*time.Minute).Equal(got[1].Timestamp))
}

func TestInsertPosition_Invalid(t *testing.T) {
	s := newStore(t)
	err := s.InsertPosition(context.Background(), core.PositionSample{EntityID: "V1", Latitude: 91, Timestamp: t0})
	assert.True(t, errors.Is(err, core.ErrInvalidSample))
}

func TestSetStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1"}))

	require.NoError(t, s.SetStatus(ctx, "V1", core.StatusBlocked))
	got, err := s.ListTrackedEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.StatusBlocked, got[0].Status)

	assert.True(t, errors.Is(s.SetStatus(ctx, "V9", core.StatusBlocked), fleet.ErrUnknownVehicle))
	assert.Error(t, s.SetStatus(ctx, "V1", "flying"))
}

func TestHasVehicle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1"}))

	ok, err := s.HasVehicle(ctx, "V1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasVehicle(ctx, "V9")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V1", Attributes: map[string]any{"capacity": 12.0, "fuel": "diesel"}}))
	require.NoError(t, s.UpsertVehicle(ctx, VehicleInput{ID: "V2"}))

	attrs, err := s.Attributes(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, "diesel", attrs["fuel"])
	assert.Equal(t, 12.0, attrs["capacity"])

	attrs, err = s.Attributes(ctx, "V2")
	require.NoError(t, err)
	assert.Empty(t, attrs)

	_, err = s.Attributes(ctx, "V9")
	assert.True(t, errors.Is(err, fleet.ErrUnknownVehicle))
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	_, err := s.InsertPositions(ctx, []core.PositionSample{
		sample("V1", t0.Add(-72*time.Hour), 35.0),
		sample("V1", t0.Add(-50*time.Hour), 35.1),
		sample("V1", t0, 35.9),
	})
	require.NoError(t, err)

	n, err := s.Prune(ctx, t0.Add(-48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := s.GetHistory(ctx, "V1", t0.Add(-100*time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
