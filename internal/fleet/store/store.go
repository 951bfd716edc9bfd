// Package store implements the fleet Source on GORM (Postgres or SQLite).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fleetdesk/fleettrack/internal/fleet"
	"github.com/fleetdesk/fleettrack/internal/model"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

const defaultMaxHistoryPoints = 5000

// Store reads and writes fleet tables.
type Store struct {
	db               *gorm.DB
	maxHistoryPoints int
}

var (
	_ fleet.Source   = (*Store)(nil)
	_ fleet.Recorder = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithMaxHistoryPoints caps the samples GetHistory returns; the newest
// points are kept.
func WithMaxHistoryPoints(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistoryPoints = n
		}
	}
}

// New wraps a migrated database.
func New(db *gorm.DB, opts ...Option) *Store {
	s := &Store{db: db, maxHistoryPoints: defaultMaxHistoryPoints}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListTrackedEntities returns all vehicles ordered by id, each with its
// latest position.
func (s *Store) ListTrackedEntities(ctx context.Context) ([]core.TrackedEntity, error) {
	var vehicles []model.Vehicle
	if err := s.db.WithContext(ctx).Preload("Operator").Order("external_id").Find(&vehicles).Error; err != nil {
		return nil, fmt.Errorf("list vehicles: %w", err)
	}

	latest, err := s.latestPositions(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]core.TrackedEntity, 0, len(vehicles))
	for i := range vehicles {
		var last *model.VehiclePosition
		if p, ok := latest[vehicles[i].ExternalID]; ok {
			last = &p
		}
		out = append(out, vehicles[i].TrackedEntity(last))
	}
	return out, nil
}

func (s *Store) latestPositions(ctx context.Context) (map[string]model.VehiclePosition, error) {
	newest := s.db.Model(&model.VehiclePosition{}).
		Select("vehicle_id, MAX(recorded_at) AS recorded_at").
		Group("vehicle_id")

	var rows []model.VehiclePosition
	err := s.db.WithContext(ctx).
		Table("vehicle_positions AS p").
		Select("p.*").
		Joins("JOIN (?) AS m ON p.vehicle_id = m.vehicle_id AND p.recorded_at = m.recorded_at", newest).
		Order("p.id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("latest positions: %w", err)
	}

	out := make(map[string]model.VehiclePosition, len(rows))
	for _, r := range rows {
		// ties on recorded_at resolve to the last inserted row
		out[r.VehicleID] = r
	}
	return out, nil
}

// GetHistory returns samples for id within [from, to] ordered by time.
func (s *Store) GetHistory(ctx context.Context, id string, from, to time.Time) ([]core.PositionSample, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("history window ends before it starts")
	}
	var rows []model.VehiclePosition
	err := s.db.WithContext(ctx).
		Where("vehicle_id = ? AND recorded_at >= ? AND recorded_at <= ?", id, from.UTC(), to.UTC()).
		Order("recorded_at DESC, id DESC").
		Limit(s.maxHistoryPoints).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", id, err)
	}

	out := make([]core.PositionSample, len(rows))
	for i := range rows {
		out[len(rows)-1-i] = rows[i].Sample()
	}
	return out, nil
}

// InsertPosition validates and stores one sample.
func (s *Store) InsertPosition(ctx context.Context, sample core.PositionSample) error {
	if err := sample.Validate(); err != nil {
		return err
	}
	p := model.PositionFromSample(sample)
	if err := s.db.WithContext(ctx).Create(&p).Error; err != nil {
		return fmt.Errorf("insert position for %s: %w", sample.EntityID, err)
	}
	return nil
}

// InsertPositions stores samples in batches, skipping invalid ones. It
// returns the number stored.
func (s *Store) InsertPositions(ctx context.Context, samples []core.PositionSample) (int, error) {
	rows := make([]model.VehiclePosition, 0, len(samples))
	for _, sample := range samples {
		if sample.Validate() != nil {
			continue
		}
		rows = append(rows, model.PositionFromSample(sample))
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if err := s.db.WithContext(ctx).CreateInBatches(rows, 500).Error; err != nil {
		return 0, fmt.Errorf("insert positions: %w", err)
	}
	return len(rows), nil
}

// VehicleInput describes a vehicle to create or update.
type VehicleInput struct {
	ID         string
	Plate      string
	Name       string
	Status     core.Status
	Operator   *core.Operator
	Attributes map[string]any
}

// UpsertVehicle creates or updates a vehicle and its operator.
func (s *Store) UpsertVehicle(ctx context.Context, in VehicleInput) error {
	if in.ID == "" {
		return errors.New("vehicle id is required")
	}
	if in.Status == "" {
		in.Status = core.StatusAvailable
	}
	if _, err := core.ParseStatus(string(in.Status)); err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		v := model.Vehicle{
			ExternalID: in.ID,
			Plate:      in.Plate,
			Name:       in.Name,
			Status:     string(in.Status),
		}
		if in.Attributes != nil {
			attrs, err := datatypes.NewJSONType(in.Attributes).MarshalJSON()
			if err != nil {
				return fmt.Errorf("encode attributes: %w", err)
			}
			v.Attributes = datatypes.JSON(attrs)
		}

		if in.Operator != nil {
			op := model.Operator{ExternalID: in.Operator.ID, Name: in.Operator.Name}
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_id"}},
				DoUpdates: clause.AssignmentColumns([]string{"name", "updated_at"}),
			}).Create(&op).Error; err != nil {
				return fmt.Errorf("upsert operator %s: %w", in.Operator.ID, err)
			}
			if err := tx.Where("external_id = ?", in.Operator.ID).First(&op).Error; err != nil {
				return fmt.Errorf("load operator %s: %w", in.Operator.ID, err)
			}
			v.OperatorID = &op.ID
		}

		if err := tx.Omit("Operator").Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "external_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plate", "name", "status", "operator_id", "attributes", "updated_at"}),
		}).Create(&v).Error; err != nil {
			return fmt.Errorf("upsert vehicle %s: %w", in.ID, err)
		}
		return nil
	})
}

// SetStatus changes a vehicle's status.
func (s *Store) SetStatus(ctx context.Context, id string, status core.Status) error {
	if _, err := core.ParseStatus(string(status)); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&model.Vehicle{}).Where("external_id = ?", id).Update("status", string(status))
	if res.Error != nil {
		return fmt.Errorf("set status for %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, id)
	}
	return nil
}

// HasVehicle reports whether id is a known vehicle.
func (s *Store) HasVehicle(ctx context.Context, id string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&model.Vehicle{}).Where("external_id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("look up vehicle %s: %w", id, err)
	}
	return n > 0, nil
}

// Attributes returns a vehicle's free-form attributes.
func (s *Store) Attributes(ctx context.Context, id string) (map[string]any, error) {
	var v model.Vehicle
	err := s.db.WithContext(ctx).Where("external_id = ?", id).First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", fleet.ErrUnknownVehicle, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load vehicle %s: %w", id, err)
	}
	out := map[string]any{}
	if len(v.Attributes) > 0 {
		var attrs datatypes.JSONType[map[string]any]
		if err := attrs.UnmarshalJSON(v.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes: %w", err)
		}
		out = attrs.Data()
	}
	return out, nil
}

// Prune deletes positions recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("recorded_at < ?", cutoff.UTC()).Delete(&model.VehiclePosition{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune positions: %w", res.Error)
	}
	return res.RowsAffected, nil
}
