package model

import (
	"database/sql"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

////////////////////////
// DATABASE STRUCTURES //
////////////////////////

// DatabaseModels is a list of all the structs exported here which represent tables in the database schema
var DatabaseModels = []interface{}{
	&FleetInfo{},
	&Operator{},
	&Vehicle{},
	&VehiclePosition{},
}

// FleetInfo describes the fleet this instance tracks.
type FleetInfo struct {
	gorm.Model
	Name        string `json:"name" gorm:"size:127"`
	Description string `json:"description" gorm:"size:255"`
	Region      string `json:"region" gorm:"size:127"`
}

func (*FleetInfo) TableName() string {
	return "fleet_infos"
}

// Operator is a driver who can be assigned to a vehicle.
type Operator struct {
	gorm.Model
	ExternalID string `json:"id" gorm:"size:64;uniqueIndex"`
	Name       string `json:"name" gorm:"size:127"`
	Phone      string `json:"phone" gorm:"size:32"`
}

func (*Operator) TableName() string {
	return "operators"
}

// Vehicle is a tracked fleet vehicle.
type Vehicle struct {
	gorm.Model
	ExternalID string         `json:"id" gorm:"size:64;uniqueIndex"`
	Plate      string         `json:"plate" gorm:"size:32"`
	Name       string         `json:"name" gorm:"size:127"`
	Status     string         `json:"status" gorm:"size:16;index;default:available"`
	OperatorID *uint          `json:"operatorId"`
	Operator   *Operator      `json:"operator,omitempty" gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	Attributes datatypes.JSON `json:"attributes"`
}

func (*Vehicle) TableName() string {
	return "vehicles"
}

// Label is the plate, or the name for unplated vehicles.
func (v *Vehicle) Label() string {
	if v.Plate != "" {
		return v.Plate
	}
	return v.Name
}

// VehiclePosition is one recorded position sample.
type VehiclePosition struct {
	ID         uint            `json:"id" gorm:"primarykey"`
	VehicleID  string          `json:"vehicleId" gorm:"size:64;index:idx_vehicle_recorded_at,priority:1"`
	RecordedAt time.Time       `json:"recordedAt" gorm:"index:idx_vehicle_recorded_at,priority:2"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	Speed      float64         `json:"speed"`
	Heading    sql.NullFloat64 `json:"heading"`
}

func (*VehiclePosition) TableName() string {
	return "vehicle_positions"
}

// Sample converts the record into a core sample.
func (p *VehiclePosition) Sample() core.PositionSample {
	s := core.PositionSample{
		EntityID:  p.VehicleID,
		Latitude:  p.Latitude,
		Longitude: p.Longitude,
		Timestamp: p.RecordedAt.UTC(),
		Speed:     p.Speed,
	}
	if p.Heading.Valid {
		s.Heading = core.HeadingPtr(p.Heading.Float64)
	}
	return s
}

// PositionFromSample builds a record from a core sample.
func PositionFromSample(s core.PositionSample) VehiclePosition {
	p := VehiclePosition{
		VehicleID:  s.EntityID,
		RecordedAt: s.Timestamp.UTC(),
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		Speed:      s.Speed,
	}
	if h, ok := s.HeadingDegrees(); ok {
		p.Heading = sql.NullFloat64{Float64: h, Valid: true}
	}
	return p
}

// TrackedEntity converts the vehicle and its last position (if any).
func (v *Vehicle) TrackedEntity(last *VehiclePosition) core.TrackedEntity {
	status, err := core.ParseStatus(v.Status)
	if err != nil {
		status = core.StatusAvailable
	}
	e := core.TrackedEntity{
		ID:     v.ExternalID,
		Label:  v.Label(),
		Status: status,
	}
	if v.Operator != nil {
		e.Operator = &core.Operator{ID: v.Operator.ExternalID, Name: v.Operator.Name}
	}
	if last != nil {
		s := last.Sample()
		e.LastPosition = &s
	}
	return e
}
