// Package marker holds the per-vehicle presentation state of the live map:
// the last applied sample, the selection flag and the declarative view the
// surface draws from it.
package marker

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fleetdesk/fleettrack/internal/geo"
	"github.com/fleetdesk/fleettrack/pkg/core"
)

// HeadingThreshold is the heading change, in degrees, that requires the
// marker icon to be rotated again.
const HeadingThreshold = 5.0

// Change describes how much of a marker has to be redrawn.
type Change int

const (
	// ChangeNone means the update was ignored.
	ChangeNone Change = iota
	// ChangePartial means only text or position moved.
	ChangePartial
	// ChangeFull means the icon must be rebuilt (new marker, selection or rotation).
	ChangeFull
)

func (c Change) String() string {
	switch c {
	case ChangeNone:
		return "none"
	case ChangePartial:
		return "partial"
	case ChangeFull:
		return "full"
	default:
		return fmt.Sprintf("change(%d)", int(c))
	}
}

// Marker colours by status; selection overrides them.
const (
	ColorAvailable   = "#16a34a"
	ColorAssigned    = "#2563eb"
	ColorBlocked     = "#dc2626"
	ColorMaintenance = "#d97706"
	ColorSelected    = "#7c3aed"
)

// View is the declarative rendering of one marker.
type View struct {
	EntityID   string      `json:"id"`
	Label      string      `json:"label"`
	Status     core.Status `json:"status,omitempty"`
	Position   core.LatLng `json:"position"`
	Rotation   float64     `json:"rotation"`
	HasHeading bool        `json:"hasHeading"`
	SpeedText  string      `json:"speed"`
	Color      string      `json:"color"`
	Selected   bool        `json:"selected"`
	Emphasis   bool        `json:"emphasis"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Observer is notified after every change other than ChangeNone.
type Observer func(entityID string, v View, c Change)

type identity struct {
	label  string
	status core.Status
}

// state is the live marker state for one visible vehicle.
type state struct {
	sample   core.PositionSample
	selected bool
}

// Model is owned by a single goroutine (the tracking loop) and is not safe
// for concurrent use.
type Model struct {
	states     map[string]*state
	identities map[string]identity
	observers  []Observer
}

// NewModel creates an empty model.
func NewModel() *Model {
	return &Model{
		states:     make(map[string]*state),
		identities: make(map[string]identity),
	}
}

// Observe registers fn for change notifications.
func (m *Model) Observe(fn Observer) {
	m.observers = append(m.observers, fn)
}

// SetIdentity records the label and status shown for a vehicle. An existing
// marker gets a partial or full change when the text or colour differs.
func (m *Model) SetIdentity(entityID, label string, status core.Status) Change {
	prev, had := m.identities[entityID]
	next := identity{label: label, status: status}
	m.identities[entityID] = next

	st, ok := m.states[entityID]
	if !ok || (had && prev == next) {
		return ChangeNone
	}
	c := ChangePartial
	if prev.status != next.status && !st.selected {
		c = ChangeFull
	}
	m.notify(entityID, c)
	return c
}

// Update applies a new sample. The first sample creates the marker state;
// a sample that is not newer than the stored one is ignored.
func (m *Model) Update(entityID string, sample core.PositionSample, selected bool) Change {
	st, ok := m.states[entityID]
	if !ok {
		m.states[entityID] = &state{sample: sample, selected: selected}
		m.notify(entityID, ChangeFull)
		return ChangeFull
	}
	if !sample.NewerThan(st.sample) {
		return ChangeNone
	}

	c := ChangePartial
	if st.selected != selected || headingChanged(st.sample, sample) {
		c = ChangeFull
	}
	st.sample = sample
	st.selected = selected
	m.notify(entityID, c)
	return c
}

// SetSelected flips the selection flag without touching position data.
func (m *Model) SetSelected(entityID string, selected bool) Change {
	st, ok := m.states[entityID]
	if !ok || st.selected == selected {
		return ChangeNone
	}
	st.selected = selected
	m.notify(entityID, ChangeFull)
	return ChangeFull
}

// Select makes entityID the only selected marker ("" clears the selection)
// and returns the ids whose flag changed.
func (m *Model) Select(entityID string) []string {
	var changed []string
	for _, id := range m.sortedIDs() {
		if id == entityID {
			continue
		}
		if m.SetSelected(id, false) != ChangeNone {
			changed = append(changed, id)
		}
	}
	if entityID != "" && m.SetSelected(entityID, true) != ChangeNone {
		changed = append(changed, entityID)
	}
	return changed
}

// Selected returns the selected vehicle id, if any.
func (m *Model) Selected() (string, bool) {
	for id, st := range m.states {
		if st.selected {
			return id, true
		}
	}
	return "", false
}

// Sample returns the stored sample for a vehicle.
func (m *Model) Sample(entityID string) (core.PositionSample, bool) {
	st, ok := m.states[entityID]
	if !ok {
		return core.PositionSample{}, false
	}
	return st.sample, true
}

// Remove drops the marker state of one vehicle.
func (m *Model) Remove(entityID string) bool {
	if _, ok := m.states[entityID]; !ok {
		return false
	}
	delete(m.states, entityID)
	return true
}

// Retain drops every marker state whose id is not in keep and returns the
// removed ids.
func (m *Model) Retain(keep map[string]bool) []string {
	var removed []string
	for _, id := range m.sortedIDs() {
		if !keep[id] {
			delete(m.states, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of live markers.
func (m *Model) Len() int {
	return len(m.states)
}

// View renders one marker.
func (m *Model) View(entityID string) (View, bool) {
	st, ok := m.states[entityID]
	if !ok {
		return View{}, false
	}
	return m.render(entityID, st), true
}

// Views renders every marker, ordered by id.
func (m *Model) Views() []View {
	ids := m.sortedIDs()
	out := make([]View, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.render(id, m.states[id]))
	}
	return out
}

func (m *Model) render(entityID string, st *state) View {
	ident, ok := m.identities[entityID]
	label := entityID
	if ok && ident.label != "" {
		label = ident.label
	}
	rotation, hasHeading := st.sample.HeadingDegrees()

	v := View{
		EntityID:   entityID,
		Label:      label,
		Status:     ident.status,
		Position:   st.sample.Position(),
		Rotation:   rotation,
		HasHeading: hasHeading,
		SpeedText:  SpeedText(st.sample.Speed),
		Color:      StatusColor(ident.status),
		Selected:   st.selected,
		Timestamp:  st.sample.Timestamp,
	}
	if st.selected {
		v.Color = ColorSelected
		v.Emphasis = true
	}
	return v
}

func (m *Model) notify(entityID string, c Change) {
	if len(m.observers) == 0 {
		return
	}
	v := m.render(entityID, m.states[entityID])
	for _, fn := range m.observers {
		fn(entityID, v, c)
	}
}

func (m *Model) sortedIDs() []string {
	ids := make([]string, 0, len(m.states))
	for id := range m.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func headingChanged(prev, next core.PositionSample) bool {
	ph, pok := prev.HeadingDegrees()
	nh, nok := next.HeadingDegrees()
	if pok != nok {
		return true
	}
	return pok && geo.HeadingDelta(ph, nh) >= HeadingThreshold
}

// SpeedText formats the speed badge, e.g. "40 km/h".
func SpeedText(kmh float64) string {
	return fmt.Sprintf("%d km/h", int(math.Round(kmh)))
}

// StatusColor maps a status onto its marker colour.
func StatusColor(s core.Status) string {
	switch s {
	case core.StatusAssigned:
		return ColorAssigned
	case core.StatusBlocked:
		return ColorBlocked
	case core.StatusMaintenance:
		return ColorMaintenance
	default:
		return ColorAvailable
	}
}
