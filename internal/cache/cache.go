package cache

import (
	"sort"
	"sync"

	"github.com/fleetdesk/fleettrack/pkg/core"
)

// EntityCache is the shared read model of the tracked fleet. The tracking
// controller writes it from its event loop; API handlers read it.
type EntityCache struct {
	m        sync.RWMutex
	entities map[string]core.TrackedEntity
}

func NewEntityCache() *EntityCache {
	return &EntityCache{
		entities: make(map[string]core.TrackedEntity),
	}
}

// Replace swaps in a fresh snapshot.
func (c *EntityCache) Replace(entities []core.TrackedEntity) {
	next := make(map[string]core.TrackedEntity, len(entities))
	for _, e := range entities {
		next[e.ID] = clone(e)
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.entities = next
}

// UpdatePosition stores s as the entity's last position when it is newer
// than the cached one. Unknown entities are ignored.
func (c *EntityCache) UpdatePosition(s core.PositionSample) bool {
	c.m.Lock()
	defer c.m.Unlock()
	e, ok := c.entities[s.EntityID]
	if !ok {
		return false
	}
	if e.LastPosition != nil && !s.NewerThan(*e.LastPosition) {
		return false
	}
	sample := s
	e.LastPosition = &sample
	c.entities[s.EntityID] = e
	return true
}

func (c *EntityCache) Get(id string) (core.TrackedEntity, bool) {
	c.m.RLock()
	defer c.m.RUnlock()
	e, ok := c.entities[id]
	if !ok {
		return core.TrackedEntity{}, false
	}
	return clone(e), true
}

// List returns entities matching query, sorted by label then id.
func (c *EntityCache) List(query string) []core.TrackedEntity {
	c.m.RLock()
	out := make([]core.TrackedEntity, 0, len(c.entities))
	for _, e := range c.entities {
		if e.Matches(query) {
			out = append(out, clone(e))
		}
	}
	c.m.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Label != out[j].Label {
			return out[i].Label < out[j].Label
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *EntityCache) Len() int {
	c.m.RLock()
	defer c.m.RUnlock()
	return len(c.entities)
}

func clone(e core.TrackedEntity) core.TrackedEntity {
	if e.Operator != nil {
		op := *e.Operator
		e.Operator = &op
	}
	if e.LastPosition != nil {
		p := *e.LastPosition
		e.LastPosition = &p
	}
	return e
}
