package tracking

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the controller for readers outside the
// loop (HTTP handlers, log context).
type Status struct {
	State       State         `json:"state"`
	Surface     string        `json:"surface"`
	Selected    string        `json:"selected,omitempty"`
	Filter      string        `json:"filter,omitempty"`
	Entities    int           `json:"entities"`
	Markers     int           `json:"markers"`
	HistoryOpen bool          `json:"historyOpen"`
	Applied     int           `json:"applied"`
	LastNotice  *Notification `json:"lastNotice,omitempty"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// statusBox holds the latest Status. The loop writes it, anyone reads it.
type statusBox struct {
	mu     sync.RWMutex
	status Status
}

func newStatusBox() *statusBox {
	return &statusBox{status: Status{State: StateIdle, Surface: "idle"}}
}

func (b *statusBox) get() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

func (b *statusBox) set(s Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = s
}
