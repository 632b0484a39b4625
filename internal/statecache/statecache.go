// Package statecache holds the server's in-memory view of fleet state: the
// latest known Machine row, its most recent metric reading, and a summary of
// its open security events. It is a Go-native version of the teacher's
// websocket.Hub single-goroutine-owns-the-map pattern, simplified to a plain
// RWMutex because callers (C5, C9, C10) already serialize writes per machine
// through the registry — no channel handoff is needed here.
package statecache

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

// EventSummary is a lightweight rollup of a machine's open security events,
// cheap enough to keep in memory and refresh on every C10 upsert/resolve.
type EventSummary struct {
	OpenCount     int
	HighestSeverity string
}

// MachineSnapshot is the cached view of one machine's current state.
type MachineSnapshot struct {
	Machine      db.Machine
	LatestMetric *db.Metric
	Events       EventSummary
}

// Cache is a single-writer-per-key in-memory store of MachineSnapshot,
// guarded by a RWMutex. Reads return copies so callers never observe a
// torn write and never hold a lock across their own processing.
type Cache struct {
	mu    sync.RWMutex
	byID  map[uuid.UUID]*MachineSnapshot
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{byID: make(map[uuid.UUID]*MachineSnapshot)}
}

// Upsert replaces the cached Machine record, preserving any existing metric
// and event summary for that machine.
func (c *Cache) Upsert(m db.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.byID[m.ID]
	if !ok {
		snap = &MachineSnapshot{}
		c.byID[m.ID] = snap
	}
	snap.Machine = m
}

// UpdateMetric replaces the cached latest metric for a machine. No-op if the
// machine has not been Upsert-ed yet — a metric frame arriving before the
// register frame would indicate a protocol violation upstream.
func (c *Cache) UpdateMetric(machineID uuid.UUID, metric db.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.byID[machineID]
	if !ok {
		return
	}
	snap.LatestMetric = &metric
}

// UpdateEventSummary replaces the cached open-event rollup for a machine.
func (c *Cache) UpdateEventSummary(machineID uuid.UUID, summary EventSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.byID[machineID]
	if !ok {
		return
	}
	snap.Events = summary
}

// MarkStatus updates only the cached machine's status and last-seen time,
// used by the heartbeat liveness sweep without requiring a full Machine
// reload from the database.
func (c *Cache) MarkStatus(machineID uuid.UUID, status string, lastSeenAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.byID[machineID]
	if !ok {
		return
	}
	snap.Machine.Status = status
	snap.Machine.LastSeenAt = &lastSeenAt
}

// Get returns a copy of the cached snapshot for a machine, and whether it
// was present.
func (c *Cache) Get(machineID uuid.UUID) (MachineSnapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.byID[machineID]
	if !ok {
		return MachineSnapshot{}, false
	}
	return *snap, true
}

// Snapshot returns a copy of every cached machine snapshot, for the agents
// list endpoint and the dashboard.
func (c *Cache) Snapshot() []MachineSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]MachineSnapshot, 0, len(c.byID))
	for _, snap := range c.byID {
		out = append(out, *snap)
	}
	return out
}

// Delete removes a machine from the cache, e.g. after a hard delete via the
// admin API.
func (c *Cache) Delete(machineID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, machineID)
}
