package statecache

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/arkeep-io/arkeep/server/internal/db"
)

func TestUpsertThenGet(t *testing.T) {
	c := New()
	id := uuid.New()

	c.Upsert(db.Machine{ID: id, Hostname: "web-01", Status: "online"})

	snap, ok := c.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "web-01", snap.Machine.Hostname)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	c := New()
	_, ok := c.Get(uuid.New())
	assert.False(t, ok)
}

func TestUpsertPreservesMetricAndEvents(t *testing.T) {
	c := New()
	id := uuid.New()

	c.Upsert(db.Machine{ID: id, Hostname: "web-01"})
	c.UpdateMetric(id, db.Metric{CPUPercent: 42})
	c.UpdateEventSummary(id, EventSummary{OpenCount: 2, HighestSeverity: "high"})

	c.Upsert(db.Machine{ID: id, Hostname: "web-01-renamed"})

	snap, ok := c.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "web-01-renamed", snap.Machine.Hostname)
	assert.Equal(t, float64(42), snap.LatestMetric.CPUPercent)
	assert.Equal(t, 2, snap.Events.OpenCount)
}

func TestUpdateMetricNoopWhenMachineNotCached(t *testing.T) {
	c := New()
	c.UpdateMetric(uuid.New(), db.Metric{CPUPercent: 99})
	assert.Empty(t, c.Snapshot())
}

func TestMarkStatusUpdatesStatusAndLastSeen(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Upsert(db.Machine{ID: id, Status: "online"})

	now := time.Now()
	c.MarkStatus(id, "offline", now)

	snap, ok := c.Get(id)
	assert.True(t, ok)
	assert.Equal(t, "offline", snap.Machine.Status)
	assert.WithinDuration(t, now, *snap.Machine.LastSeenAt, time.Second)
}

func TestMarkStatusNoopWhenMachineNotCached(t *testing.T) {
	c := New()
	c.MarkStatus(uuid.New(), "offline", time.Now())
	assert.Empty(t, c.Snapshot())
}

func TestSnapshotReturnsAllMachines(t *testing.T) {
	c := New()
	c.Upsert(db.Machine{ID: uuid.New()})
	c.Upsert(db.Machine{ID: uuid.New()})

	assert.Len(t, c.Snapshot(), 2)
}

func TestDeleteRemovesMachine(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Upsert(db.Machine{ID: id})

	c.Delete(id)

	_, ok := c.Get(id)
	assert.False(t, ok)
}

func TestGetReturnsCopyNotSharedPointer(t *testing.T) {
	c := New()
	id := uuid.New()
	c.Upsert(db.Machine{ID: id, Hostname: "original"})

	snap, _ := c.Get(id)
	snap.Machine.Hostname = "mutated-by-caller"

	fresh, _ := c.Get(id)
	assert.Equal(t, "original", fresh.Machine.Hostname)
}
