package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *MemoryStore {
	t.Helper()
	store := NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, username string, age time.Duration) *Record {
	return &Record{
		ID:        id,
		Username:  username,
		StartTime: time.Now().Add(-age),
	}
}

func TestMemoryStoreSaveAndGet(t *testing.T) {
	store := testStore(t)

	r := record("r1", "alice", 0)
	store.Save(r)

	got, ok := store.Get("r1")
	require.True(t, ok)
	assert.Equal(t, r, got)

	_, ok = store.Get("missing")
	assert.False(t, ok)
}

func TestMemoryStoreSaveOverwritesSameID(t *testing.T) {
	store := testStore(t)

	r := record("r1", "alice", time.Minute)
	store.Save(r)

	r.EndTime = time.Now()
	store.Save(r)

	got, _ := store.Get("r1")
	assert.False(t, got.Active())
	assert.Greater(t, got.Duration(), time.Duration(0))
}

func TestMemoryStoreByUser(t *testing.T) {
	store := testStore(t)
	store.Save(record("r1", "alice", 3*time.Minute))
	store.Save(record("r2", "bob", 2*time.Minute))
	store.Save(record("r3", "alice", time.Minute))

	records := store.ByUser("alice")
	require.Len(t, records, 2)
	assert.Equal(t, "r3", records[0].ID, "newest record comes first")
	assert.Equal(t, "r1", records[1].ID)

	assert.Empty(t, store.ByUser("nobody"))
}

func TestMemoryStoreRecent(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 5; i++ {
		store.Save(record(fmt.Sprintf("r%d", i), "alice", time.Duration(i)*time.Minute))
	}

	recent := store.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, "r0", recent[0].ID)

	assert.Len(t, store.Recent(0), 5, "zero limit returns everything")
}

func TestMemoryStoreEvictsExpired(t *testing.T) {
	store := testStore(t)
	store.Save(record("fresh", "alice", time.Minute))
	store.Save(record("stale", "alice", RecordTTL+time.Hour))

	store.evictExpired()

	_, ok := store.Get("fresh")
	assert.True(t, ok)
	_, ok = store.Get("stale")
	assert.False(t, ok)
}

func TestRecordActiveAndDuration(t *testing.T) {
	r := record("r1", "alice", time.Minute)
	assert.True(t, r.Active())
	assert.Greater(t, r.Duration(), time.Duration(0), "active records report elapsed time so far")

	r.EndTime = r.StartTime.Add(30 * time.Second)
	assert.False(t, r.Active())
	assert.Equal(t, 30*time.Second, r.Duration())
}
