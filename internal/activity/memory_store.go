package activity

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory with periodic eviction of
// records past the retention window.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	done    chan struct{}
	once    sync.Once
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{
		records: make(map[string]*Record),
		done:    make(chan struct{}),
	}
	go store.cleanupLoop()
	return store
}

func (st *MemoryStore) Save(record *Record) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.records[record.ID] = record

	// Bound memory by dropping the oldest records past the cap.
	if len(st.records) > MaxRecords {
		all := st.sortedLocked()
		for _, r := range all[MaxRecords:] {
			delete(st.records, r.ID)
		}
	}
}

func (st *MemoryStore) Get(id string) (*Record, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()

	record, ok := st.records[id]
	return record, ok
}

func (st *MemoryStore) ByUser(username string) []*Record {
	st.mu.RLock()
	defer st.mu.RUnlock()

	var result []*Record
	for _, r := range st.sortedLocked() {
		if r.Username == username {
			result = append(result, r)
		}
	}
	return result
}

func (st *MemoryStore) Recent(limit int) []*Record {
	st.mu.RLock()
	defer st.mu.RUnlock()

	all := st.sortedLocked()
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// sortedLocked returns all records newest-first. Callers must hold st.mu.
func (st *MemoryStore) sortedLocked() []*Record {
	all := make([]*Record, 0, len(st.records))
	for _, r := range st.records {
		all = append(all, r)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].StartTime.After(all[j].StartTime)
	})
	return all
}

func (st *MemoryStore) Close() error {
	st.once.Do(func() { close(st.done) })
	return nil
}

func (st *MemoryStore) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-st.done:
			return
		case <-ticker.C:
			st.evictExpired()
		}
	}
}

func (st *MemoryStore) evictExpired() {
	cutoff := time.Now().Add(-RecordTTL)

	st.mu.Lock()
	defer st.mu.Unlock()

	for id, r := range st.records {
		if r.StartTime.Before(cutoff) {
			delete(st.records, id)
		}
	}
}
