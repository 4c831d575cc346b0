// Package store implements the in-memory key/value table shared by every
// connection worker: latency-critical reads and writes against single
// keys, and a best-effort substring scan across the whole table.
package store

import (
	"maps"
	"runtime"
	"strings"
	"sync"

	"github.com/epa127/aspen/internal/wire"
)

// Store guards a map[uint64]string behind a RWMutex. LC operations take
// the lock for the duration of a single map access; BE scans clone the
// map under a read lock and release it immediately, bounding the time
// any writer can be blocked by a scan in flight (see the internal/store
// entry in DESIGN.md).
type Store struct {
	mu    sync.RWMutex
	table map[uint64]string
}

// New wraps an existing table. Callers building a server dataset own
// loading it (see internal/dataset); Store never touches disk.
func New(initial map[uint64]string) *Store {
	if initial == nil {
		initial = make(map[uint64]string, wire.Capacity)
	}
	return &Store{table: initial}
}

// Len reports the number of keys currently stored.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// LcRead returns the value at key, and whether it was present.
func (s *Store) LcRead(key uint64) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.table[key]
	return v, ok
}

// LcWrite stores value at key and returns the previous value, if any.
func (s *Store) LcWrite(key uint64, value string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.table[key]
	s.table[key] = value
	return prev, had
}

// BeScan counts entries whose value contains substring. It clones the
// table under a read lock, then scans the clone lock-free, yielding the
// goroutine every 2^YieldFreq iterations so a long scan cannot starve
// the server's LC operations on a busy GOMAXPROCS. This mirrors
// original_source's be_task: snapshot, drop the lock, then
// yield_now().await every 2^YIELD_FREQ entries of the iteration.
func (s *Store) BeScan(substring string) int {
	s.mu.RLock()
	snapshot := maps.Clone(s.table)
	s.mu.RUnlock()

	const yieldMask = (1 << wire.YieldFreq) - 1
	freq := 0
	i := 0
	for _, username := range snapshot {
		if strings.Contains(username, substring) {
			freq++
		}
		if i&yieldMask == 0 {
			runtime.Gosched()
		}
		i++
	}
	return freq
}
