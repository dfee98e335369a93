package main

import "sync"

// CoreStats is a point-in-time view of the core's counters.
type CoreStats struct {
	State       CoreState
	Cursor      int
	Commands    [CMD_LAST + 1]uint64 // indexed by opcode
	Faults      [FAULT_CORRUPT + 1]uint64
	Ignored     uint64 // unrecognized opcodes seen
	Superseded  uint64 // paged copies replaced by a new begin
	Abandoned   uint64 // paged copies left unfinished when the owner moved on
	BytesCopied uint64
	Cache       CacheStats
}

// TotalCommands sums the per-opcode counters.
func (s CoreStats) TotalCommands() uint64 {
	var n uint64
	for _, c := range s.Commands {
		n += c
	}
	return n
}

// TotalFaults sums the per-code fault counters.
func (s CoreStats) TotalFaults() uint64 {
	var n uint64
	for _, c := range s.Faults {
		n += c
	}
	return n
}

type runtimeStatusStore struct {
	mu sync.RWMutex
	CoreStats
}

func (s *runtimeStatusStore) command(op uint8) {
	s.mu.Lock()
	if int(op) < len(s.Commands) {
		s.Commands[op]++
	}
	s.mu.Unlock()
}

func (s *runtimeStatusStore) fault(code uint64) {
	s.mu.Lock()
	if code < uint64(len(s.Faults)) {
		s.Faults[code]++
	}
	s.mu.Unlock()
}

func (s *runtimeStatusStore) ignored() {
	s.mu.Lock()
	s.Ignored++
	s.mu.Unlock()
}

func (s *runtimeStatusStore) superseded() {
	s.mu.Lock()
	s.Superseded++
	s.mu.Unlock()
}

func (s *runtimeStatusStore) abandoned() {
	s.mu.Lock()
	s.Abandoned++
	s.mu.Unlock()
}

func (s *runtimeStatusStore) copied(n uint64) {
	s.mu.Lock()
	s.BytesCopied += n
	s.mu.Unlock()
}

func (s *runtimeStatusStore) setCursor(cursor int) {
	s.mu.Lock()
	s.Cursor = cursor
	s.mu.Unlock()
}

func (s *runtimeStatusStore) snapshot() CoreStats {
	s.mu.RLock()
	snap := s.CoreStats
	s.mu.RUnlock()
	return snap
}
