package pending

import (
	"sort"
	"sync"
)

// memoryStore is the authoritative in-process view of live operations: a map
// keyed by operation id plus a secondary index from owner id to the ids that
// owner holds. All access goes through the engine, which provides the
// per-operation serialization; the internal mutex only protects the maps
// themselves.
type memoryStore struct {
	mu     sync.RWMutex
	ops    map[string]*Operation
	owners map[string]map[string]struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		ops:    make(map[string]*Operation),
		owners: make(map[string]map[string]struct{}),
	}
}

// put inserts or replaces a record and keeps the owner index in step.
func (s *memoryStore) put(op *Operation) {
	if op == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.ops[op.ID]; ok && prev.OwnerID != op.OwnerID {
		s.dropOwnerRef(prev.OwnerID, op.ID)
	}
	s.ops[op.ID] = op
	ids := s.owners[op.OwnerID]
	if ids == nil {
		ids = make(map[string]struct{})
		s.owners[op.OwnerID] = ids
	}
	ids[op.ID] = struct{}{}
}

// get returns the live record, not a copy. Callers must hold the operation's
// lock before mutating it.
func (s *memoryStore) get(id string) *Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ops[id]
}

func (s *memoryStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return
	}
	delete(s.ops, id)
	s.dropOwnerRef(op.OwnerID, id)
}

func (s *memoryStore) dropOwnerRef(ownerID, id string) {
	ids := s.owners[ownerID]
	if ids == nil {
		return
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(s.owners, ownerID)
	}
}

// countPending returns the number of pending operations held by an owner.
func (s *memoryStore) countPending(ownerID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for id := range s.owners[ownerID] {
		if op, ok := s.ops[id]; ok && op.Status == StatusPending {
			count++
		}
	}
	return count
}

// listByOwner returns the owner's operations ordered by creation time.
func (s *memoryStore) listByOwner(ownerID string) []*Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Operation, 0, len(s.owners[ownerID]))
	for id := range s.owners[ownerID] {
		if op, ok := s.ops[id]; ok {
			result = append(result, op)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// listAll returns every live record in unspecified order.
func (s *memoryStore) listAll() []*Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*Operation, 0, len(s.ops))
	for _, op := range s.ops {
		result = append(result, op)
	}
	return result
}

func (s *memoryStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ops)
}

// sweepOwnerIndex removes index entries pointing at records that no longer
// exist. Returns the number of dangling entries dropped.
func (s *memoryStore) sweepOwnerIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for ownerID, ids := range s.owners {
		for id := range ids {
			if _, ok := s.ops[id]; !ok {
				delete(ids, id)
				dropped++
			}
		}
		if len(ids) == 0 {
			delete(s.owners, ownerID)
		}
	}
	return dropped
}
