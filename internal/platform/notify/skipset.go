package notify

import "github.com/google/uuid"

// SkipSet carries the identities already mutated by an inbound push within
// the current causal chain. Transition side effects thread it into Notify so
// the object that a partner just told us about is never echoed back to that
// partner, which would otherwise bounce between cooperating instances
// forever. The set lives for one request; it is never persisted.
type SkipSet struct {
	uids map[uuid.UUID]struct{}
}

func NewSkipSet() *SkipSet {
	return &SkipSet{uids: make(map[uuid.UUID]struct{})}
}

// Add marks an object as originating from the current inbound push.
func (s *SkipSet) Add(uid uuid.UUID) {
	if s == nil {
		return
	}
	s.uids[uid] = struct{}{}
}

// Contains reports whether the object must be excluded from outgoing
// notifications. A nil SkipSet contains nothing, so locally-initiated
// transitions can pass nil.
func (s *SkipSet) Contains(uid uuid.UUID) bool {
	if s == nil {
		return false
	}
	_, ok := s.uids[uid]
	return ok
}

// Len returns the number of tracked objects.
func (s *SkipSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.uids)
}
