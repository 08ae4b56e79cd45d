package queue

// refSet is an insertion-ordered set of delivered idempotency refs. It grows
// monotonically up to cap entries; beyond that the oldest refs are evicted,
// which bounds the state file at the cost of forgetting deliveries older
// than the cap horizon.
type refSet struct {
	cap     int
	members map[string]struct{}
	order   []string
}

func newRefSet(capacity int) *refSet {
	return &refSet{
		cap:     capacity,
		members: make(map[string]struct{}),
	}
}

func (s *refSet) Contains(ref string) bool {
	_, ok := s.members[ref]
	return ok
}

func (s *refSet) Add(ref string) {
	if ref == "" || s.Contains(ref) {
		return
	}
	s.members[ref] = struct{}{}
	s.order = append(s.order, ref)
	for len(s.order) > s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.members, oldest)
	}
}

func (s *refSet) Refs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}
