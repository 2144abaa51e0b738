package hub

import "sync"

// Scheduler enforces the work-in-progress cap. Issues beyond the cap stay
// parked; a parked issue has no agent and accrues no stall risk. A cap of
// zero disables the limit.
type Scheduler struct {
	mu       sync.Mutex
	cap      int
	admitted map[int]struct{}
}

func NewScheduler(wipCap int) *Scheduler {
	return &Scheduler{cap: wipCap, admitted: map[int]struct{}{}}
}

// TryAdmit claims a running slot for an issue. Re-admitting an already
// admitted issue succeeds without consuming another slot.
func (s *Scheduler) TryAdmit(issue int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.admitted[issue]; ok {
		return true
	}
	if s.cap > 0 && len(s.admitted) >= s.cap {
		return false
	}
	s.admitted[issue] = struct{}{}
	return true
}

// Release frees the slot held by an issue.
func (s *Scheduler) Release(issue int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.admitted, issue)
}

// Admitted reports whether an issue currently holds a slot.
func (s *Scheduler) Admitted(issue int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.admitted[issue]
	return ok
}

// Running returns the number of held slots.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.admitted)
}
