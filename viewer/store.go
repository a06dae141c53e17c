package viewer

import "time"

// Summary is a read-only view of the store for status pages.
type Summary struct {
	Viewers         int            `json:"viewers"`
	ActiveToday     int            `json:"active_today"`
	InteractedToday int            `json:"interactions_today"`
	ByStatus        map[Status]int `json:"by_status"`
}

// Store holds every viewer seen in the session, keyed by Key(author).
type Store struct {
	viewers   map[string]*State
	lastSweep time.Time
}

func NewStore() *Store {
	return &Store{viewers: make(map[string]*State)}
}

// Peek returns the viewer's state after applying any day rollover. Unknown authors get a
// fresh, unstored state; it becomes stored only through Record.
func (s *Store) Peek(author string, now time.Time) *State {
	s.maybeSweep(now)
	key := Key(author)
	if st, ok := s.viewers[key]; ok {
		st.rollover(now)
		return st
	}
	return newState(key, now)
}

// Record commits an accepted interaction, creating the viewer on first acceptance.
func (s *Store) Record(author, normalized, topic string, now time.Time) *State {
	key := Key(author)
	st, ok := s.viewers[key]
	if !ok {
		st = newState(key, now)
		s.viewers[key] = st
	} else {
		st.rollover(now)
	}
	st.record(normalized, topic, now)
	return st
}

// Prune removes viewers idle for longer than InactivityTTL and returns how many were dropped.
func (s *Store) Prune(now time.Time) int {
	removed := 0
	for key, st := range s.viewers {
		if now.Sub(st.LastInteraction) > InactivityTTL {
			delete(s.viewers, key)
			removed++
			continue
		}
		st.rollover(now)
	}
	s.lastSweep = dayOf(now)
	return removed
}

func (s *Store) maybeSweep(now time.Time) {
	if dayOf(now).After(s.lastSweep) {
		s.Prune(now)
	}
}

// Reset forgets every viewer.
func (s *Store) Reset() {
	s.viewers = make(map[string]*State)
	s.lastSweep = time.Time{}
}

// Len returns the number of stored viewers.
func (s *Store) Len() int { return len(s.viewers) }

// Summary reports today's activity.
func (s *Store) Summary(now time.Time) Summary {
	sum := Summary{Viewers: len(s.viewers), ByStatus: make(map[Status]int)}
	today := dayOf(now)
	for _, st := range s.viewers {
		sum.ByStatus[st.Status]++
		if st.Day.Equal(today) && st.DailyCount > 0 {
			sum.ActiveToday++
			sum.InteractedToday += st.DailyCount
		}
	}
	return sum
}
