package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	tz := s.cfg.Timezone
	if tz == "" {
		tz = loc.String()
	}

	items := make([]EntryInfo, 0, len(s.entries))
	for _, e := range s.entries {
		it := EntryInfo{
			TaskID:    e.taskID,
			Schedule:  e.schedule,
			Spec:      e.spec,
			State:     e.state,
			Fired:     e.fired,
			Dropped:   e.dropped,
			LastFired: e.lastFired,
		}
		if s.c != nil && e.entryID != 0 {
			ce := s.c.Entry(e.entryID)
			it.Next = ce.Next
			it.Prev = ce.Prev
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].TaskID < items[j].TaskID })

	return Snapshot{
		Running:         s.c != nil,
		Timezone:        tz,
		DefaultInterval: s.defaultIntervalLocked(),
		Entries:         items,
	}
}
