package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  s.cfg.Timezone,
		Persisted: s.store != nil,
		Jobs:      make([]JobInfo, 0, len(s.jobs)),
	}
	loc := s.loc
	for _, e := range s.jobs {
		info := JobInfo{
			Key:         e.detail.Key,
			Trigger:     e.trigger.Key,
			Cron:        e.trigger.Cron,
			Description: e.detail.Description,
			Kind:        e.detail.Kind,
			Busy:        e.state.Busy(),
		}
		if s.c != nil && e.entryID != 0 {
			ent := s.c.Entry(e.entryID)
			info.Next, info.Prev = ent.Next, ent.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	eng := s.engine
	s.mu.Unlock()

	if snap.Timezone == "" {
		if loc == nil {
			loc = time.Local
		}
		snap.Timezone = loc.String()
	}
	sort.Slice(snap.Jobs, func(i, j int) bool {
		a, b := snap.Jobs[i].Key, snap.Jobs[j].Key
		if a.Group != b.Group {
			return a.Group < b.Group
		}
		return a.Name < b.Name
	})
	snap.Listeners = s.Listeners()
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
