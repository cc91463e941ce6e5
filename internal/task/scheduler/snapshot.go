package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Snapshot reports trigger state with next/previous fire times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	c := s.c
	loc := s.loc
	type row struct {
		name, spec string
		id         cron.EntryID
	}
	rows := make([]row, 0, len(s.defs))
	for _, d := range s.defs {
		rows = append(rows, row{name: d.name, spec: d.spec, id: d.entryID})
	}
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}
	out := Snapshot{
		Running:   c != nil,
		Paused:    s.engine.Paused(),
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(rows)),
	}
	for _, r := range rows {
		it := ScheduleInfo{Name: r.name, Spec: r.spec, Disabled: s.engine.Disabled(r.name)}
		if c != nil && r.id != 0 {
			e := c.Entry(r.id)
			it.Active = e.Valid()
			it.Next = e.Next
			it.Prev = e.Prev
		}
		out.Schedules = append(out.Schedules, it)
	}
	return out
}

// NextRuns previews the next n fire times of a schedule from now.
func NextRuns(schedule string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
