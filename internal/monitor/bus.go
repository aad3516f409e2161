package monitor

import "batchbridge/internal/eventbus"

// BusSink publishes records and vetoes on an event bus.
type BusSink struct {
	Bus *eventbus.Bus
}

func (s BusSink) Emit(r Record) error {
	s.Bus.Publish(eventbus.Event{Type: eventbus.JobExecuted, Time: r.End, Job: r.JobName, Data: r})
	return nil
}

func (s BusSink) Vetoed(job string) {
	s.Bus.Publish(eventbus.Event{Type: eventbus.JobVetoed, Job: job})
}
