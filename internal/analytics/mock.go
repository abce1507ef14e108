package analytics

import (
	"context"
	"sync"
)

var (
	_ EventSink = (*Analytics)(nil)
	_ EventSink = NoopSink{}
	_ EventSink = (*MemorySink)(nil)
)

// NoopSink discards events. It is used when ClickHouse is not configured.
type NoopSink struct{}

func (NoopSink) RecordAdEvent(context.Context, AdEvent) error { return nil }

// MemorySink keeps events in memory for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []AdEvent
}

func (m *MemorySink) RecordAdEvent(_ context.Context, ev AdEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

// Events returns the recorded events in arrival order.
func (m *MemorySink) Events() []AdEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AdEvent(nil), m.events...)
}

// OfType returns the recorded events with the given type.
func (m *MemorySink) OfType(eventType string) []AdEvent {
	var out []AdEvent
	for _, ev := range m.Events() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
