package streaming

import (
	"context"
	"errors"
	"sync"

	"github.com/aristath/taskflow/internal/events"
)

// FuncSink adapts a function to Sink.
type FuncSink func(ctx context.Context, ev events.Event) error

func (f FuncSink) Put(ctx context.Context, ev events.Event) error { return f(ctx, ev) }
func (f FuncSink) Close() error                                   { return nil }

// BusSink publishes events on an EventBus. Publishing never fails; slow bus
// subscribers lose events, the sink does not.
type BusSink struct {
	bus *events.EventBus
}

// NewBusSink creates a sink publishing on bus.
func NewBusSink(bus *events.EventBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Put(ctx context.Context, ev events.Event) error {
	s.bus.Publish(ev)
	return nil
}

// Close leaves the bus open; its owner closes it.
func (s *BusSink) Close() error { return nil }

// MultiSink fans events out to several sinks in order. Put reports the
// joined errors of the sinks that failed; the others still received the event.
type MultiSink struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewMultiSink creates a fan-out sink. Nil sinks are skipped.
func NewMultiSink(sinks ...Sink) *MultiSink {
	m := &MultiSink{}
	for _, s := range sinks {
		m.Add(s)
	}
	return m
}

// Add appends a sink.
func (m *MultiSink) Add(s Sink) {
	if s == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, s)
}

// Len returns the number of sinks.
func (m *MultiSink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks)
}

func (m *MultiSink) Put(ctx context.Context, ev events.Event) error {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Put(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiSink) Close() error {
	m.mu.RLock()
	sinks := append([]Sink(nil), m.sinks...)
	m.mu.RUnlock()

	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
