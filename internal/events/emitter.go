// Package events carries live progress updates to downstream consumers
// (status endpoints, UIs). Emission is fire-and-forget: a slow or absent
// consumer drops events, it never blocks or fails the pipeline.
package events

import (
	"time"

	"github.com/dschulmeist/slide2anki/internal/logging"
)

// Level grades an event.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is one progress update for a run.
type Event struct {
	RunID     string    `json:"run_id"`
	Level     Level     `json:"level"`
	Step      string    `json:"step"`
	Progress  int       `json:"progress"` // 0..100
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Emitter publishes progress events. Implementations must never block
// the caller; loss of an event must never affect pipeline correctness.
type Emitter interface {
	Emit(ev Event)
}

// ChannelEmitter buffers events on a channel for a live consumer.
// When the buffer is full the event is dropped.
type ChannelEmitter struct {
	ch chan Event
}

// NewChannelEmitter creates an emitter with the given buffer size.
func NewChannelEmitter(buffer int) *ChannelEmitter {
	if buffer < 1 {
		buffer = 64
	}
	return &ChannelEmitter{ch: make(chan Event, buffer)}
}

// Events exposes the consumer side.
func (c *ChannelEmitter) Events() <-chan Event { return c.ch }

// Emit enqueues the event, dropping it if the buffer is full.
func (c *ChannelEmitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	select {
	case c.ch <- ev:
	default:
		logging.Get(logging.CategoryEvents).Debugf(
			"dropped event for run %s (step=%s)", ev.RunID, ev.Step)
	}
}

// LogEmitter writes events to the events log category. The default
// sink when no consumer is attached.
type LogEmitter struct{}

func (LogEmitter) Emit(ev Event) {
	logging.Get(logging.CategoryEvents).Infof(
		"run=%s step=%s progress=%d%% %s", ev.RunID, ev.Step, ev.Progress, ev.Message)
}

// Multi fans one event out to several emitters.
type Multi []Emitter

func (m Multi) Emit(ev Event) {
	for _, e := range m {
		e.Emit(ev)
	}
}
