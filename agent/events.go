package agent

import (
	"sync"
	"time"
)

// EventKind identifies the type of run event.
type EventKind string

const (
	EventRunStart         EventKind = "run_start"
	EventRunEnd           EventKind = "run_end"
	EventStatus           EventKind = "status"
	EventPhaseChange      EventKind = "phase_change"
	EventToolCallStart    EventKind = "tool_call_start"
	EventToolCallEnd      EventKind = "tool_call_end"
	EventApprovalRequest  EventKind = "approval_requested"
	EventApprovalResolved EventKind = "approval_resolved"
	EventCompaction       EventKind = "compaction"
	EventSteeringInjected EventKind = "steering_injected"
	EventWarning          EventKind = "warning"
	EventError            EventKind = "error"
)

// Event is a typed notification emitted by the loop. Events exist for UI
// feedback only; correctness never depends on their delivery.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventEmitter delivers typed events to the host application via a channel.
type EventEmitter struct {
	sessionID string
	ch        chan Event
	closed    bool
	mu        sync.Mutex
}

// NewEventEmitter creates an EventEmitter with a buffered channel.
func NewEventEmitter(sessionID string, bufferSize int) *EventEmitter {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &EventEmitter{
		sessionID: sessionID,
		ch:        make(chan Event, bufferSize),
	}
}

// Emit sends an event. If the emitter is closed or the channel is full, the
// event is dropped rather than blocking the loop.
func (e *EventEmitter) Emit(kind EventKind, data map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	event := Event{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	select {
	case e.ch <- event:
	default:
	}
}

// Status emits a coarse-grained progress string ("Waiting for approval…").
func (e *EventEmitter) Status(text string) {
	e.Emit(EventStatus, map[string]any{"text": text})
}

// Events returns the read-only event channel.
func (e *EventEmitter) Events() <-chan Event {
	return e.ch
}

// Close closes the event channel. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}
