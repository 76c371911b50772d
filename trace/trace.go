// Package trace emits the structured JSONL event stream that makes a run
// reconstructable: step lifecycle, snapshots, verifications and tool calls,
// all correlated by run and step ids.
package trace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the runtime.
const (
	EventStepStart    = "step_start"
	EventStepEnd      = "step_end"
	EventSnapshot     = "snapshot"
	EventVerification = "verification"
	EventToolCall     = "tool_call"
)

// Event is one trace record.
type Event struct {
	Type   string         `json:"type"`
	Data   map[string]any `json:"data"`
	StepID string         `json:"step_id,omitempty"`
	RunID  string         `json:"run_id"`
	TS     float64        `json:"ts"`
}

// Sink receives emitted events.
type Sink interface {
	Write(ev Event) error
	Close() error
}

// JSONLSink appends one JSON event per line to a file.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (or creates) the trace file, creating parent
// directories as needed.
func NewJSONLSink(path string) (*JSONLSink, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create trace directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends the event as one JSON line.
func (s *JSONLSink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

// Close closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemorySink buffers events in memory, for tests and in-process consumers.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Write appends the event to the buffer.
func (s *MemorySink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// Close is a no-op.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of the buffered events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsOfType returns buffered events matching the given type.
func (s *MemorySink) EventsOfType(eventType string) []Event {
	var out []Event
	for _, ev := range s.Events() {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Tracer emits events for one run. Emission errors are swallowed: telemetry
// must never take down a run.
type Tracer struct {
	runID string
	sink  Sink
	nowFn func() time.Time
}

// NewTracer creates a tracer for the run. An empty runID generates one.
func NewTracer(runID string, sink Sink) *Tracer {
	if runID == "" {
		runID = uuid.New().String()
	}
	return &Tracer{runID: runID, sink: sink, nowFn: time.Now}
}

// RunID returns the run identifier shared by all events.
func (t *Tracer) RunID() string { return t.runID }

// Emit writes an event of the given type; step-correlated events pass their
// stepID.
func (t *Tracer) Emit(eventType string, data map[string]any, stepID string) {
	if t == nil || t.sink == nil {
		return
	}
	ev := Event{
		Type:   eventType,
		Data:   data,
		StepID: stepID,
		RunID:  t.runID,
		TS:     float64(t.nowFn().UnixNano()) / 1e9,
	}
	_ = t.sink.Write(ev)
}

// EmitStepStart emits a step_start event.
func (t *Tracer) EmitStepStart(stepID string, stepIndex int, goal string, attempt int, preURL string) {
	t.Emit(EventStepStart, map[string]any{
		"step_id":    stepID,
		"step_index": stepIndex,
		"goal":       goal,
		"attempt":    attempt,
		"pre_url":    preURL,
	}, stepID)
}

// EmitToolCall emits a tool_call event.
func (t *Tracer) EmitToolCall(stepID, name string, success bool, errMsg string, extra map[string]any) {
	data := map[string]any{
		"name":    name,
		"success": success,
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	for k, v := range extra {
		data[k] = v
	}
	t.Emit(EventToolCall, data, stepID)
}

// Close closes the underlying sink.
func (t *Tracer) Close() error {
	if t == nil || t.sink == nil {
		return nil
	}
	return t.sink.Close()
}
