package telemetry

import "github.com/janhalen/azure-smartmail/internal/service"

// Event is one recorded telemetry call.
type Event struct {
	Fields map[string]any
	Kind   string
	Msg    string
}

// Recorder is an in-memory monitor for tests.
type Recorder struct {
	Events     []Event
	Heartbeats int
	Handled    int
}

var _ service.Monitor = (*Recorder)(nil)

// Info records an info event.
func (r *Recorder) Info(msg string, fields map[string]any) {
	r.Events = append(r.Events, Event{Kind: "info", Msg: msg, Fields: fields})
}

// Warning records a warning event.
func (r *Recorder) Warning(msg string, fields map[string]any) {
	r.Events = append(r.Events, Event{Kind: "warning", Msg: msg, Fields: fields})
}

// Exception records an exception event.
func (r *Recorder) Exception(msg string, fields map[string]any) {
	r.Events = append(r.Events, Event{Kind: "exception", Msg: msg, Fields: fields})
}

// Heartbeat counts a liveness signal.
func (r *Recorder) Heartbeat() {
	r.Heartbeats++
}

// MessageHandled counts a completed message.
func (r *Recorder) MessageHandled() {
	r.Handled++
}

// MessageTrace records a trace event.
func (r *Recorder) MessageTrace(messageID, msg string) {
	r.Events = append(r.Events, Event{Kind: "trace", Msg: msg, Fields: map[string]any{"message_id": messageID}})
}

// ByKind returns recorded events of one kind.
func (r *Recorder) ByKind(kind string) []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
