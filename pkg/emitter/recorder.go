package emitter

import (
	"fmt"
	"sync"

	"github.com/arzzra/sipcall/pkg/call"
)

// EventKind вид записанного уведомления
type EventKind string

const (
	EventCallState      EventKind = "call_state"
	EventCallMediaState EventKind = "call_media_state"
	EventVideoSize      EventKind = "video_size"
	EventCallStats      EventKind = "call_stats"
)

// Event одно уведомление в журнале Recorder
type Event struct {
	Kind             EventKind
	OwnerID          string
	CallID           int
	State            call.State
	Status           call.StatusCode
	ConnectTimestamp int64
	MediaKind        call.MediaStateKind
	Value            bool
	Width            int
	Height           int
	Stats            call.CallStats
}

func (e Event) String() string {
	switch e.Kind {
	case EventCallState:
		return fmt.Sprintf("call %d state %s status %d", e.CallID, e.State, e.Status)
	case EventCallMediaState:
		return fmt.Sprintf("call %d %s=%t", e.CallID, e.MediaKind, e.Value)
	case EventVideoSize:
		return fmt.Sprintf("video size %dx%d", e.Width, e.Height)
	case EventCallStats:
		return fmt.Sprintf("call %d stats codec %s duration %ds", e.Stats.CallID, e.Stats.Codec, e.Stats.DurationSeconds)
	}
	return string(e.Kind)
}

// Recorder хранит уведомления в памяти в порядке поступления
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) record(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) CallState(ownerID string, callID int, state call.State, status call.StatusCode, connectTimestamp int64) error {
	return r.record(Event{Kind: EventCallState, OwnerID: ownerID, CallID: callID, State: state,
		Status: status, ConnectTimestamp: connectTimestamp})
}

func (r *Recorder) CallMediaState(ownerID string, callID int, kind call.MediaStateKind, value bool) error {
	return r.record(Event{Kind: EventCallMediaState, OwnerID: ownerID, CallID: callID, MediaKind: kind, Value: value})
}

func (r *Recorder) VideoSize(width, height int) error {
	return r.record(Event{Kind: EventVideoSize, Width: width, Height: height})
}

func (r *Recorder) CallStats(stats call.CallStats) error {
	return r.record(Event{Kind: EventCallStats, CallID: stats.CallID, Stats: stats})
}

// Events копия журнала
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ForCall уведомления одного звонка
func (r *Recorder) ForCall(callID int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind != EventVideoSize && ev.CallID == callID {
			out = append(out, ev)
		}
	}
	return out
}

// States последовательность состояний звонка
func (r *Recorder) States(callID int) []call.State {
	var states []call.State
	for _, ev := range r.ForCall(callID) {
		if ev.Kind == EventCallState {
			states = append(states, ev.State)
		}
	}
	return states
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
