package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the caller-visible lifecycle state of a realtime voice session.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateRecording  State = "recording"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
	StateClosed     State = "closed"
)

// Event is an input to the state machine.
type Event string

const (
	EventConnect          Event = "connect"
	EventSessionCreated   Event = "session_created"
	EventMicOpened        Event = "mic_opened"
	EventMicClosed        Event = "mic_closed"
	EventSpeechStarted    Event = "speech_started"
	EventSpeechStopped    Event = "speech_stopped"
	EventAudioDelta       Event = "audio_delta"
	EventAudioDone        Event = "audio_done"
	EventPlaybackStarted  Event = "playback_started"
	EventPlaybackDrained  Event = "playback_drained"
	EventResponseDone     Event = "response_done"
	EventServerError      Event = "server_error"
	EventConnectionFailed Event = "connection_failed"
	EventDisconnect       Event = "disconnect"
)

// ErrNotConnected is matched by InvalidStateError when an operation needs an
// open session and there is none.
var ErrNotConnected = errors.New("session not connected")

// InvalidStateError rejects an event that is not valid in the current state.
type InvalidStateError struct {
	State State
	Event Event
	Err   error
}

func (e *InvalidStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid state: %s not allowed while %s: %v", e.Event, e.State, e.Err)
	}
	return fmt.Sprintf("invalid state: %s not allowed while %s", e.Event, e.State)
}

func (e *InvalidStateError) Unwrap() error { return e.Err }

type lifecycle int

const (
	lifeIdle lifecycle = iota
	lifeConnecting
	lifeOpen
	lifeError
	lifeClosed
)

type activity int

const (
	activityNone activity = iota
	activityRecording
	activitySpeaking
)

// Snapshot is the full machine state. Recording and Speaking are tracked as
// independent flags; State() folds them into one caller-visible value.
type Snapshot struct {
	life           lifecycle
	MicOpen        bool
	UserSpeaking   bool
	ResponseAudio  bool
	PlaybackActive bool
	last           activity
}

// Idle is the initial snapshot.
func Idle() Snapshot { return Snapshot{} }

// Speaking reports whether assistant audio is streaming or still playing.
func (s Snapshot) Speaking() bool { return s.ResponseAudio || s.PlaybackActive }

// Open reports whether the remote session is established.
func (s Snapshot) Open() bool { return s.life == lifeOpen }

// State folds the snapshot into the caller-visible state.
func (s Snapshot) State() State {
	switch s.life {
	case lifeIdle:
		return StateIdle
	case lifeConnecting:
		return StateConnecting
	case lifeError:
		return StateError
	case lifeClosed:
		return StateClosed
	}
	recording, speaking := s.UserSpeaking, s.Speaking()
	switch {
	case recording && speaking:
		if s.last == activitySpeaking {
			return StateSpeaking
		}
		return StateRecording
	case recording:
		return StateRecording
	case speaking:
		return StateSpeaking
	default:
		return StateConnected
	}
}

// Transition applies ev to s. It is a pure function: the same inputs always
// produce the same snapshot or the same error.
func Transition(s Snapshot, ev Event) (Snapshot, error) {
	reject := func(cause error) (Snapshot, error) {
		return s, &InvalidStateError{State: s.State(), Event: ev, Err: cause}
	}

	switch ev {
	case EventConnect:
		switch s.life {
		case lifeIdle, lifeClosed, lifeError:
			return Snapshot{life: lifeConnecting}, nil
		}
		return reject(nil)

	case EventSessionCreated:
		switch s.life {
		case lifeConnecting:
			return Snapshot{life: lifeOpen}, nil
		case lifeOpen:
			return s, nil
		}
		return reject(nil)

	case EventConnectionFailed:
		switch s.life {
		case lifeConnecting, lifeOpen, lifeError:
			return Snapshot{life: lifeError}, nil
		}
		return reject(nil)

	case EventServerError:
		switch s.life {
		case lifeConnecting, lifeOpen, lifeError:
			s.life = lifeError
			return s, nil
		}
		return reject(nil)

	case EventDisconnect:
		return Snapshot{life: lifeClosed}, nil

	case EventMicOpened:
		if s.life != lifeOpen {
			return reject(ErrNotConnected)
		}
		if s.MicOpen {
			return reject(errors.New("microphone already open"))
		}
		s.MicOpen = true
		return s, nil

	case EventMicClosed:
		if !s.MicOpen {
			return reject(errors.New("microphone not open"))
		}
		s.MicOpen = false
		return s, nil
	}

	// Remote-driven activity events. They keep flags current while the
	// session is open and also while it sits in Error with the transport
	// still up, so teardown and the caller see accurate flags.
	if s.life != lifeOpen && s.life != lifeError {
		return reject(ErrNotConnected)
	}
	switch ev {
	case EventSpeechStarted:
		s.UserSpeaking = true
		s.last = activityRecording
	case EventSpeechStopped:
		s.UserSpeaking = false
	case EventAudioDelta:
		if !s.Speaking() {
			s.last = activitySpeaking
		}
		s.ResponseAudio = true
	case EventAudioDone:
		s.ResponseAudio = false
	case EventPlaybackStarted:
		if !s.Speaking() {
			s.last = activitySpeaking
		}
		s.PlaybackActive = true
	case EventPlaybackDrained:
		s.PlaybackActive = false
	case EventResponseDone:
	default:
		return reject(fmt.Errorf("unknown event %q", ev))
	}
	return s, nil
}

// Machine is the single owner of a session's lifecycle state.
type Machine struct {
	mu        sync.Mutex
	snap      Snapshot
	listeners []func(prev, next Snapshot, ev Event)
}

func NewMachine() *Machine {
	return &Machine{snap: Idle()}
}

// OnChange registers a listener called after every accepted event, outside
// the machine's lock, in the order events were applied by a single caller.
func (m *Machine) OnChange(fn func(prev, next Snapshot, ev Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Apply runs ev through Transition and stores the result.
func (m *Machine) Apply(ev Event) (Snapshot, error) {
	m.mu.Lock()
	prev := m.snap
	next, err := Transition(prev, ev)
	if err != nil {
		m.mu.Unlock()
		return prev, err
	}
	m.snap = next
	listeners := append([]func(prev, next Snapshot, ev Event){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(prev, next, ev)
	}
	return next, nil
}

// Check reports whether ev would be accepted now without applying it.
func (m *Machine) Check(ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := Transition(m.snap, ev)
	return err
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

func (m *Machine) State() State {
	return m.Snapshot().State()
}
