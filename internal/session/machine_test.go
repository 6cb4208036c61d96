package session

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, m *Machine, events ...Event) {
	t.Helper()
	for _, ev := range events {
		_, err := m.Apply(ev)
		require.NoError(t, err, "event %s", ev)
	}
}

func TestMicOpenRequiresConnection(t *testing.T) {
	for _, setup := range [][]Event{
		nil,
		{EventConnect, EventDisconnect},
		{EventConnect},
	} {
		m := NewMachine()
		apply(t, m, setup...)
		before := m.State()

		_, err := m.Apply(EventMicOpened)
		var invalid *InvalidStateError
		require.ErrorAs(t, err, &invalid)
		require.True(t, errors.Is(err, ErrNotConnected))
		require.Equal(t, before, m.State())
	}
}

func TestConversationScenario(t *testing.T) {
	m := NewMachine()
	steps := []struct {
		ev   Event
		want State
	}{
		{EventConnect, StateConnecting},
		{EventSessionCreated, StateConnected},
		{EventMicOpened, StateConnected},
		{EventSpeechStarted, StateRecording},
		{EventSpeechStopped, StateConnected},
		{EventMicClosed, StateConnected},
		{EventAudioDelta, StateSpeaking},
		{EventPlaybackStarted, StateSpeaking},
		{EventAudioDelta, StateSpeaking},
		{EventAudioDone, StateSpeaking},
		{EventResponseDone, StateSpeaking},
		{EventPlaybackDrained, StateConnected},
		{EventDisconnect, StateClosed},
	}
	for _, step := range steps {
		snap, err := m.Apply(step.ev)
		require.NoError(t, err, "event %s", step.ev)
		require.Equal(t, step.want, snap.State(), "after %s", step.ev)
	}
}

func TestDrainBeforeAudioDoneStaysSpeaking(t *testing.T) {
	m := NewMachine()
	apply(t, m, EventConnect, EventSessionCreated, EventAudioDelta, EventPlaybackStarted, EventPlaybackDrained)
	require.Equal(t, StateSpeaking, m.State())

	apply(t, m, EventAudioDone)
	require.Equal(t, StateConnected, m.State())
}

func TestMostRecentActivityWins(t *testing.T) {
	m := NewMachine()
	apply(t, m, EventConnect, EventSessionCreated, EventAudioDelta)
	require.Equal(t, StateSpeaking, m.State())

	apply(t, m, EventSpeechStarted)
	require.Equal(t, StateRecording, m.State())

	// further deltas of the same response do not take the state back
	apply(t, m, EventAudioDelta)
	require.Equal(t, StateRecording, m.State())

	apply(t, m, EventSpeechStopped)
	require.Equal(t, StateSpeaking, m.State())
}

func TestSecondConnectRejected(t *testing.T) {
	m := NewMachine()
	apply(t, m, EventConnect)

	_, err := m.Apply(EventConnect)
	var invalid *InvalidStateError
	require.ErrorAs(t, err, &invalid)
	require.Equal(t, StateConnecting, invalid.State)

	apply(t, m, EventSessionCreated)
	_, err = m.Apply(EventConnect)
	require.Error(t, err)
	require.Equal(t, StateConnected, m.State())
}

func TestServerErrorKeepsFlagsAndAllowsReconnectAfterTeardown(t *testing.T) {
	m := NewMachine()
	apply(t, m, EventConnect, EventSessionCreated, EventMicOpened, EventServerError)
	snap := m.Snapshot()
	require.Equal(t, StateError, snap.State())
	require.True(t, snap.MicOpen)

	apply(t, m, EventMicClosed, EventDisconnect, EventConnect)
	require.Equal(t, StateConnecting, m.State())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	m := NewMachine()
	apply(t, m, EventDisconnect, EventDisconnect)
	require.Equal(t, StateClosed, m.State())
}

func TestTransitionIsPure(t *testing.T) {
	start, err := Transition(Idle(), EventConnect)
	require.NoError(t, err)
	a, errA := Transition(start, EventSessionCreated)
	b, errB := Transition(start, EventSessionCreated)
	require.NoError(t, errA)
	require.NoError(t, errB)
	require.Equal(t, a, b)
	require.Equal(t, StateConnecting, start.State())
}

func TestOnChangeSeesEveryAcceptedEvent(t *testing.T) {
	m := NewMachine()
	var seen []Event
	m.OnChange(func(prev, next Snapshot, ev Event) { seen = append(seen, ev) })

	apply(t, m, EventConnect, EventSessionCreated)
	_, err := m.Apply(EventConnect)
	require.Error(t, err)

	require.Equal(t, []Event{EventConnect, EventSessionCreated}, seen)
}
