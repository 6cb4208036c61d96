package realtime

import (
	"errors"

	"github.com/ent0n29/tandem/internal/capture"
	"github.com/ent0n29/tandem/internal/negotiate"
	"github.com/ent0n29/tandem/internal/playback"
	"github.com/ent0n29/tandem/internal/protocol"
	"github.com/ent0n29/tandem/internal/session"
	"github.com/ent0n29/tandem/internal/transport"
)

// The error taxonomy callers can match with errors.As. Each type lives with
// the component that produces it.
type (
	NegotiationError  = negotiate.NegotiationError
	TransportError    = transport.TransportError
	RecordingError    = capture.RecordingError
	ProtocolError     = protocol.ProtocolError
	PlaybackError     = playback.PlaybackError
	ServerError       = protocol.ServerError
	InvalidStateError = session.InvalidStateError
)

var (
	// ErrNotConnected is matched by errors.Is when an operation needs an open
	// session.
	ErrNotConnected = session.ErrNotConnected
	// ErrDisconnected is returned by a Connect that Disconnect interrupted.
	ErrDisconnected = errors.New("disconnected while connecting")
	// ErrSessionNotCreated means the transport opened but the service never
	// announced the session.
	ErrSessionNotCreated = errors.New("no session.created from realtime service")
)

// benignServerCodes are service errors that do not affect the session. An
// empty commit happens when server-side turn detection already committed
// the buffer before the caller stopped recording.
var benignServerCodes = map[string]bool{
	"input_audio_buffer_commit_empty": true,
}

func isBenign(err *protocol.ServerError) bool {
	return err != nil && benignServerCodes[err.Code]
}
