package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ent0n29/tandem/internal/negotiate"
)

type Kind string

const (
	KindSocket Kind = negotiate.KindSocket
	KindMedia  Kind = negotiate.KindMedia
)

// Failure reasons carried by TransportError.
const (
	ReasonCredential = "credential"
	ReasonDial       = "dial"
	ReasonHandshake  = "handshake"
	ReasonRead       = "read"
	ReasonWrite      = "write"
	ReasonPeer       = "peer"
	ReasonRemote     = "remote_close"
)

var ErrClosed = errors.New("transport closed")

// TransportError reports a failure to open, or the loss of, a transport.
type TransportError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport %s: %v", e.Kind, e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport is one bidirectional channel to the realtime service.
type Transport interface {
	Kind() Kind
	// Send writes one JSON control or event message.
	Send(msg any) error
	// SendAudio writes one PCM16 24 kHz mono capture frame.
	SendAudio(pcm []byte) error
	// Messages yields raw inbound JSON in arrival order. Consumers watch Done
	// for the end of the stream; a strategy may also close the channel.
	Messages() <-chan []byte
	// Audio yields inbound media payloads. It is nil for strategies that
	// carry audio inside Messages.
	Audio() <-chan []byte
	Done() <-chan struct{}
	// Err is the reason the transport ended; nil after a local Close.
	Err() error
	Close() error
}

type Opener interface {
	Open(ctx context.Context, cred negotiate.Credential) (Transport, error)
}

// Observer is told about every message crossing a transport.
type Observer func(direction, msgType string)

// Selector opens the strategy named by the credential's descriptor, falling
// back to a default kind when the descriptor names none.
type Selector struct {
	Default Kind
	Openers map[Kind]Opener
}

func (s Selector) Open(ctx context.Context, cred negotiate.Credential) (Transport, error) {
	kind := Kind(strings.ToLower(strings.TrimSpace(cred.Transport.Kind)))
	if kind == "" {
		kind = s.Default
	}
	opener, ok := s.Openers[kind]
	if !ok || opener == nil {
		return nil, &TransportError{Kind: kind, Reason: ReasonDial, Err: fmt.Errorf("no opener for transport kind %q", kind)}
	}
	return opener.Open(ctx, cred)
}

// ending tracks the single terminal state shared by both strategies.
type ending struct {
	once sync.Once
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func newEnding() *ending {
	return &ending{done: make(chan struct{})}
}

// finish records err as the terminal error unless the transport already
// ended, and reports whether this call ended it.
func (e *ending) finish(err error) bool {
	first := false
	e.once.Do(func() {
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		close(e.done)
		first = true
	})
	return first
}

func (e *ending) Done() <-chan struct{} { return e.done }

func (e *ending) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *ending) ended() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
