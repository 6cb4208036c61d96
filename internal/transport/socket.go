package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/negotiate"
	"github.com/ent0n29/tandem/internal/protocol"
)

const (
	DefaultOpenTimeout = 10 * time.Second

	socketReadLimit    = 8 << 20
	socketWriteTimeout = 10 * time.Second
	socketPingInterval = 20 * time.Second
	socketPongWait     = 60 * time.Second
	inboundBuffer      = 256
)

// SocketOpener dials the realtime service over a websocket. Control events
// and base64 audio both travel as JSON text frames.
type SocketOpener struct {
	Dialer   *websocket.Dialer
	Timeout  time.Duration
	Logger   *zap.Logger
	Observer Observer
	Now      func() time.Time
}

func (o SocketOpener) Open(ctx context.Context, cred negotiate.Credential) (Transport, error) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	if err := cred.Consume(now()); err != nil {
		return nil, &TransportError{Kind: KindSocket, Reason: ReasonCredential, Err: err}
	}
	endpoint, err := socketURL(cred.Transport)
	if err != nil {
		return nil, &TransportError{Kind: KindSocket, Reason: ReasonDial, Err: err}
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dialer := o.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   16 << 10,
			WriteBufferSize:  16 << 10,
		}
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	header.Set("OpenAI-Beta", "realtime=v1")

	conn, res, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if res != nil {
			err = fmt.Errorf("%w (http %d)", err, res.StatusCode)
		}
		return nil, &TransportError{Kind: KindSocket, Reason: ReasonDial, Err: err}
	}

	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &socketTransport{
		conn:     conn,
		logger:   logger.With(zap.String("transport", string(KindSocket))),
		observer: o.Observer,
		messages: make(chan []byte, inboundBuffer),
		ending:   newEnding(),
		stop:     make(chan struct{}),
	}
	t.wg.Add(2)
	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

func socketURL(d negotiate.Descriptor) (string, error) {
	raw := strings.TrimSpace(d.URL)
	if raw == "" {
		return "", errors.New("descriptor has no url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if d.Model != "" && u.Query().Get("model") == "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type socketTransport struct {
	conn     *websocket.Conn
	logger   *zap.Logger
	observer Observer
	messages chan []byte

	*ending
	writeMu   sync.Mutex
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func (t *socketTransport) Kind() Kind { return KindSocket }

func (t *socketTransport) Messages() <-chan []byte { return t.messages }

func (t *socketTransport) Audio() <-chan []byte { return nil }

func (t *socketTransport) Send(msg any) error {
	if t.ended() {
		return ErrClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.ended() {
		return ErrClosed
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(socketWriteTimeout))
	if err := t.conn.WriteJSON(msg); err != nil {
		terr := &TransportError{Kind: KindSocket, Reason: ReasonWrite, Err: err}
		t.fail(terr)
		return terr
	}
	if t.observer != nil {
		if mt, ok := protocol.TypeOf(msg); ok {
			t.observer("outbound", string(mt))
		}
	}
	return nil
}

func (t *socketTransport) SendAudio(pcm []byte) error {
	return t.Send(protocol.NewAudioAppend(pcm))
}

func (t *socketTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.messages)

	t.conn.SetReadLimit(socketReadLimit)
	_ = t.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(socketPongWait))
	})

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if t.ended() {
				return
			}
			reason := ReasonRead
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = ReasonRemote
			}
			t.fail(&TransportError{Kind: KindSocket, Reason: reason, Err: err})
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(socketPongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if t.observer != nil {
			var env protocol.Envelope
			if json.Unmarshal(data, &env) == nil && env.Type != "" {
				t.observer("inbound", string(env.Type))
			}
		}
		select {
		case t.messages <- data:
		case <-t.stop:
			return
		}
	}
}

func (t *socketTransport) pingLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(socketPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(socketWriteTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.fail(&TransportError{Kind: KindSocket, Reason: ReasonWrite, Err: fmt.Errorf("ping: %w", err)})
				return
			}
		}
	}
}

// fail ends the transport with err and tears the connection down without
// waiting, since it runs on the loops Close waits for.
func (t *socketTransport) fail(err error) {
	if t.finish(err) {
		t.logger.Warn("realtime transport lost", zap.Error(err))
	}
	t.shutdown(false)
}

func (t *socketTransport) Close() error {
	t.finish(nil)
	t.shutdown(true)
	t.wg.Wait()
	return nil
}

func (t *socketTransport) shutdown(graceful bool) {
	t.closeOnce.Do(func() {
		close(t.stop)
		if graceful {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = t.conn.Close()
	})
}
