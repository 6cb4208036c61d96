package realtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/capture"
	"github.com/ent0n29/tandem/internal/negotiate"
	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/playback"
	"github.com/ent0n29/tandem/internal/protocol"
	"github.com/ent0n29/tandem/internal/session"
	"github.com/ent0n29/tandem/internal/transcript"
	"github.com/ent0n29/tandem/internal/transport"
)

const DefaultSessionCreatedTimeout = 10 * time.Second

type Negotiator interface {
	Negotiate(ctx context.Context, params negotiate.Params) (negotiate.Credential, error)
}

// SinkFactory acquires the audio output for one session. The playback queue
// releases it on teardown.
type SinkFactory func() (playback.Sink, error)

type Config struct {
	UserID        string
	Mode          string
	Voice         string
	Instructions  string
	TurnDetection string
	Transcribe    bool

	SessionCreatedTimeout time.Duration
	FrameDuration         time.Duration
	QueueSize             int
}

type Deps struct {
	Negotiator  Negotiator
	Opener      transport.Opener
	Device      capture.Device
	Sink        SinkFactory
	Transcripts transcript.Store
	// Redact rewrites transcript text before it is stored.
	Redact      func(string) string
	Metrics     *observability.Metrics
	Latency     *observability.LatencyWindow
	Logger      *zap.Logger
}

// StateView is the read-only picture of the conversation handed to callers.
type StateView struct {
	Phase            session.State      `json:"phase"`
	Connected        bool               `json:"connected"`
	Recording        bool               `json:"recording"`
	Speaking         bool               `json:"speaking"`
	Transcript       []transcript.Entry `json:"transcript"`
	PartialAssistant string             `json:"partial_assistant,omitempty"`
	LastError        error              `json:"-"`
	Session          *session.Session   `json:"session,omitempty"`
}

// Controller is the single entry point for a voice conversation. It owns
// at most one live session at a time.
type Controller struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	machine *session.Machine

	producer *capture.Producer

	mu            sync.Mutex
	live          *live
	attempt       uint64
	cancelConnect context.CancelFunc
	recording     uint64
	pageContext   string
	lastErr       error
	lastEntries   []transcript.Entry

	subMu  sync.Mutex
	subs   map[int]chan StateView
	nextID int
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Negotiator == nil {
		return nil, errors.New("realtime: negotiator is required")
	}
	if deps.Opener == nil {
		return nil, errors.New("realtime: transport opener is required")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Latency == nil {
		deps.Latency = observability.NewLatencyWindow(128)
	}
	if cfg.SessionCreatedTimeout <= 0 {
		cfg.SessionCreatedTimeout = DefaultSessionCreatedTimeout
	}
	if strings.TrimSpace(cfg.Mode) == "" {
		cfg.Mode = "companion"
	}

	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		machine: session.NewMachine(),
		subs:    make(map[int]chan StateView),
	}
	if deps.Device != nil {
		c.producer = capture.NewProducer(deps.Device, cfg.FrameDuration, deps.Logger.Named("capture"))
	}
	c.machine.OnChange(c.onStateChange)
	return c, nil
}

// live holds everything acquired for one connected session.
type live struct {
	sess     *session.Session
	tr       transport.Transport
	queue    *playback.Queue
	writer   *transcript.Writer
	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}

	ready     chan error
	readyOnce sync.Once
	closeOnce sync.Once
	counted   atomic.Bool

	remoteID atomic.Value // string
	commitAt atomic.Int64 // unix nanos of the last commit awaiting audio

	partialMu sync.Mutex
	partial   strings.Builder
}

func (l *live) signalReady(err error) {
	l.readyOnce.Do(func() { l.ready <- err })
}

// Connect negotiates a credential, opens the transport and waits until the
// service announces the session. It fails with InvalidStateError when a
// session is already connecting or connected.
func (c *Controller) Connect(ctx context.Context) error {
	// A session that ended in Error keeps its transport until the caller
	// reconnects or disconnects. Release it before entering Connecting so its
	// event loop cannot move the new attempt.
	c.mu.Lock()
	var stale *live
	if c.live != nil && c.machine.State() == session.StateError {
		stale = c.live
		c.live = nil
	}
	c.mu.Unlock()
	if stale != nil {
		c.shutdown(stale, true)
	}

	if _, err := c.machine.Apply(session.EventConnect); err != nil {
		return err
	}

	connectCtx, stop := context.WithCancel(ctx)
	defer stop()
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.cancelConnect = stop
	c.lastErr = nil
	pageContext := c.pageContext
	c.mu.Unlock()

	started := time.Now()
	cred, err := c.deps.Negotiator.Negotiate(connectCtx, negotiate.Params{
		UserID:      c.cfg.UserID,
		Mode:        c.cfg.Mode,
		PageContext: pageContext,
	})
	negotiated := time.Since(started)
	c.deps.Latency.Observe(observability.StageNegotiate, negotiated)
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveNegotiationLatency(negotiated)
	}
	if err != nil {
		return c.connectFailed(attempt, nil, err)
	}

	opened := time.Now()
	tr, err := c.deps.Opener.Open(connectCtx, cred)
	c.deps.Latency.Observe(observability.StageTransportOpen, time.Since(opened))
	if err != nil {
		return c.connectFailed(attempt, nil, err)
	}

	l, err := c.startLive(cred, tr)
	if err != nil {
		_ = tr.Close()
		return c.connectFailed(attempt, nil, err)
	}

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		close(l.loopDone)
		c.shutdown(l, true)
		return ErrDisconnected
	}
	c.live = l
	c.mu.Unlock()
	go c.loop(l)

	update := protocol.NewSessionUpdate(c.sessionOptions(pageContext))
	if err := l.tr.Send(update); err != nil {
		return c.connectFailed(attempt, l, err)
	}

	timer := time.NewTimer(c.cfg.SessionCreatedTimeout)
	defer timer.Stop()
	created := time.Now()
	select {
	case err := <-l.ready:
		if err != nil {
			return c.connectFailed(attempt, l, err)
		}
	case <-timer.C:
		return c.connectFailed(attempt, l, &transport.TransportError{
			Kind:   tr.Kind(),
			Reason: transport.ReasonHandshake,
			Err:    fmt.Errorf("%w within %s", ErrSessionNotCreated, c.cfg.SessionCreatedTimeout),
		})
	case <-connectCtx.Done():
		return c.connectFailed(attempt, l, connectCtx.Err())
	}
	c.deps.Latency.Observe(observability.StageSessionCreated, time.Since(created))
	c.deps.Latency.Observe(observability.StageConnectTotal, time.Since(started))

	c.mu.Lock()
	if c.attempt == attempt {
		c.cancelConnect = nil
	}
	latestContext := c.pageContext
	c.mu.Unlock()
	if latestContext != pageContext {
		// UpdateContext ran while the session was not open yet
		if err := l.tr.Send(protocol.NewSessionUpdate(c.sessionOptions(latestContext))); err != nil {
			c.logger.Warn("page context update failed", zap.Error(err))
		}
	}
	if l.counted.CompareAndSwap(false, true) && c.deps.Metrics != nil {
		c.deps.Metrics.ActiveSessions.Inc()
	}
	remoteID, _ := l.remoteID.Load().(string)
	c.logger.Info("realtime session connected",
		zap.String("session_id", l.sess.ID),
		zap.String("remote_session_id", remoteID),
		zap.String("transport", string(tr.Kind())),
	)
	return nil
}

// connectFailed releases whatever the attempt acquired. When Disconnect
// interrupted the attempt the state stays Closed and ErrDisconnected is
// returned instead of err.
func (c *Controller) connectFailed(attempt uint64, l *live, err error) error {
	c.mu.Lock()
	superseded := c.attempt != attempt
	if !superseded {
		c.lastErr = err
		c.cancelConnect = nil
	}
	if l != nil && c.live == l {
		c.live = nil
	}
	c.mu.Unlock()

	if l != nil {
		c.shutdown(l, true)
	}
	if superseded {
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if _, aerr := c.machine.Apply(session.EventConnectionFailed); aerr != nil {
		c.logger.Debug("connection failure after state change", zap.Error(aerr))
	}
	c.logger.Warn("realtime connect failed", zap.Error(err))
	return err
}

func (c *Controller) startLive(cred negotiate.Credential, tr transport.Transport) (*live, error) {
	var sink playback.Sink
	if c.deps.Sink != nil {
		s, err := c.deps.Sink()
		if err != nil {
			return nil, &playback.PlaybackError{Op: "acquire", Err: err}
		}
		sink = s
	}

	id := strings.TrimSpace(cred.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	sess := &session.Session{
		ID:             id,
		UserID:         c.cfg.UserID,
		Mode:           c.cfg.Mode,
		TransportKind:  string(tr.Kind()),
		CreatedAt:      now,
		ExpiresAt:      cred.ExpiresAt.UTC(),
		LastActivityAt: now,
	}

	var decoder playback.Decoder = playback.PCM16Decoder{}
	if tr.Kind() == transport.KindMedia {
		decoder = playback.MulawDecoder{}
	}
	opts := playback.Options{
		Size:   c.cfg.QueueSize,
		Logger: c.logger.Named("playback"),
	}
	if c.deps.Metrics != nil {
		chunks := c.deps.Metrics.PlaybackChunks
		opts.OnResult = func(result string) { chunks.WithLabelValues(result).Inc() }
	}
	var l *live
	queue := playback.NewQueue(decoder, sink, opts)
	queue.OnActivity(func(active bool) {
		if c.current() != l {
			return
		}
		ev := session.EventPlaybackDrained
		if active {
			ev = session.EventPlaybackStarted
		}
		if _, err := c.machine.Apply(ev); err != nil {
			c.logger.Debug("playback activity ignored", zap.String("event", string(ev)), zap.Error(err))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	l = &live{
		sess:     sess,
		tr:       tr,
		queue:    queue,
		writer:   transcript.NewWriter(c.deps.Transcripts, sess.ID, c.cfg.UserID, c.logger.Named("transcript")),
		ctx:      ctx,
		cancel:   cancel,
		loopDone: make(chan struct{}),
		ready:    make(chan error, 1),
	}
	if c.deps.Redact != nil {
		l.writer.SetFilter(c.deps.Redact)
	}
	l.remoteID.Store("")
	return l, nil
}

// shutdown releases the microphone, the transport, the audio output and the
// transcript writer of l. wait must be false on the event loop itself.
func (c *Controller) shutdown(l *live, wait bool) {
	l.closeOnce.Do(func() {
		l.cancel()
		if c.producer != nil {
			c.producer.Stop()
		}
		if err := l.tr.Close(); err != nil {
			c.logger.Debug("transport close", zap.Error(err))
		}
		if err := l.queue.Close(); err != nil {
			c.logger.Debug("audio output close", zap.Error(err))
		}
		l.writer.Close()

		c.mu.Lock()
		c.lastEntries = l.writer.Entries()
		c.mu.Unlock()

		if l.counted.Load() && c.deps.Metrics != nil {
			c.deps.Metrics.ActiveSessions.Dec()
		}
		c.logger.Info("realtime session released", zap.String("session_id", l.sess.ID))
	})
	if wait {
		<-l.loopDone
	}
}

// Disconnect tears down the current session, including a Connect still in
// flight. It is idempotent and always leaves the controller Closed.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	l := c.live
	c.live = nil
	c.attempt++
	cancel := c.cancelConnect
	c.cancelConnect = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		c.shutdown(l, true)
	}
	if _, err := c.machine.Apply(session.EventDisconnect); err != nil {
		c.logger.Debug("disconnect", zap.Error(err))
	}
}

// StartRecording opens the microphone and streams frames to the service.
// If the assistant is speaking, its reply is cancelled and the local
// playback cleared first.
func (c *Controller) StartRecording(ctx context.Context) error {
	snap, err := c.machine.Apply(session.EventMicOpened)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.recording++
	run := c.recording
	c.mu.Unlock()
	l := c.current()
	if l == nil {
		c.closeMic()
		return &session.InvalidStateError{State: c.machine.State(), Event: session.EventMicOpened, Err: ErrNotConnected}
	}
	if c.producer == nil {
		c.closeMic()
		return &capture.RecordingError{Op: "acquire", Err: errors.New("no capture device configured")}
	}

	if snap.Speaking() {
		c.bargeIn(l)
	}
	if err := l.tr.Send(protocol.NewAudioClear()); err != nil {
		c.closeMic()
		return err
	}

	send := func(frame []byte) error { return l.tr.SendAudio(frame) }
	if err := c.producer.Start(l.ctx, send); err != nil {
		c.closeMic()
		return err
	}
	go c.watchCapture(l, run, c.producer.Done())
	c.logger.Debug("recording started", zap.String("session_id", l.sess.ID))
	return nil
}

// StopRecording stops capture and commits the input buffer. With turn
// detection disabled it also asks for a response.
func (c *Controller) StopRecording() error {
	if _, err := c.machine.Apply(session.EventMicClosed); err != nil {
		return err
	}
	if c.producer != nil {
		c.producer.Stop()
	}
	l := c.current()
	if l == nil {
		return &session.InvalidStateError{State: c.machine.State(), Event: session.EventMicClosed, Err: ErrNotConnected}
	}
	return c.commitTurn(l)
}

func (c *Controller) commitTurn(l *live) error {
	if err := l.tr.Send(protocol.NewAudioCommit()); err != nil {
		return err
	}
	l.commitAt.Store(time.Now().UnixNano())
	if c.cfg.TurnDetection == protocol.TurnDetectionNone {
		if err := l.tr.Send(protocol.NewResponseCreate()); err != nil {
			return err
		}
	}
	return nil
}

// watchCapture ends the turn when recording run stops on its own, because
// the device ran dry or failed. A run ended by StopRecording or by teardown
// is left alone.
func (c *Controller) watchCapture(l *live, run uint64, done <-chan struct{}) {
	select {
	case <-l.ctx.Done():
		return
	case <-done:
	}
	c.mu.Lock()
	current := c.recording == run && c.live == l
	c.mu.Unlock()
	if !current {
		return
	}
	if _, err := c.machine.Apply(session.EventMicClosed); err != nil {
		// StopRecording got there first
		return
	}
	if err := c.producer.Err(); err != nil {
		c.logger.Warn("capture ended", zap.Error(err))
	} else {
		c.logger.Debug("capture drained", zap.String("session_id", l.sess.ID))
	}
	if err := c.commitTurn(l); err != nil {
		c.logger.Debug("commit after capture ended", zap.Error(err))
	}
}

// SendText adds a typed user turn and asks for a spoken reply.
func (c *Controller) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is empty")
	}
	l, err := c.requireOpen("send_text")
	if err != nil {
		return err
	}
	if err := l.tr.Send(protocol.NewUserText(text)); err != nil {
		return err
	}
	if err := l.tr.Send(protocol.NewResponseCreate()); err != nil {
		return err
	}
	l.commitAt.Store(time.Now().UnixNano())
	c.appendEntry(l, transcript.RoleUser, text)
	return nil
}

// UpdateContext records the page the dancer is looking at. A connected
// session is updated right away; otherwise the context is used on the next
// Connect.
func (c *Controller) UpdateContext(pageContext string) error {
	pageContext = strings.TrimSpace(pageContext)
	c.mu.Lock()
	c.pageContext = pageContext
	c.mu.Unlock()

	if !c.machine.Snapshot().Open() {
		return nil
	}
	l := c.current()
	if l == nil {
		return nil
	}
	return l.tr.Send(protocol.NewSessionUpdate(c.sessionOptions(pageContext)))
}

func (c *Controller) State() StateView {
	snap := c.machine.Snapshot()
	view := StateView{
		Phase:     snap.State(),
		Connected: snap.Open(),
		Recording: snap.MicOpen,
		Speaking:  snap.Speaking(),
	}

	c.mu.Lock()
	l := c.live
	view.LastError = c.lastErr
	entries := c.lastEntries
	c.mu.Unlock()

	if l != nil {
		entries = l.writer.Entries()
		sess := *l.sess
		sess.RemoteID, _ = l.remoteID.Load().(string)
		sess.State = view.Phase
		view.Session = &sess
	}
	view.Transcript = append([]transcript.Entry(nil), entries...)
	if l != nil {
		view.PartialAssistant = c.partialText(l)
	}
	return view
}

// Subscribe returns a channel that receives the latest StateView after
// every change. Slow readers only miss intermediate views.
func (c *Controller) Subscribe() (<-chan StateView, func()) {
	ch := make(chan StateView, 1)
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

func (c *Controller) Latency() observability.LatencySnapshot {
	return c.deps.Latency.Snapshot()
}

func (c *Controller) publish() {
	view := c.State()
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- view:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- view:
		default:
		}
	}
}

func (c *Controller) onStateChange(prev, next session.Snapshot, ev session.Event) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.SessionEvents.WithLabelValues(string(ev)).Inc()
	}
	if prev.State() != next.State() {
		c.logger.Debug("session state",
			zap.String("from", string(prev.State())),
			zap.String("to", string(next.State())),
			zap.String("event", string(ev)),
		)
	}
	c.publish()
}

func (c *Controller) current() *live {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

func (c *Controller) requireOpen(op string) (*live, error) {
	snap := c.machine.Snapshot()
	l := c.current()
	if !snap.Open() || l == nil {
		return nil, &session.InvalidStateError{State: snap.State(), Event: session.Event(op), Err: ErrNotConnected}
	}
	return l, nil
}

func (c *Controller) closeMic() {
	if _, err := c.machine.Apply(session.EventMicClosed); err != nil {
		c.logger.Debug("close mic", zap.Error(err))
	}
}

func (c *Controller) bargeIn(l *live) {
	if err := l.tr.Send(protocol.NewResponseCancel()); err != nil {
		c.logger.Debug("response cancel", zap.Error(err))
	}
	dropped := l.queue.Clear()
	c.deps.Latency.Count("barge_in")
	c.logger.Debug("assistant interrupted", zap.Int("dropped_chunks", dropped))
}

func (c *Controller) sessionOptions(pageContext string) protocol.SessionOptions {
	return protocol.SessionOptions{
		Voice:         c.cfg.Voice,
		Instructions:  c.cfg.Instructions,
		PageContext:   pageContext,
		TurnDetection: c.cfg.TurnDetection,
		Transcribe:    c.cfg.Transcribe,
	}
}

func (c *Controller) appendEntry(l *live, role transcript.Role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	if _, err := l.writer.Append(role, text); err != nil {
		c.logger.Debug("transcript append", zap.Error(err))
		return
	}
	c.publish()
}
