package realtime

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/protocol"
	"github.com/ent0n29/tandem/internal/session"
	"github.com/ent0n29/tandem/internal/transcript"
)

// loop is the only reader of a live session's transport. Every inbound
// message is parsed and dispatched here, in arrival order.
func (c *Controller) loop(l *live) {
	defer close(l.loopDone)
	r := &router{c: c, l: l, logger: c.logger.With(zap.String("session_id", l.sess.ID))}

	messages := l.tr.Messages()
	media := l.tr.Audio()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.tr.Done():
			r.drain(messages)
			r.transportEnded()
			return
		case raw, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			r.route(raw)
		case payload, ok := <-media:
			if !ok {
				media = nil
				continue
			}
			r.mediaAudio(payload)
		}
	}
}

// router turns inbound control events into state machine events, playback
// chunks and transcript entries.
type router struct {
	c      *Controller
	l      *live
	logger *zap.Logger
}

var _ protocol.EventVisitor = (*router)(nil)

func (r *router) route(raw []byte) {
	ev, err := protocol.ParseServerEvent(raw)
	if err != nil {
		r.protocolError(err)
		return
	}
	ev.Accept(r)
}

// drain dispatches messages that were already buffered when the transport
// ended.
func (r *router) drain(messages <-chan []byte) {
	for messages != nil {
		select {
		case raw, ok := <-messages:
			if !ok {
				return
			}
			r.route(raw)
		default:
			return
		}
	}
}

func (r *router) protocolError(err error) {
	var perr *protocol.ProtocolError
	kind := "unknown"
	if errors.As(err, &perr) {
		kind = string(perr.Kind)
	}
	if r.c.deps.Metrics != nil {
		r.c.deps.Metrics.ProtocolErrors.WithLabelValues(kind).Inc()
	}
	if perr != nil && perr.Kind == protocol.KindUnsupported {
		r.logger.Debug("ignoring realtime message", zap.String("type", string(perr.Type)))
		return
	}
	r.logger.Warn("dropping bad realtime message", zap.Error(err))
}

// apply feeds ev to the machine unless r's session was already released
// or replaced.
func (r *router) apply(ev session.Event) {
	if r.c.current() != r.l {
		r.logger.Debug("event from released session dropped", zap.String("event", string(ev)))
		return
	}
	if _, err := r.c.machine.Apply(ev); err != nil {
		r.logger.Debug("event not applied", zap.String("event", string(ev)), zap.Error(err))
	}
}

func (r *router) transportEnded() {
	err := r.l.tr.Err()
	if err == nil {
		return
	}
	r.c.mu.Lock()
	if r.c.live == r.l {
		r.c.lastErr = err
	}
	r.c.mu.Unlock()
	r.l.signalReady(err)
	r.apply(session.EventConnectionFailed)
	r.c.shutdown(r.l, false)
}

func (r *router) VisitSessionCreated(ev protocol.SessionCreated) {
	r.l.remoteID.Store(ev.SessionID)
	r.apply(session.EventSessionCreated)
	r.l.signalReady(nil)
}

func (r *router) VisitContextUpdated(ev protocol.ContextUpdated) {
	r.logger.Debug("session context applied", zap.Int("instructions_len", len(ev.Instructions)))
}

func (r *router) VisitSpeechStarted(protocol.SpeechStarted) {
	if r.c.machine.Snapshot().Speaking() {
		// the service cancels its reply on barge-in; stop local playback too
		r.l.queue.Clear()
		r.c.deps.Latency.Count("barge_in")
	}
	r.apply(session.EventSpeechStarted)
}

func (r *router) VisitSpeechStopped(protocol.SpeechStopped) {
	r.l.commitAt.Store(time.Now().UnixNano())
	r.apply(session.EventSpeechStopped)
}

func (r *router) VisitAudioDelta(ev protocol.AudioDelta) {
	r.apply(session.EventAudioDelta)
	r.enqueue(ev.Audio)
}

func (r *router) mediaAudio(payload []byte) {
	r.enqueue(payload)
}

func (r *router) enqueue(data []byte) {
	if at := r.l.commitAt.Swap(0); at != 0 {
		d := time.Since(time.Unix(0, at))
		r.c.deps.Latency.Observe(observability.StageCommitToFirstAudio, d)
		if r.c.deps.Metrics != nil {
			r.c.deps.Metrics.ObserveFirstAudioLatency(d)
		}
	}
	if _, err := r.l.queue.Enqueue(r.l.ctx, data); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Debug("audio chunk not queued", zap.Error(err))
	}
}

func (r *router) VisitAudioDone(protocol.AudioDone) {
	r.apply(session.EventAudioDone)
}

func (r *router) VisitTranscriptDelta(ev protocol.TranscriptDelta) {
	r.l.partialMu.Lock()
	r.l.partial.WriteString(ev.Delta)
	r.l.partialMu.Unlock()
	r.c.publish()
}

func (r *router) VisitTranscriptDone(ev protocol.TranscriptDone) {
	text := r.takePartial()
	if ev.Transcript != "" {
		text = ev.Transcript
	}
	r.c.appendEntry(r.l, transcript.RoleAssistant, text)
}

func (r *router) VisitInputTranscript(ev protocol.InputTranscript) {
	r.c.appendEntry(r.l, transcript.RoleUser, ev.Transcript)
}

func (r *router) VisitResponseDone(ev protocol.ResponseDone) {
	if pending := r.takePartial(); pending != "" {
		r.c.appendEntry(r.l, transcript.RoleAssistant, pending)
	}
	r.c.deps.Latency.Count("response_" + ev.Status)
	r.apply(session.EventResponseDone)
}

func (r *router) VisitErrorReported(ev protocol.ErrorReported) {
	if r.c.deps.Metrics != nil {
		code := ev.Err.Code
		if code == "" {
			code = ev.Err.Type
		}
		r.c.deps.Metrics.SessionEvents.WithLabelValues("server_error:" + code).Inc()
	}
	if isBenign(ev.Err) {
		r.logger.Debug("ignoring realtime service notice", zap.Error(ev.Err))
		return
	}
	r.logger.Warn("realtime service error", zap.Error(ev.Err))
	r.c.mu.Lock()
	if r.c.live == r.l || r.c.live == nil {
		r.c.lastErr = ev.Err
	}
	r.c.mu.Unlock()
	r.apply(session.EventServerError)
	r.l.signalReady(ev.Err)
}

func (r *router) VisitNotice(ev protocol.Notice) {
	r.logger.Debug("realtime notice", zap.String("type", string(ev.Type)), zap.String("item_id", ev.ItemID))
}

func (r *router) takePartial() string {
	r.l.partialMu.Lock()
	defer r.l.partialMu.Unlock()
	text := r.l.partial.String()
	r.l.partial.Reset()
	return text
}

func (c *Controller) partialText(l *live) string {
	l.partialMu.Lock()
	defer l.partialMu.Unlock()
	return l.partial.String()
}
