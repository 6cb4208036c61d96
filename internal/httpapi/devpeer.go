package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/audio"
	"github.com/ent0n29/tandem/internal/protocol"
)

const (
	peerChunkBytes = 4800 // 100ms at 24kHz
	peerReadWindow = 120 * time.Second
)

// handleDevPeer speaks the realtime protocol for local development. The
// reply to a committed turn echoes the caller's audio back; a typed turn is
// answered with a short tone.
func (s *Server) handleDevPeer(w http.ResponseWriter, r *http.Request) {
	grant, ok := s.consumeDevToken(bearerToken(r), time.Now())
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid_credential", "missing, used or expired credential")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.countEvent("peer_connected")
	logger := s.logger.With(zap.String("session_id", grant.sessionID))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan map[string]any, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					logger.Debug("dev peer write failed", zap.Error(err))
					cancel()
					return
				}
				if t, ok := msg["type"].(string); ok && s.metrics != nil {
					s.metrics.ObserveMessage("outbound", t)
				}
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(peerReadWindow))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(peerReadWindow))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	peer := newDevPeer(s.cfg.Model, s.cfg.Voice)
readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.sessions.Touch(grant.sessionID)
		if s.metrics != nil {
			s.metrics.ObserveMessage("inbound", string(peerTypeOf(data)))
		}
		for _, ev := range peer.handle(data) {
			select {
			case <-ctx.Done():
				break readLoop
			case outbound <- ev:
			}
		}
	}

	cancel()
	<-writerDone
	if _, err := s.sessions.End(grant.sessionID); err == nil {
		s.syncActive()
	}
	s.countEvent("peer_disconnected")
	logger.Debug("dev peer closed", zap.Int("responses", peer.responses))
}

func (s *Server) consumeDevToken(token string, now time.Time) (devGrant, bool) {
	if token == "" {
		return devGrant{}, false
	}
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	grant, ok := s.tokens[token]
	if !ok {
		return devGrant{}, false
	}
	delete(s.tokens, token)
	if !grant.expiresAt.IsZero() && !now.Before(grant.expiresAt) {
		return devGrant{}, false
	}
	return grant, true
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) < 7 || !strings.EqualFold(h[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(h[7:])
}

func peerTypeOf(raw []byte) protocol.MessageType {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type == "" {
		return "invalid"
	}
	return env.Type
}

// devPeer is the per-connection state of the dev realtime peer.
type devPeer struct {
	remoteID     string
	model        string
	voice        string
	instructions string
	created      bool
	vad          bool

	buffered  []byte
	heard     []byte
	lastText  string
	items     int
	responses int
}

func newDevPeer(model, voice string) *devPeer {
	return &devPeer{
		remoteID: "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
		model:    model,
		voice:    voice,
		vad:      true,
	}
}

type peerInbound struct {
	Type    protocol.MessageType `json:"type"`
	Audio   string               `json:"audio"`
	Session *struct {
		Voice         string          `json:"voice"`
		Instructions  string          `json:"instructions"`
		TurnDetection json.RawMessage `json:"turn_detection"`
	} `json:"session"`
	Item *struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	} `json:"item"`
}

// handle returns the events the peer answers one client message with.
func (p *devPeer) handle(raw []byte) []map[string]any {
	var msg peerInbound
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
		return []map[string]any{peerError("invalid_request_error", "invalid_json", "could not parse event")}
	}

	switch msg.Type {
	case protocol.TypeSessionUpdate:
		if msg.Session != nil {
			if msg.Session.Voice != "" {
				p.voice = msg.Session.Voice
			}
			p.instructions = msg.Session.Instructions
			if len(msg.Session.TurnDetection) > 0 {
				p.vad = string(msg.Session.TurnDetection) != "null"
			}
		}
		t := protocol.TypeSessionUpdated
		if !p.created {
			p.created = true
			t = protocol.TypeSessionCreated
		}
		return []map[string]any{{
			"type": string(t),
			"session": map[string]any{
				"id":           p.remoteID,
				"model":        p.model,
				"voice":        p.voice,
				"instructions": p.instructions,
			},
		}}

	case protocol.TypeInputAudioAppend:
		pcm, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil || len(pcm)%audio.BytesPerSample != 0 {
			return []map[string]any{peerError("invalid_request_error", "invalid_audio", "audio must be base64 pcm16")}
		}
		var out []map[string]any
		if p.vad && len(p.buffered) == 0 && len(pcm) > 0 {
			out = append(out, map[string]any{"type": string(protocol.TypeSpeechStarted), "item_id": p.itemID(1)})
		}
		p.buffered = append(p.buffered, pcm...)
		return out

	case protocol.TypeInputAudioClear:
		p.buffered = nil
		return []map[string]any{{"type": "input_audio_buffer.cleared"}}

	case protocol.TypeInputAudioCommit:
		if len(p.buffered) == 0 {
			return []map[string]any{peerError("invalid_request_error", "input_audio_buffer_commit_empty", "buffer is empty")}
		}
		p.items++
		item := p.itemID(0)
		heard := audio.Duration(len(p.buffered), audio.SampleRate)
		var out []map[string]any
		if p.vad {
			out = append(out, map[string]any{
				"type":         string(protocol.TypeSpeechStopped),
				"item_id":      item,
				"audio_end_ms": heard.Milliseconds(),
			})
		}
		out = append(out,
			map[string]any{"type": "input_audio_buffer.committed", "item_id": item},
			map[string]any{
				"type":       string(protocol.TypeInputTranscriptCompleted),
				"item_id":    item,
				"transcript": fmt.Sprintf("(%.1fs of audio)", heard.Seconds()),
			},
		)
		p.heard, p.buffered = p.buffered, nil
		if p.vad {
			out = append(out, p.respond()...)
		}
		return out

	case protocol.TypeConversationItemCreate:
		var text []string
		if msg.Item != nil {
			for _, c := range msg.Item.Content {
				if t := strings.TrimSpace(c.Text); t != "" {
					text = append(text, t)
				}
			}
		}
		p.items++
		p.lastText = strings.Join(text, " ")
		return []map[string]any{{"type": string(protocol.TypeItemCreated), "item": map[string]any{"id": p.itemID(0)}}}

	case protocol.TypeResponseCreate:
		return p.respond()

	case protocol.TypeResponseCancel:
		// replies are emitted whole, nothing is ever in flight
		return nil
	}
	return []map[string]any{peerError("invalid_request_error", "unknown_event", fmt.Sprintf("unsupported event %q", msg.Type))}
}

func (p *devPeer) respond() []map[string]any {
	p.responses++
	id := fmt.Sprintf("resp_%d", p.responses)

	pcm := p.heard
	text := ""
	switch {
	case len(pcm) > 0:
		text = fmt.Sprintf("I heard %.1f seconds of you.", audio.Duration(len(pcm), audio.SampleRate).Seconds())
	case p.lastText != "":
		pcm = tone(440, 400*time.Millisecond)
		text = "You said: " + p.lastText
	default:
		pcm = tone(440, 400*time.Millisecond)
		text = "Hello from the dev peer."
	}
	p.heard, p.lastText = nil, ""

	out := []map[string]any{{"type": "response.created", "response": map[string]any{"id": id, "status": "in_progress"}}}
	for start := 0; start < len(pcm); start += peerChunkBytes {
		end := min(start+peerChunkBytes, len(pcm))
		out = append(out, map[string]any{
			"type":        string(protocol.TypeAudioDelta),
			"response_id": id,
			"delta":       base64.StdEncoding.EncodeToString(pcm[start:end]),
		})
	}
	out = append(out,
		map[string]any{"type": string(protocol.TypeTranscriptDelta), "response_id": id, "delta": text},
		map[string]any{"type": string(protocol.TypeAudioDone), "response_id": id},
		map[string]any{"type": string(protocol.TypeTranscriptDone), "response_id": id, "transcript": text},
		map[string]any{"type": string(protocol.TypeResponseDone), "response": map[string]any{"id": id, "status": "completed"}},
	)
	return out
}

func (p *devPeer) itemID(ahead int) string {
	return fmt.Sprintf("item_%d", p.items+ahead)
}

func peerError(typ, code, message string) map[string]any {
	return map[string]any{
		"type":  string(protocol.TypeError),
		"error": map[string]any{"type": typ, "code": code, "message": message},
	}
}

func tone(freq float64, d time.Duration) []byte {
	n := audio.FrameBytes(d, audio.SampleRate) / audio.BytesPerSample
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*freq*float64(i)/audio.SampleRate))
	}
	return audio.EncodePCM16(samples)
}
