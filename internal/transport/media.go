package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/audio"
	"github.com/ent0n29/tandem/internal/negotiate"
	"github.com/ent0n29/tandem/internal/protocol"
)

// EventsChannel is the data channel label the realtime service reads events
// from.
const EventsChannel = "oai-events"

const pcmuRate = 8000

// MediaOpener connects over a WebRTC peer connection: microphone audio rides
// a PCMU track, events ride the "oai-events" data channel, and the reply
// arrives as a remote audio track.
type MediaOpener struct {
	HTTPClient *http.Client
	ICEServers []webrtc.ICEServer
	Timeout    time.Duration
	Logger     *zap.Logger
	Observer   Observer
	Now        func() time.Time
}

func (o MediaOpener) Open(ctx context.Context, cred negotiate.Credential) (Transport, error) {
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	if err := cred.Consume(now()); err != nil {
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonCredential, Err: err}
	}
	endpoint, err := mediaURL(cred.Transport)
	if err != nil {
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonDial, Err: err}
	}

	timeout := o.Timeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logger := o.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := o.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	api, err := pcmuAPI()
	if err != nil {
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonDial, Err: err}
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: o.ICEServers})
	if err != nil {
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonDial, Err: fmt.Errorf("create peer connection: %w", err)}
	}
	t := &mediaTransport{
		pc:       pc,
		logger:   logger.With(zap.String("transport", string(KindMedia))),
		observer: o.Observer,
		messages: make(chan []byte, inboundBuffer),
		audio:    make(chan []byte, inboundBuffer),
		ending:   newEnding(),
		stop:     make(chan struct{}),
		opened:   make(chan struct{}),
	}
	if err := t.setup(); err != nil {
		_ = pc.Close()
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonDial, Err: err}
	}
	if err := t.handshake(ctx, client, endpoint, cred.Token); err != nil {
		_ = t.Close()
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonHandshake, Err: err}
	}

	select {
	case <-t.opened:
		return t, nil
	case <-t.Done():
		err := t.Err()
		_ = t.Close()
		if err == nil {
			err = ErrClosed
		}
		return nil, err
	case <-ctx.Done():
		_ = t.Close()
		return nil, &TransportError{Kind: KindMedia, Reason: ReasonHandshake, Err: fmt.Errorf("events channel not open: %w", ctx.Err())}
	}
}

func mediaURL(d negotiate.Descriptor) (string, error) {
	raw := strings.TrimSpace(d.URL)
	if raw == "" {
		return "", errors.New("descriptor has no url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if d.Model != "" && u.Query().Get("model") == "" {
		q := u.Query()
		q.Set("model", d.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// pcmuAPI builds a WebRTC API that negotiates PCMU and nothing else, so the
// answer cannot pick a codec the decoder does not understand.
func pcmuAPI() (*webrtc.API, error) {
	me := &webrtc.MediaEngine{}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypePCMU,
			ClockRate: pcmuRate,
			Channels:  1,
		},
		PayloadType: 0,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register PCMU codec: %w", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(me)), nil
}

func isPCMU(codec webrtc.RTPCodecParameters) bool {
	return strings.EqualFold(codec.MimeType, webrtc.MimeTypePCMU)
}

type mediaTransport struct {
	pc       *webrtc.PeerConnection
	track    *webrtc.TrackLocalStaticSample
	events   *webrtc.DataChannel
	logger   *zap.Logger
	observer Observer

	messages chan []byte
	audio    chan []byte

	*ending
	stop      chan struct{}
	opened    chan struct{}
	openOnce  sync.Once
	closeOnce sync.Once
	inbound   sync.WaitGroup
	sendMu    sync.Mutex
	closed    bool
}

func (t *mediaTransport) setup() error {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: pcmuRate, Channels: 1},
		"audio",
		"tandem-mic",
	)
	if err != nil {
		return fmt.Errorf("create audio track: %w", err)
	}
	if _, err := t.pc.AddTrack(track); err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	t.track = track

	ordered := true
	events, err := t.pc.CreateDataChannel(EventsChannel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	t.events = events

	events.OnOpen(func() {
		t.openOnce.Do(func() { close(t.opened) })
	})
	events.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !msg.IsString {
			return
		}
		t.observeInbound(msg.Data)
		t.deliver(t.messages, msg.Data)
	})
	events.OnClose(func() {
		t.fail(&TransportError{Kind: KindMedia, Reason: ReasonRemote, Err: errors.New("events channel closed")})
	})

	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Debug("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			t.fail(&TransportError{Kind: KindMedia, Reason: ReasonPeer, Err: fmt.Errorf("peer connection %s", state)})
		}
	})
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		if codec := remote.Codec(); !isPCMU(codec) {
			t.logger.Warn("ignoring remote audio track", zap.String("codec", codec.MimeType))
			return
		}
		t.sendMu.Lock()
		defer t.sendMu.Unlock()
		if t.closed {
			return
		}
		t.inbound.Add(1)
		go t.readTrack(remote)
	})
	return nil
}

func (t *mediaTransport) handshake(ctx context.Context, client *http.Client, endpoint, token string) error {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return fmt.Errorf("ice gathering: %w", ctx.Err())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(t.pc.LocalDescription().SDP))
	if err != nil {
		return fmt.Errorf("create sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("send sdp offer: %w", err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read sdp answer: %w", err)
	}
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusCreated {
		return fmt.Errorf("sdp exchange status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if !bytes.HasPrefix(bytes.TrimSpace(body), []byte("v=0")) {
		return errors.New("sdp answer is not a session description")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: string(body)}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *mediaTransport) readTrack(remote *webrtc.TrackRemote) {
	defer t.inbound.Done()
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			if !t.ended() && !errors.Is(err, io.EOF) {
				t.logger.Debug("remote audio track ended", zap.Error(err))
			}
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		if !t.deliver(t.audio, append([]byte(nil), pkt.Payload...)) {
			return
		}
	}
}

func (t *mediaTransport) deliver(ch chan []byte, data []byte) bool {
	select {
	case <-t.stop:
		return false
	default:
	}
	select {
	case ch <- data:
		return true
	case <-t.stop:
		return false
	}
}

func (t *mediaTransport) observeInbound(data []byte) {
	if t.observer == nil {
		return
	}
	var env protocol.Envelope
	if json.Unmarshal(data, &env) == nil && env.Type != "" {
		t.observer("inbound", string(env.Type))
	}
}

func (t *mediaTransport) Kind() Kind { return KindMedia }

func (t *mediaTransport) Messages() <-chan []byte { return t.messages }

func (t *mediaTransport) Audio() <-chan []byte { return t.audio }

func (t *mediaTransport) Send(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed || t.ended() {
		return ErrClosed
	}
	if err := t.events.SendText(string(payload)); err != nil {
		return &TransportError{Kind: KindMedia, Reason: ReasonWrite, Err: err}
	}
	if t.observer != nil {
		if mt, ok := protocol.TypeOf(msg); ok {
			t.observer("outbound", string(mt))
		}
	}
	return nil
}

// SendAudio resamples a 24 kHz PCM16 frame to 8 kHz mu-law for the PCMU
// track.
func (t *mediaTransport) SendAudio(pcm []byte) error {
	samples, err := audio.DecodePCM16(pcm)
	if err != nil {
		return err
	}
	narrow := audio.Decimate(samples, audio.SampleRate/pcmuRate)
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	if t.closed || t.ended() {
		return ErrClosed
	}
	sample := media.Sample{
		Data:     audio.MulawEncode(narrow),
		Duration: audio.Duration(len(pcm), audio.SampleRate),
	}
	if err := t.track.WriteSample(sample); err != nil {
		return &TransportError{Kind: KindMedia, Reason: ReasonWrite, Err: err}
	}
	return nil
}

func (t *mediaTransport) fail(err error) {
	if t.finish(err) {
		t.logger.Warn("realtime transport lost", zap.Error(err))
	}
}

func (t *mediaTransport) Close() error {
	t.finish(nil)
	var err error
	t.closeOnce.Do(func() {
		t.sendMu.Lock()
		t.closed = true
		t.sendMu.Unlock()
		close(t.stop)
		err = t.pc.Close()
		t.inbound.Wait()
	})
	return err
}
