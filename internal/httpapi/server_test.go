package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/tandem/internal/config"
	"github.com/ent0n29/tandem/internal/issuer"
	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/protocol"
	"github.com/ent0n29/tandem/internal/session"
)

func newTestServer(t *testing.T, iss issuer.Issuer) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults()
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	srv := New(cfg, sessions, iss, observability.NewMetrics("test_httpapi", nil), nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func createSession(t *testing.T, baseURL string, req map[string]string) session.CreateResponse {
	t.Helper()
	body, _ := json.Marshal(req)
	res, err := http.Post(baseURL+"/v1/realtime/session", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateAndEndSession(t *testing.T) {
	_, ts := newTestServer(t, issuer.DevIssuer{SocketURL: "ws://peer/v1/realtime", TTL: time.Minute})

	created := createSession(t, ts.URL, map[string]string{"user_id": "user-1", "context": "Salsa night event"})
	if created.SessionID == "" || created.ClientSecret.Value == "" {
		t.Fatalf("incomplete create response: %+v", created)
	}
	if created.Transport.Kind != "socket" || created.Transport.URL != "ws://peer/v1/realtime" {
		t.Fatalf("transport = %+v", created.Transport)
	}
	if created.ClientSecret.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expires_at = %d, want future", created.ClientSecret.ExpiresAt)
	}

	getRes, err := http.Get(ts.URL + "/v1/realtime/session/" + created.SessionID)
	if err != nil {
		t.Fatalf("get session request error = %v", err)
	}
	defer getRes.Body.Close()
	var got session.Session
	if err := json.NewDecoder(getRes.Body).Decode(&got); err != nil {
		t.Fatalf("decode get response: %v", err)
	}
	if got.Status != session.StatusActive || got.UserID != "user-1" || got.RemoteID == "" {
		t.Fatalf("session = %+v", got)
	}

	endRes, err := http.Post(ts.URL+"/v1/realtime/session/"+created.SessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(ts.URL+"/v1/realtime/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing request error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

type failingIssuer struct{ err error }

func (f failingIssuer) Issue(context.Context, issuer.Request) (issuer.Grant, error) {
	return issuer.Grant{}, f.err
}
func (f failingIssuer) Name() string { return "failing" }

func TestCreateSessionIssueFailures(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&issuer.StatusError{StatusCode: http.StatusTooManyRequests}, http.StatusServiceUnavailable},
		{&issuer.StatusError{StatusCode: http.StatusUnauthorized}, http.StatusBadGateway},
		{issuer.ErrUnsupportedTransport, http.StatusBadRequest},
		{errors.New("boom"), http.StatusBadGateway},
	}
	for _, tc := range cases {
		_, ts := newTestServer(t, failingIssuer{err: tc.err})
		res, err := http.Post(ts.URL+"/v1/realtime/session", "application/json", strings.NewReader(`{"user_id":"u"}`))
		if err != nil {
			t.Fatalf("request error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != tc.want {
			t.Fatalf("issue error %v: status = %d, want %d", tc.err, res.StatusCode, tc.want)
		}
	}
}

func TestReadyRequiresIssuer(t *testing.T) {
	_, ts := newTestServer(t, nil)
	res, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestMetricsAndLatencyRoutes(t *testing.T) {
	_, ts := newTestServer(t, issuer.DevIssuer{})
	createSession(t, ts.URL, map[string]string{"user_id": "u"})

	res, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	var body bytes.Buffer
	_, _ = body.ReadFrom(res.Body)
	res.Body.Close()
	if !strings.Contains(body.String(), "test_httpapi_session_events_total") {
		t.Fatalf("metrics output missing session events counter")
	}

	res, err = http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != observability.StageIssue {
		t.Fatalf("stages = %+v, want one issue stage", snap.Stages)
	}
}

func TestDevPeerHandshakeAndSingleUseCredential(t *testing.T) {
	_, ts := newTestServer(t, issuer.DevIssuer{TTL: time.Minute})
	created := createSession(t, ts.URL, map[string]string{"user_id": "u"})
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/realtime"
	header := http.Header{"Authorization": []string{"Bearer " + created.ClientSecret.Value}}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.NewSessionUpdate(protocol.SessionOptions{Voice: "verse"})); err != nil {
		t.Fatalf("write session.update: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read error = %v", err)
	}
	ev, err := protocol.ParseServerEvent(raw)
	if err != nil {
		t.Fatalf("ParseServerEvent() error = %v", err)
	}
	if _, ok := ev.(protocol.SessionCreated); !ok {
		t.Fatalf("first event = %T, want SessionCreated", ev)
	}

	_, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err == nil {
		t.Fatalf("second dial with the same credential succeeded")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("second dial response = %v, want 401", res)
	}
}

func TestDevPeerEchoesCommittedAudio(t *testing.T) {
	p := newDevPeer("m", "verse")
	out := p.handle([]byte(`{"type":"input_audio_buffer.commit"}`))
	if len(out) != 1 || out[0]["type"] != "error" {
		t.Fatalf("empty commit = %v, want error", out)
	}

	pcm := make([]byte, 9600)
	appendMsg, _ := json.Marshal(protocol.NewAudioAppend(pcm))
	out = p.handle(appendMsg)
	if len(out) != 1 || out[0]["type"] != string(protocol.TypeSpeechStarted) {
		t.Fatalf("append = %v, want speech_started", out)
	}

	out = p.handle([]byte(`{"type":"input_audio_buffer.commit"}`))
	var echoed []byte
	types := make([]string, 0, len(out))
	for _, ev := range out {
		types = append(types, ev["type"].(string))
		if ev["type"] == string(protocol.TypeAudioDelta) {
			chunk, err := base64.StdEncoding.DecodeString(ev["delta"].(string))
			if err != nil {
				t.Fatalf("delta decode: %v", err)
			}
			echoed = append(echoed, chunk...)
		}
	}
	if len(echoed) != len(pcm) {
		t.Fatalf("echoed %d bytes, want %d", len(echoed), len(pcm))
	}
	if types[0] != string(protocol.TypeSpeechStopped) || types[len(types)-1] != string(protocol.TypeResponseDone) {
		t.Fatalf("event order = %v", types)
	}
}

func TestDevPeerManualTurnWaitsForResponseCreate(t *testing.T) {
	p := newDevPeer("m", "verse")
	update, _ := json.Marshal(protocol.NewSessionUpdate(protocol.SessionOptions{TurnDetection: protocol.TurnDetectionNone}))
	p.handle(update)

	appendMsg, _ := json.Marshal(protocol.NewAudioAppend(make([]byte, 480)))
	if out := p.handle(appendMsg); len(out) != 0 {
		t.Fatalf("append without vad = %v, want nothing", out)
	}
	for _, ev := range p.handle([]byte(`{"type":"input_audio_buffer.commit"}`)) {
		if ev["type"] == string(protocol.TypeResponseDone) {
			t.Fatalf("manual turn responded before response.create")
		}
	}
	out := p.handle([]byte(`{"type":"response.create"}`))
	if out[len(out)-1]["type"] != string(protocol.TypeResponseDone) {
		t.Fatalf("response.create = %v", out)
	}
}

func TestUnusedDevCredentialsAreDropped(t *testing.T) {
	srv, ts := newTestServer(t, issuer.DevIssuer{TTL: time.Minute})

	ended := createSession(t, ts.URL, map[string]string{"user_id": "u1"})
	res, err := http.Post(ts.URL+"/v1/realtime/session/"+ended.SessionID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	res.Body.Close()

	expired := createSession(t, ts.URL, map[string]string{"user_id": "u2"})
	sess, err := srv.sessions.Get(expired.SessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got := srv.pendingTokens(); got != 1 {
		t.Fatalf("pending tokens = %d, want 1", got)
	}
	srv.OnSessionExpired(sess)
	if got := srv.pendingTokens(); got != 0 {
		t.Fatalf("pending tokens after expiry = %d, want 0", got)
	}

	srv.tokenMu.Lock()
	srv.tokens["stale"] = devGrant{sessionID: "old", expiresAt: time.Now().Add(-time.Second)}
	srv.tokenMu.Unlock()
	createSession(t, ts.URL, map[string]string{"user_id": "u3"})
	if got := srv.pendingTokens(); got != 1 {
		t.Fatalf("pending tokens = %d, want only the new credential", got)
	}
}
