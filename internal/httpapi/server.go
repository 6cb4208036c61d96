package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/config"
	"github.com/ent0n29/tandem/internal/issuer"
	"github.com/ent0n29/tandem/internal/observability"
	"github.com/ent0n29/tandem/internal/protocol"
	"github.com/ent0n29/tandem/internal/session"
)

// Server is the negotiation backend. It mints ephemeral realtime
// credentials, tracks the sessions it issued and, with the dev issuer, also
// plays the realtime service on /v1/realtime.
type Server struct {
	cfg      config.Config
	sessions *session.Manager
	issuer   issuer.Issuer
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// dev peer credentials, single use
	tokenMu sync.Mutex
	tokens  map[string]devGrant
}

type devGrant struct {
	sessionID string
	expiresAt time.Time
}

func New(cfg config.Config, sessions *session.Manager, iss issuer.Issuer, metrics *observability.Metrics, latency *observability.LatencyWindow, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if latency == nil {
		latency = observability.NewLatencyWindow(256)
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		issuer:   iss,
		metrics:  metrics,
		latency:  latency,
		logger:   logger,
		tokens:   make(map[string]devGrant),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Authentication is the bearer credential, not the origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			http.NotFound(w, r)
			return
		}
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Post("/v1/realtime/session", s.handleCreateSession)
	r.Get("/v1/realtime/session/{id}", s.handleGetSession)
	r.Post("/v1/realtime/session/{id}/end", s.handleEndSession)
	r.Get("/v1/realtime", s.handleDevPeer)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"issuer":          s.issuerName(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	if s.issuer == nil {
		respondError(w, http.StatusServiceUnavailable, "not_ready", "no credential issuer configured")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"issuer": s.issuerName(),
	})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.issuer == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "no credential issuer configured")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		req.UserID = "anonymous"
	}
	if strings.TrimSpace(req.Mode) == "" {
		req.Mode = "companion"
	}
	kind := strings.ToLower(strings.TrimSpace(req.Transport))
	if kind == "" {
		kind = s.cfg.Transport
	}

	started := time.Now()
	grant, err := s.issuer.Issue(r.Context(), issuer.Request{
		UserID:       req.UserID,
		Mode:         req.Mode,
		Transport:    kind,
		Instructions: protocol.ComposeInstructions(s.cfg.Instructions, req.Context),
	})
	s.latency.Observe(observability.StageIssue, time.Since(started))
	if err != nil {
		s.countEvent("issue_failed")
		status, code := issueFailureStatus(err)
		s.logger.Warn("credential issue failed", zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, status, code, err.Error())
		return
	}

	sess := s.sessions.Create(req.UserID, req.Mode, grant.Transport, grant.ExpiresAt)
	if grant.RemoteID != "" {
		_ = s.sessions.BindRemote(sess.ID, grant.RemoteID)
	}
	if s.issuer.Name() == "dev" {
		s.tokenMu.Lock()
		s.pruneTokensLocked(time.Now())
		s.tokens[grant.Token] = devGrant{sessionID: sess.ID, expiresAt: grant.ExpiresAt}
		s.tokenMu.Unlock()
	}
	s.syncActive()
	s.countEvent("created")
	s.logger.Info("realtime session issued",
		zap.String("session_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("transport", grant.Transport),
	)

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID: sess.ID,
		ClientSecret: session.ClientSecret{
			Value:     grant.Token,
			ExpiresAt: grant.ExpiresAt.Unix(),
		},
		Transport: session.TransportDescriptor{
			Kind:  grant.Transport,
			URL:   grant.URL,
			Model: grant.Model,
			Voice: grant.Voice,
		},
		InactivityTTLMS: s.cfg.SessionInactivityTimeout.Milliseconds(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}

	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	s.dropDevTokens(sess.ID)
	s.syncActive()
	s.countEvent("ended")
	respondJSON(w, http.StatusOK, sess)
}

// OnSessionExpired is the session manager's expire hook.
func (s *Server) OnSessionExpired(sess *session.Session) {
	s.dropDevTokens(sess.ID)
	s.syncActive()
	s.countEvent("expired")
	s.logger.Info("realtime session expired", zap.String("session_id", sess.ID))
}

// dropDevTokens forgets unused dev credentials of a session that ended.
func (s *Server) dropDevTokens(sessionID string) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	for token, grant := range s.tokens {
		if grant.sessionID == sessionID {
			delete(s.tokens, token)
		}
	}
}

func (s *Server) pruneTokensLocked(now time.Time) {
	for token, grant := range s.tokens {
		if !grant.expiresAt.IsZero() && !now.Before(grant.expiresAt) {
			delete(s.tokens, token)
		}
	}
}

func (s *Server) pendingTokens() int {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()
	return len(s.tokens)
}

func (s *Server) issuerName() string {
	if s.issuer == nil {
		return "none"
	}
	return s.issuer.Name()
}

func (s *Server) syncActive() {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
}

func (s *Server) countEvent(ev string) {
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(ev).Inc()
	}
}

func issueFailureStatus(err error) (int, string) {
	if errors.Is(err, issuer.ErrUnsupportedTransport) {
		return http.StatusBadRequest, "unsupported_transport"
	}
	var serr *issuer.StatusError
	if errors.As(err, &serr) && serr.Retryable() {
		return http.StatusServiceUnavailable, "upstream_unavailable"
	}
	return http.StatusBadGateway, "issue_failed"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
