package negotiate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/reliability"
	"github.com/ent0n29/tandem/internal/session"
)

const DefaultTimeout = 8 * time.Second

type Reason string

const (
	ReasonTimeout Reason = "timeout"
	ReasonStatus  Reason = "status"
	ReasonDecode  Reason = "decode"
	ReasonExpired Reason = "expired"
	ReasonRequest Reason = "request"
)

// NegotiationError reports why no credential could be obtained.
type NegotiationError struct {
	Reason     Reason
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *NegotiationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("negotiate session: %s (http %d): %v", e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("negotiate session: %s: %v", e.Reason, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// Params describe the session the caller wants.
type Params struct {
	UserID      string
	Mode        string
	PageContext string
}

// Negotiator obtains credentials from the negotiation endpoint. It never
// retries on its own; callers decide using NegotiationError.Retryable.
type Negotiator struct {
	endpoint string
	timeout  time.Duration
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Negotiator)

func WithHTTPClient(client *http.Client) Option {
	return func(n *Negotiator) { n.client = client }
}

func WithLogger(logger *zap.Logger) Option {
	return func(n *Negotiator) { n.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(n *Negotiator) { n.now = now }
}

func New(endpoint string, timeout time.Duration, opts ...Option) *Negotiator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	n := &Negotiator{
		endpoint: strings.TrimSpace(endpoint),
		timeout:  timeout,
		client:   &http.Client{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) Negotiate(ctx context.Context, params Params) (Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	payload, err := json.Marshal(session.CreateRequest{
		UserID:  params.UserID,
		Mode:    params.Mode,
		Context: params.PageContext,
	})
	if err != nil {
		return Credential{}, &NegotiationError{Reason: ReasonRequest, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, &NegotiationError{Reason: ReasonRequest, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	started := n.now()
	res, err := n.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, &NegotiationError{Reason: ReasonTimeout, Retryable: true, Err: fmt.Errorf("no response within %s", n.timeout)}
		}
		return Credential{}, &NegotiationError{Reason: ReasonRequest, Retryable: ctx.Err() == nil, Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Credential{}, &NegotiationError{
			Reason:     ReasonStatus,
			StatusCode: res.StatusCode,
			Retryable:  reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:        fmt.Errorf("endpoint rejected request: %s", strings.TrimSpace(string(body))),
		}
	}

	var body session.CreateResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Credential{}, &NegotiationError{Reason: ReasonTimeout, Retryable: true, Err: fmt.Errorf("no response within %s", n.timeout)}
		}
		return Credential{}, &NegotiationError{Reason: ReasonDecode, Err: err}
	}
	if strings.TrimSpace(body.ClientSecret.Value) == "" {
		return Credential{}, &NegotiationError{Reason: ReasonDecode, Err: errors.New("response has no client secret")}
	}

	var expiresAt time.Time
	if body.ClientSecret.ExpiresAt > 0 {
		expiresAt = time.Unix(body.ClientSecret.ExpiresAt, 0)
	}
	cred := NewCredential(body.SessionID, body.ClientSecret.Value, expiresAt, Descriptor{
		Kind:  strings.ToLower(strings.TrimSpace(body.Transport.Kind)),
		URL:   strings.TrimSpace(body.Transport.URL),
		Model: body.Transport.Model,
		Voice: body.Transport.Voice,
	})
	if cred.Expired(n.now()) {
		return Credential{}, &NegotiationError{Reason: ReasonExpired, Retryable: true, Err: ErrCredentialExpired}
	}

	n.logger.Debug("negotiated realtime session",
		zap.String("session_id", cred.SessionID),
		zap.String("transport", cred.Transport.Kind),
		zap.Duration("elapsed", n.now().Sub(started)),
	)
	return cred, nil
}
