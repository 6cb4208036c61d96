package issuer

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
)

// StatusError is a non-2xx answer from the credential API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("realtime sessions api status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
func (e *StatusError) Retryable() bool {
	return reliability.IsRetryableHTTPStatus(e.StatusCode)
}

// OpenAIIssuer mints client secrets from the realtime sessions API.
type OpenAIIssuer struct {
	baseURL string
	apiKey  string
	model   string
	voice   string
	client  *http.Client
	logger  *zap.Logger
}

func NewOpenAIIssuer(baseURL, apiKey, model, voice string, logger *zap.Logger) *OpenAIIssuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIIssuer{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  strings.TrimSpace(apiKey),
		model:   model,
		voice:   voice,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

func (o *OpenAIIssuer) Name() string { return "openai" }

type sessionsRequest struct {
	Model        string   `json:"model"`
	Voice        string   `json:"voice,omitempty"`
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities"`
}

type sessionsResponse struct {
	ID           string `json:"id"`
	Model        string `json:"model"`
	Voice        string `json:"voice"`
	ClientSecret struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

func (o *OpenAIIssuer) Issue(ctx context.Context, req Request) (Grant, error) {
	if o.apiKey == "" {
		return Grant{}, errors.New("OPENAI_API_KEY is not set")
	}
	kind, endpoint, err := pick(req.Transport, o.realtimeURL("wss"), o.realtimeURL("https"))
	if err != nil {
		return Grant{}, err
	}

	payload, err := json.Marshal(sessionsRequest{
		Model:        o.model,
		Voice:        o.voice,
		Instructions: req.Instructions,
		Modalities:   []string{"audio", "text"},
	})
	if err != nil {
		return Grant{}, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/v1/realtime/sessions", bytes.NewReader(payload))
	if err != nil {
		return Grant{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)

	started := time.Now()
	res, err := o.client.Do(httpReq)
	if err != nil {
		return Grant{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return Grant{}, &StatusError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var body sessionsResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&body); err != nil {
		return Grant{}, fmt.Errorf("decode response: %w", err)
	}
	if strings.TrimSpace(body.ClientSecret.Value) == "" {
		return Grant{}, errors.New("realtime sessions api returned no client secret")
	}

	model := body.Model
	if model == "" {
		model = o.model
	}
	voice := body.Voice
	if voice == "" {
		voice = o.voice
	}
	o.logger.Debug("issued realtime client secret",
		zap.String("remote_session_id", body.ID),
		zap.String("transport", kind),
		zap.Duration("elapsed", time.Since(started)),
	)
	return Grant{
		RemoteID:  body.ID,
		Token:     body.ClientSecret.Value,
		ExpiresAt: time.Unix(body.ClientSecret.ExpiresAt, 0),
		Transport: kind,
		URL:       endpoint,
		Model:     model,
		Voice:     voice,
	}, nil
}

// realtimeURL is the realtime endpoint on the configured host with the given
// scheme.
func (o *OpenAIIssuer) realtimeURL(scheme string) string {
	host := o.baseURL
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if scheme == "wss" && strings.HasPrefix(o.baseURL, "http://") {
		scheme = "ws"
	}
	if scheme == "https" && strings.HasPrefix(o.baseURL, "http://") {
		scheme = "http"
	}
	return scheme + "://" + host + "/v1/realtime"
}
