package negotiate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/tandem/internal/session"
)

func TestNegotiateReturnsCredential(t *testing.T) {
	var got session.CreateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(session.CreateResponse{
			SessionID:    "s-1",
			ClientSecret: session.ClientSecret{Value: "ek_123", ExpiresAt: time.Now().Add(time.Minute).Unix()},
			Transport:    session.TransportDescriptor{Kind: "Socket", URL: "ws://peer/realtime", Model: "m"},
		})
	}))
	defer srv.Close()

	cred, err := New(srv.URL, time.Second).Negotiate(context.Background(), Params{UserID: "u1", Mode: "companion", PageContext: "Bachata social"})
	require.NoError(t, err)
	require.Equal(t, "s-1", cred.SessionID)
	require.Equal(t, KindSocket, cred.Transport.Kind)
	require.Equal(t, "Bachata social", got.Context)
	require.NotContains(t, cred.String(), "ek_123")
}

func TestNegotiateTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := New(srv.URL, 50*time.Millisecond).Negotiate(context.Background(), Params{UserID: "u1"})
	var nerr *NegotiationError
	require.ErrorAs(t, err, &nerr)
	require.Equal(t, ReasonTimeout, nerr.Reason)
	require.True(t, nerr.Retryable)
}

func TestNegotiateStatusRetryability(t *testing.T) {
	for status, retryable := range map[int]bool{
		http.StatusServiceUnavailable: true,
		http.StatusTooManyRequests:    true,
		http.StatusUnauthorized:       false,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", status)
		}))
		_, err := New(srv.URL, time.Second).Negotiate(context.Background(), Params{})
		srv.Close()

		var nerr *NegotiationError
		require.ErrorAs(t, err, &nerr)
		require.Equal(t, ReasonStatus, nerr.Reason)
		require.Equal(t, status, nerr.StatusCode)
		require.Equal(t, retryable, nerr.Retryable, "status %d", status)
	}
}

func TestNegotiateRejectsBadBodies(t *testing.T) {
	cases := map[string]Reason{
		`not json`:           ReasonDecode,
		`{"session_id":"s"}`: ReasonDecode,
		`{"client_secret":{"value":"x","expires_at":1}}`: ReasonExpired,
	}
	for body, reason := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		}))
		_, err := New(srv.URL, time.Second).Negotiate(context.Background(), Params{})
		srv.Close()

		var nerr *NegotiationError
		require.ErrorAs(t, err, &nerr, body)
		require.Equal(t, reason, nerr.Reason, body)
	}
}

func TestCredentialSingleUse(t *testing.T) {
	now := time.Now()
	cred := NewCredential("s", "tok", now.Add(time.Minute), Descriptor{Kind: KindSocket})
	copyOf := cred

	require.NoError(t, cred.Consume(now))
	require.True(t, errors.Is(copyOf.Consume(now), ErrCredentialConsumed))

	expired := NewCredential("s", "tok", now.Add(-time.Second), Descriptor{})
	require.ErrorIs(t, expired.Consume(now), ErrCredentialExpired)

	var zero Credential
	require.Error(t, zero.Consume(now))
}
