package session

import "time"

// Session describes one realtime voice session. The controller keeps exactly
// one live Session; the negotiation endpoint tracks every Session it issued.
type Session struct {
	ID             string    `json:"session_id"`
	RemoteID       string    `json:"remote_session_id,omitempty"`
	UserID         string    `json:"user_id"`
	Mode           string    `json:"mode"`
	TransportKind  string    `json:"transport"`
	State          State     `json:"state,omitempty"`
	Status         Status    `json:"status,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// CreateRequest is the body of a negotiation request.
type CreateRequest struct {
	UserID  string `json:"user_id"`
	Mode    string `json:"mode"`
	Context string `json:"context,omitempty"`
	// Transport optionally asks for "socket" or "media"; empty uses the
	// server default.
	Transport string `json:"transport,omitempty"`
}

// ClientSecret is the ephemeral credential handed to the client.
type ClientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// TransportDescriptor tells the client which transport strategy and
// endpoint to use.
type TransportDescriptor struct {
	Kind  string `json:"kind"`
	URL   string `json:"url"`
	Model string `json:"model,omitempty"`
	Voice string `json:"voice,omitempty"`
}

// CreateResponse is returned by the negotiation endpoint.
type CreateResponse struct {
	SessionID       string              `json:"session_id"`
	ClientSecret    ClientSecret        `json:"client_secret"`
	Transport       TransportDescriptor `json:"transport"`
	InactivityTTLMS int64               `json:"inactivity_ttl_ms"`
}
