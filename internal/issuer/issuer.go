package issuer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrUnsupportedTransport = errors.New("unsupported transport kind")

// Request describes the session a browser or CLI client wants to open.
type Request struct {
	UserID       string
	Mode         string
	Transport    string
	Instructions string
}

// Grant is an ephemeral credential plus where to use it.
type Grant struct {
	RemoteID  string
	Token     string
	ExpiresAt time.Time
	Transport string
	URL       string
	Model     string
	Voice     string
}

// Issuer mints short-lived realtime credentials. The long-lived API key never
// leaves the server.
type Issuer interface {
	Issue(ctx context.Context, req Request) (Grant, error)
	Name() string
}

// DevIssuer hands out random tokens for a local realtime peer. It performs no
// network calls.
type DevIssuer struct {
	SocketURL string
	MediaURL  string
	Model     string
	Voice     string
	TTL       time.Duration
	Now       func() time.Time
}

func (d DevIssuer) Name() string { return "dev" }

func (d DevIssuer) Issue(ctx context.Context, req Request) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}
	kind, url, err := pick(req.Transport, d.SocketURL, d.MediaURL)
	if err != nil {
		return Grant{}, err
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	ttl := d.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return Grant{
		RemoteID:  "dev_" + uuid.NewString(),
		Token:     "ek_dev_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
		ExpiresAt: now().Add(ttl),
		Transport: kind,
		URL:       url,
		Model:     d.Model,
		Voice:     d.Voice,
	}, nil
}

func pick(kind, socketURL, mediaURL string) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "socket":
		return "socket", socketURL, nil
	case "media":
		return "media", mediaURL, nil
	default:
		return "", "", ErrUnsupportedTransport
	}
}
