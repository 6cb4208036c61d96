package negotiate

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Transport kinds a Descriptor can name.
const (
	KindSocket = "socket"
	KindMedia  = "media"
)

var (
	ErrCredentialExpired  = errors.New("credential expired")
	ErrCredentialConsumed = errors.New("credential already used")
)

// Descriptor tells the client which transport strategy to use and where.
type Descriptor struct {
	Kind  string
	URL   string
	Model string
	Voice string
}

// Credential is the short-lived secret returned by negotiation. It can open
// exactly one transport.
type Credential struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
	Transport Descriptor

	used *atomic.Bool
}

func NewCredential(sessionID, token string, expiresAt time.Time, transport Descriptor) Credential {
	return Credential{
		SessionID: sessionID,
		Token:     token,
		ExpiresAt: expiresAt,
		Transport: transport,
		used:      new(atomic.Bool),
	}
}

func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Consume marks the credential used. It fails if the credential is expired
// or was consumed before, by this copy or any other.
func (c Credential) Consume(now time.Time) error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("credential has no token")
	}
	if c.Expired(now) {
		return ErrCredentialExpired
	}
	if c.used == nil || !c.used.CompareAndSwap(false, true) {
		return ErrCredentialConsumed
	}
	return nil
}

// String never prints the token.
func (c Credential) String() string {
	return fmt.Sprintf("credential(session=%s transport=%s expires=%s)", c.SessionID, c.Transport.Kind, c.ExpiresAt.Format(time.RFC3339))
}
