package push

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nexushq/relay/pkg/channel"
)

// DefaultTokenTTL bounds a subscription token to roughly one browser session.
const DefaultTokenTTL = 12 * time.Hour

// ErrBadToken covers every verification failure: wrong signature, expired,
// tampered fields. Deliberately a single generic error.
var ErrBadToken = errors.New("invalid subscription token")

// SubscriptionToken authorizes one session to subscribe to one channel.
// Tokens are not reusable across users: the session id is part of the signed
// material.
type SubscriptionToken struct {
	Channel   string `json:"channel"`
	SessionID string `json:"session_id"`
	ExpiresAt int64  `json:"expires_at"`
	Signature string `json:"signature"`
}

// Encode serializes the token into the opaque string a client presents to
// the broker as its connection credential.
func (t *SubscriptionToken) Encode() string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeToken reverses Encode. Malformed input is ErrBadToken; signature and
// expiry checks are Verify's job.
func DecodeToken(s string) (*SubscriptionToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrBadToken
	}
	var tok SubscriptionToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, ErrBadToken
	}
	return &tok, nil
}

// TokenSigner mints and verifies subscription tokens with an HMAC-SHA256
// server secret.
type TokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{
		secret: []byte(secret),
		ttl:    DefaultTokenTTL,
		now:    time.Now,
	}
}

func (s *TokenSigner) sign(ch, session string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%d", ch, session, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authorize checks the caller's identity against the requested channel and,
// if allowed, returns a signed token. Denials are channel.ErrDenied with no
// further detail.
func (s *TokenSigner) Authorize(who channel.Identity, requested channel.ID, sessionID string) (*SubscriptionToken, error) {
	if sessionID == "" {
		return nil, channel.ErrDenied
	}
	if err := channel.Authorize(who, requested); err != nil {
		return nil, err
	}
	expires := s.now().Add(s.ttl).Unix()
	return &SubscriptionToken{
		Channel:   string(requested),
		SessionID: sessionID,
		ExpiresAt: expires,
		Signature: s.sign(string(requested), sessionID, expires),
	}, nil
}

// Verify checks a token's signature and expiry.
func (s *TokenSigner) Verify(tok *SubscriptionToken) error {
	if tok == nil {
		return ErrBadToken
	}
	want := s.sign(tok.Channel, tok.SessionID, tok.ExpiresAt)
	if !hmac.Equal([]byte(want), []byte(tok.Signature)) {
		return ErrBadToken
	}
	if s.now().Unix() >= tok.ExpiresAt {
		return ErrBadToken
	}
	return nil
}
