package push

// Broker-side enforcement of subscription tokens. Minting a token is only
// half the contract: the broker itself must refuse subscribers that cannot
// present one. The embedded broker runs with Authenticator as its connection
// hook, so a client is confined to subscribing on exactly the channel subject
// its token names, and relay server instances authenticate the bridge with
// the shared service key.

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/nexushq/relay/pkg/log"
)

const defaultBrokerPort = 4222

// Authenticator gates broker connections on subscription tokens.
type Authenticator struct {
	signer     *TokenSigner
	serviceKey string
	logger     *log.Logger
}

// NewAuthenticator builds the broker connection hook. The serviceKey is the
// credential the bridge connects with; token-bearing clients get per-channel
// subscribe permission only.
func NewAuthenticator(signer *TokenSigner, serviceKey string) *Authenticator {
	return &Authenticator{
		signer:     signer,
		serviceKey: serviceKey,
		logger:     log.ForComponent("push"),
	}
}

// Check authorizes one broker connection. Service-key connections get full
// access. Everything else must present a valid encoded subscription token
// and is granted subscribe on that token's channel subject, publish on
// nothing.
func (a *Authenticator) Check(c server.ClientAuthentication) bool {
	opts := c.GetOpts()

	if a.serviceKey != "" && opts.Token == a.serviceKey {
		c.RegisterUser(&server.User{Username: "relay-service"})
		return true
	}

	tok, err := DecodeToken(opts.Token)
	if err == nil {
		err = a.signer.Verify(tok)
	}
	if err != nil {
		a.logger.Debugf("rejecting broker connection from %s: %v", c.RemoteAddress(), err)
		return false
	}

	c.RegisterUser(&server.User{
		Username: tok.SessionID,
		Permissions: &server.Permissions{
			Subscribe: &server.SubjectPermission{Allow: []string{SubjectPrefix + tok.Channel}},
			Publish:   &server.SubjectPermission{Deny: []string{">"}},
		},
	})
	return true
}

// StartBroker runs the embedded broker with token enforcement at the address
// of a nats:// URL. The caller owns Shutdown.
func StartBroker(rawURL string, auth *Authenticator) (*server.Server, error) {
	host, port, err := brokerAddr(rawURL)
	if err != nil {
		return nil, err
	}

	srv, err := server.NewServer(&server.Options{
		Host:                       host,
		Port:                       port,
		CustomClientAuthentication: auth,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded broker: %w", err)
	}

	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded broker at %s not ready", rawURL)
	}
	return srv, nil
}

func brokerAddr(rawURL string) (string, int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", 0, fmt.Errorf("parsing broker url %s: %w", rawURL, err)
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, fmt.Errorf("broker url %s has no host", rawURL)
	}
	if u.Port() == "" {
		return host, defaultBrokerPort, nil
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		return "", 0, fmt.Errorf("parsing broker port in %s: %w", rawURL, err)
	}
	return host, port, nil
}
