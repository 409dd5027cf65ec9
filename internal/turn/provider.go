// Package turn supplies ICE server configuration for WebRTC calls. STUN
// servers are public and handed to every client; TURN relay credentials are
// minted per request with the coturn REST-API scheme (ephemeral HMAC
// credentials) and only for authenticated users.
package turn

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/pairline/call-app/internal/protocol"
)

// DefaultCredentialTTL is how long minted TURN credentials stay valid.
const DefaultCredentialTTL = 6 * time.Hour

// Config holds the ICE server settings, normally read from the environment.
type Config struct {
	STUNURLs      []string      // stun:stun.example.com:3478
	TURNURLs      []string      // turn:turn.example.com:3478
	TURNSecret    string        // shared secret configured in coturn
	CredentialTTL time.Duration // 0 means DefaultCredentialTTL
}

// Provider builds per-user ICE server lists.
type Provider struct {
	cfg Config
	now func() time.Time
}

// NewProvider creates a provider from the given config.
func NewProvider(cfg Config) *Provider {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = DefaultCredentialTTL
	}
	return &Provider{cfg: cfg, now: time.Now}
}

// Servers returns the ICE servers for a user. Everyone gets the STUN list;
// authenticated users additionally get TURN relays with fresh ephemeral
// credentials. Anonymous callers fall back to STUN-only, which works for
// most NAT setups and keeps relay bandwidth behind the account wall.
func (p *Provider) Servers(userID string, authenticated bool) []protocol.ICEServer {
	servers := make([]protocol.ICEServer, 0, 2)
	if len(p.cfg.STUNURLs) > 0 {
		servers = append(servers, protocol.ICEServer{URLs: p.cfg.STUNURLs})
	}

	if authenticated && len(p.cfg.TURNURLs) > 0 && p.cfg.TURNSecret != "" {
		username, credential := p.ephemeralCredentials(userID)
		servers = append(servers, protocol.ICEServer{
			URLs:       p.cfg.TURNURLs,
			Username:   username,
			Credential: credential,
		})
	}
	return servers
}

// ephemeralCredentials mints time-limited TURN credentials per the coturn
// REST API scheme: username is "<expiry-unix>:<user>", credential is
// base64(HMAC-SHA1(secret, username)).
func (p *Provider) ephemeralCredentials(userID string) (username, credential string) {
	expiry := p.now().Add(p.cfg.CredentialTTL).Unix()
	username = fmt.Sprintf("%d:%s", expiry, userID)

	mac := hmac.New(sha1.New, []byte(p.cfg.TURNSecret))
	mac.Write([]byte(username))
	credential = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return username, credential
}
