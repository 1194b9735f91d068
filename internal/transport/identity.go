// Package transport is the daemon's client-facing edge (C6): a direct
// WebSocket listener, an outbound relay client, and Noise IK-based
// pairing/encryption, grounded on the teacher's Connect-vs-WebSocket
// duality in internal/hub/service/ws_watch_events.go and on its
// persisted-keypair-at-rest convention for daemon-key/cli-client-id.
package transport

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// Identity is the daemon's long-lived X25519 keypair. It is the only
// thing a pairing offer commits to: clients trust the public key, not
// the serverId, which is just a routing hint for the relay.
type Identity struct {
	keypair  noise.DHKey
	ServerID string
}

// LoadOrCreateIdentity reads the daemon's private key from path, or
// generates and persists a new one (mode 0600) if path doesn't exist.
func LoadOrCreateIdentity(path string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("transport: daemon key at %s has unexpected length %d", path, len(raw))
		}
		pub, derr := curve25519.X25519(raw, curve25519.Basepoint)
		if derr != nil {
			return nil, fmt.Errorf("transport: derive public key: %w", derr)
		}
		return identityFromKeypair(noise.DHKey{Private: raw, Public: pub}), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("transport: read daemon key: %w", err)
	}

	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("transport: generate daemon key: %w", err)
	}
	if err := os.WriteFile(path, kp.Private, 0o600); err != nil {
		return nil, fmt.Errorf("transport: persist daemon key: %w", err)
	}
	return identityFromKeypair(kp), nil
}

func identityFromKeypair(kp noise.DHKey) *Identity {
	return &Identity{
		keypair:  kp,
		ServerID: hex.EncodeToString(kp.Public)[:16],
	}
}

// PublicKeyBase64 returns the identity's public key, base64url-encoded
// for embedding in a pairing offer.
func (id *Identity) PublicKeyBase64() string {
	return base64.RawURLEncoding.EncodeToString(id.keypair.Public)
}

// Keypair returns the Noise DHKey backing this identity, for use by
// the relay handshake.
func (id *Identity) Keypair() noise.DHKey { return id.keypair }
