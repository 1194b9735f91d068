package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/paseohq/paseo/internal/store"
)

// offerVersion is the pairing offer schema version (spec §6).
const offerVersion = 2

// offer is the fragment-encoded payload a daemon prints for a new
// client to consume. It is never sent to the relay: the relay only
// ever sees ciphertext once a client has paired.
type offer struct {
	V               int    `json:"v"`
	ServerID        string `json:"serverId"`
	DaemonPublicKey string `json:"daemonPublicKeyB64"`
}

// OfferURL builds the pairing offer URL embedding the daemon's public
// key in the URL fragment, so it never reaches a server log via the
// query string or path.
func OfferURL(appBaseURL string, id *Identity) string {
	o := offer{V: offerVersion, ServerID: id.ServerID, DaemonPublicKey: id.PublicKeyBase64()}
	payload, err := json.Marshal(o)
	if err != nil {
		panic(fmt.Sprintf("transport: marshal pairing offer: %v", err))
	}
	frag := base64.RawURLEncoding.EncodeToString(payload)
	return fmt.Sprintf("%s#offer=%s", appBaseURL, frag)
}

// Pairings records which client public keys the daemon trusts, backed
// by the store's paired_clients table (the durable side of the trust
// anchor; the pairing offer itself is ephemeral and printed once).
type Pairings struct {
	st *store.Store
}

func NewPairings(st *store.Store) *Pairings { return &Pairings{st: st} }

// Trust records publicKey as trusted under label, or, for a key already
// recorded, replaces its label and last-seen time.
func (p *Pairings) Trust(ctx context.Context, publicKey, label string) error {
	return p.st.UpsertPairedClient(ctx, &store.PairedClient{
		ClientPublicKey: publicKey,
		Label:           label,
		LastSeen:        time.Now(),
	})
}

// IsTrusted reports whether publicKey has completed pairing before.
func (p *Pairings) IsTrusted(ctx context.Context, publicKey string) (bool, error) {
	return p.st.IsTrusted(ctx, publicKey)
}

// Touch updates a client's last-seen timestamp. It goes through Trust,
// so the stored label is replaced by label.
func (p *Pairings) Touch(ctx context.Context, publicKey, label string) error {
	return p.Trust(ctx, publicKey, label)
}
