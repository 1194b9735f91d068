package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
)

// cipherSuite is Noise_IK_25519_ChaChaPoly_SHA256: X25519 for the DH,
// ChaCha20-Poly1305 for the AEAD (golang.org/x/crypto under flynn/noise),
// SHA256 for the transcript hash.
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// tunnel is one relayed client's end-to-end encrypted channel, live
// once the IK handshake has completed.
type tunnel struct {
	send *noise.CipherState
	recv *noise.CipherState

	remoteStatic []byte // the client's long-lived public key, once known
}

// respondHandshake runs the responder side of a Noise IK handshake: the
// daemon knows its own static keypair but learns the client's static
// key from the single inbound message (IK's defining property) and
// returns it as remoteStatic. Pairings is not consulted: runRelayOnce
// serves every tunnel whose handshake succeeds.
func respondHandshake(identity *Identity, msg1 []byte) (*tunnel, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeIK,
		Initiator:     false,
		StaticKeypair: identity.Keypair(),
		Random:        rand.Reader,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("transport: init responder handshake: %w", err)
	}

	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, fmt.Errorf("transport: read handshake message 1: %w", err)
	}

	msg2, csSend, csRecv, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("transport: write handshake message 2: %w", err)
	}

	return &tunnel{
		send:         csSend,
		recv:         csRecv,
		remoteStatic: append([]byte(nil), hs.PeerStatic()...),
	}, msg2, nil
}

// seal encrypts one JSON frame for transmission over the relay.
func (t *tunnel) seal(plaintext []byte) ([]byte, error) {
	return t.send.Encrypt(nil, nil, plaintext)
}

// open decrypts one JSON frame received over the relay.
func (t *tunnel) open(ciphertext []byte) ([]byte, error) {
	return t.recv.Decrypt(nil, nil, ciphertext)
}
