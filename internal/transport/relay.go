package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/paseohq/paseo/internal/idgen"
)

// relayFrame is the control envelope multiplexing many clients' tunnels
// over one outbound relay connection. The relay itself only ever
// forwards opaque handshake/data bytes: it never sees plaintext.
type relayFrame struct {
	Type      string `json:"type"`
	TunnelID  string `json:"tunnelId,omitempty"`
	ServerID  string `json:"serverId,omitempty"`
	Handshake string `json:"handshake,omitempty"`
	Data      string `json:"data,omitempty"`
}

// relayConn adapts one demultiplexed tunnel to Conn. Reads come from an
// internal channel fed by RunRelay's single reader goroutine; writes
// seal and forward over the shared relay websocket.
type relayConn struct {
	tunnelID  string
	tun       *tunnel
	incoming  chan []byte
	ws        *websocket.Conn
	wsMu      *sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *relayConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-c.incoming:
		if !ok {
			return nil, errTunnelClosed
		}
		return c.tun.open(data)
	case <-c.closed:
		return nil, errTunnelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *relayConn) WriteFrame(ctx context.Context, data []byte) error {
	sealed, err := c.tun.seal(data)
	if err != nil {
		return fmt.Errorf("transport: seal relay frame: %w", err)
	}
	frame := relayFrame{Type: "tunnel_data", TunnelID: c.tunnelID, Data: base64.StdEncoding.EncodeToString(sealed)}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, payload)
}

// Ping is a no-op on a relayed tunnel. The shared relay connection is not
// pinged either: a dead relay socket is noticed only when runRelayOnce's
// read fails.
func (c *relayConn) Ping(context.Context) error { return nil }

func (c *relayConn) Close(string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

var errTunnelClosed = errors.New("transport: relay tunnel closed")

// newRelayBackoff mirrors the teacher's worker-side reconnect backoff
// (internal/worker/hub/backoff.go): 1s -> 60s, multiplier 2x, 20% jitter.
func newRelayBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// RunRelay dials the configured relay endpoint, registers as a server
// for serverID, and serves inbound client tunnels until ctx is
// cancelled, reconnecting with backoff on disconnect.
func (s *Server) RunRelay(ctx context.Context) error {
	if s.cfg.RelayEndpoint == "" {
		return nil
	}

	b := newRelayBackoff()
	for {
		err := s.runRelayOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("transport: relay connection lost, reconnecting", "error", err)
		}
		interval := b.NextBackOff()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}

func (s *Server) runRelayOnce(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, s.cfg.RelayEndpoint, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer func() { _ = ws.CloseNow() }()

	var wsMu sync.Mutex
	hello, _ := json.Marshal(relayFrame{Type: "hello", ServerID: s.identity.ServerID})
	if err := ws.Write(ctx, websocket.MessageText, hello); err != nil {
		return fmt.Errorf("relay hello: %w", err)
	}

	tunnels := make(map[string]chan []byte)
	var tunnelsMu sync.Mutex

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return err
		}
		var frame relayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("transport: malformed relay frame", "error", err)
			continue
		}

		switch frame.Type {
		case "tunnel_open":
			msg1, err := base64.StdEncoding.DecodeString(frame.Handshake)
			if err != nil {
				slog.Debug("transport: bad tunnel_open handshake encoding", "error", err)
				continue
			}
			tun, msg2, err := respondHandshake(s.identity, msg1)
			if err != nil {
				slog.Debug("transport: tunnel handshake failed", "error", err)
				continue
			}

			incoming := make(chan []byte, 16)
			tunnelsMu.Lock()
			tunnels[frame.TunnelID] = incoming
			tunnelsMu.Unlock()

			accept, _ := json.Marshal(relayFrame{Type: "tunnel_accept", TunnelID: frame.TunnelID, Handshake: base64.StdEncoding.EncodeToString(msg2)})
			wsMu.Lock()
			writeErr := ws.Write(ctx, websocket.MessageText, accept)
			wsMu.Unlock()
			if writeErr != nil {
				return writeErr
			}

			conn := &relayConn{
				tunnelID: frame.TunnelID,
				tun:      tun,
				incoming: incoming,
				ws:       ws,
				wsMu:     &wsMu,
				closed:   make(chan struct{}),
			}
			go serveConn(ctx, conn, idgen.Client(), s.newSession, s.registry, s.identity.ServerID, s.hostname, s.version, false)

		case "tunnel_data":
			ciphertext, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				continue
			}
			tunnelsMu.Lock()
			ch, ok := tunnels[frame.TunnelID]
			tunnelsMu.Unlock()
			if ok {
				select {
				case ch <- ciphertext:
				default:
					slog.Warn("transport: relay tunnel backpressured, dropping frame", "tunnel_id", frame.TunnelID)
				}
			}

		case "tunnel_close":
			tunnelsMu.Lock()
			ch, ok := tunnels[frame.TunnelID]
			delete(tunnels, frame.TunnelID)
			tunnelsMu.Unlock()
			if ok {
				close(ch)
			}
		}
	}
}
