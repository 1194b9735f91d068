package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/paseohq/paseo/internal/session"
)

// pingInterval is how often the daemon issues a protocol-level
// keepalive ping on an idle connection (spec §4.5/§6).
const pingInterval = 20 * time.Second

// maxMissedPings is how many consecutive keepalive pings may go
// unanswered before the connection is closed.
const maxMissedPings = 3

// Conn is the framed, ordered duplex path to one client: either the
// direct WebSocket (raw JSON frames) or a relayed tunnel (Noise-sealed
// JSON frames). Session only ever sees the Sink built on top of it.
type Conn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// SessionFactory builds the session bridge for one accepted connection.
type SessionFactory func(id string, send session.Sink) *session.Session

// welcomeFrame is the first frame sent on every new connection, direct
// or relayed (spec §6).
type welcomeFrame struct {
	Type     string `json:"type"`
	ServerID string `json:"serverId"`
	Hostname string `json:"hostname"`
	Version  string `json:"version"`
	Resumed  bool   `json:"resumed"`
}

// serveConn runs one connection's lifecycle: send welcome, start the
// keepalive watchdog, pump inbound frames into the session bridge until
// the connection errors or ctx is cancelled.
func serveConn(ctx context.Context, conn Conn, sessionID string, factory SessionFactory, registry *Registry, serverID, hostname, version string, resumed bool) {
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := factory(sessionID, func(frame []byte) error {
		return conn.WriteFrame(writeCtx, frame)
	})
	registry.add(sess)
	defer registry.remove(sess)
	defer sess.Close()

	welcome, err := json.Marshal(welcomeFrame{
		Type: "welcome", ServerID: serverID, Hostname: hostname, Version: version, Resumed: resumed,
	})
	if err != nil {
		slog.Error("transport: marshal welcome frame", "error", err)
		return
	}
	if err := conn.WriteFrame(writeCtx, welcome); err != nil {
		slog.Debug("transport: send welcome failed", "session_id", sessionID, "error", err)
		return
	}

	missed := make(chan struct{}, 1)
	go keepalive(writeCtx, conn, sessionID, missed)

	for {
		frame, err := conn.ReadFrame(ctx)
		if err != nil {
			slog.Debug("transport: read failed, closing session", "session_id", sessionID, "error", err)
			return
		}
		select {
		case <-missed:
			_ = conn.Close("keepalive timeout")
			return
		default:
		}
		sess.HandleFrame(ctx, frame)
	}
}

// keepalive issues a protocol ping every pingInterval and signals missed
// on maxMissedPings consecutive failures, so the read loop can close up.
func keepalive(ctx context.Context, conn Conn, sessionID string, missed chan<- struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingInterval/2)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				consecutive++
				slog.Debug("transport: missed keepalive ping", "session_id", sessionID, "count", consecutive, "error", err)
				if consecutive >= maxMissedPings {
					select {
					case missed <- struct{}{}:
					default:
					}
					return
				}
				continue
			}
			consecutive = 0
		}
	}
}
