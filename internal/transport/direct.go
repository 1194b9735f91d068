package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"

	"github.com/paseohq/paseo/internal/idgen"
)

var errUnexpectedFrameType = errors.New("transport: expected a text frame")

// directConn adapts a coder/websocket connection to Conn, grounded on
// the Accept/Read/Write/Close pattern in the teacher's
// ws_watch_events.go (there used for a protobuf stream; Paseo's direct
// path is JSON end to end per spec §6).
type directConn struct {
	ws *websocket.Conn
}

func (c *directConn) ReadFrame(ctx context.Context) ([]byte, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, errUnexpectedFrameType
	}
	return data, nil
}

func (c *directConn) WriteFrame(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *directConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *directConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

// DirectHandler returns the /ws upgrade handler for the direct path:
// same-LAN clients connect straight to the daemon's listen address,
// restricted to AllowedHosts.
func (s *Server) DirectHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.hostAllowed(r.Host) {
			http.Error(w, "host not allowed", http.StatusForbidden)
			return
		}

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"paseo.v1"},
		})
		if err != nil {
			slog.Debug("transport: direct accept failed", "error", err)
			return
		}
		defer func() { _ = ws.CloseNow() }()

		conn := &directConn{ws: ws}
		sessionID := idgen.Client()
		serveConn(r.Context(), conn, sessionID, s.newSession, s.registry, s.identity.ServerID, s.hostname, s.version, false)
	})
}

// hostAllowed reports whether host (the Host header, host:port form)
// matches one of the configured AllowedHosts.
func (s *Server) hostAllowed(host string) bool {
	if s.allowedHosts == nil {
		return true
	}
	h := host
	if i := strings.LastIndexByte(h, ':'); i >= 0 {
		h = h[:i]
	}
	_, ok := s.allowedHosts[h]
	return ok
}
