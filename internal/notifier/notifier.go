// Package notifier is the notification dispatcher (C7): given an
// attention event and the set of currently connected client sessions, it
// decides per-client whether to surface an in-app attention_required
// frame and whether any session is stale enough to warrant a push
// notification, grounded on the delivery-attempt-then-queue pattern of
// the teacher's internal/hub/notifier.
package notifier

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/paseohq/paseo/internal/metrics"
)

// Client is the subset of a connected session's state the dispatcher
// needs: its latest heartbeat and a way to deliver an attention frame.
type Client interface {
	ID() string
	Heartbeat() (focusedAgentID string, appVisible, stale bool, deviceType string)
	NotifyAttention(agentID, reason string, shouldNotify bool)
}

// Registry enumerates the sessions currently connected to the daemon,
// across both the direct and relay transports.
type Registry interface {
	Sessions() []Client
}

// PushStore enqueues a push notification for delivery by an external
// collaborator (APNs/FCM or similar); Paseo's own scope ends at the
// enqueue call, matching the spec's "external push-token store" framing.
type PushStore interface {
	Enqueue(ctx context.Context, agentID, reason string) error
}

// logPushStore logs rather than delivering; it is the default when no
// real push backend is configured, mirroring teacher's queue-for-later
// fallback in SendOrQueue without inventing a delivery mechanism the
// spec explicitly scopes out.
type logPushStore struct{}

func (logPushStore) Enqueue(_ context.Context, agentID, reason string) error {
	slog.Info("notifier: push enqueued (no push backend configured)", "agent_id", agentID, "reason", reason)
	return nil
}

// Dispatcher evaluates the shouldNotify rule for attention events.
type Dispatcher struct {
	registry Registry
	push     PushStore
}

// New returns a Dispatcher backed by registry. A nil push uses a
// logging-only fallback.
func New(registry Registry, push PushStore) *Dispatcher {
	if push == nil {
		push = logPushStore{}
	}
	return &Dispatcher{registry: registry, push: push}
}

// Dispatch implements the spec §4.4 shouldNotify rule for an attention
// event on agentID, notifying every connected client and enqueueing a
// push if every session is stale.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, reason string) {
	clients := d.registry.Sessions()
	if len(clients) == 0 {
		if err := d.push.Enqueue(ctx, agentID, reason); err != nil {
			slog.Error("notifier: enqueue push", "agent_id", agentID, "error", err)
		}
		return
	}

	anyoneWatching := false
	allStale := true
	for _, c := range clients {
		focused, visible, stale, _ := c.Heartbeat()
		if !stale {
			allStale = false
		}
		if focused == agentID && visible && !stale {
			anyoneWatching = true
		}
	}

	for _, c := range clients {
		focused, visible, stale, _ := c.Heartbeat()
		shouldNotify := true
		switch {
		case anyoneWatching:
			shouldNotify = false
		case !stale && visible && focused != "":
			shouldNotify = false
		}
		c.NotifyAttention(agentID, reason, shouldNotify)
		metrics.NotificationsDispatchedTotal.WithLabelValues(strconv.FormatBool(!shouldNotify)).Inc()
	}

	if allStale {
		if err := d.push.Enqueue(ctx, agentID, reason); err != nil {
			slog.Error("notifier: enqueue push", "agent_id", agentID, "error", err)
		}
	}
}
