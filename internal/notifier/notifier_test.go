package notifier

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	id       string
	focused  string
	visible  bool
	stale    bool
	device   string
	notified []string
}

func (f *fakeClient) ID() string { return f.id }
func (f *fakeClient) Heartbeat() (string, bool, bool, string) {
	return f.focused, f.visible, f.stale, f.device
}
func (f *fakeClient) NotifyAttention(agentID, reason string, shouldNotify bool) {
	if shouldNotify {
		f.notified = append(f.notified, agentID+":"+reason)
	}
}

type fakeRegistry struct{ clients []Client }

func (r *fakeRegistry) Sessions() []Client { return r.clients }

type fakePush struct{ calls int }

func (p *fakePush) Enqueue(_ context.Context, agentID, reason string) error {
	p.calls++
	return nil
}

func TestDispatchSuppressesWhenSelfWatching(t *testing.T) {
	c1 := &fakeClient{id: "c1", focused: "A", visible: true, stale: false}
	push := &fakePush{}
	d := New(&fakeRegistry{clients: []Client{c1}}, push)

	d.Dispatch(context.Background(), "A", "finished")
	assert.Empty(t, c1.notified)
	assert.Equal(t, 0, push.calls)
}

func TestDispatchSuppressesOtherClientsWhenOneIsWatching(t *testing.T) {
	watcher := &fakeClient{id: "c1", focused: "A", visible: true, stale: false}
	other := &fakeClient{id: "c2", focused: "", visible: false, stale: true}
	push := &fakePush{}
	d := New(&fakeRegistry{clients: []Client{watcher, other}}, push)

	d.Dispatch(context.Background(), "A", "finished")
	assert.Empty(t, watcher.notified)
	assert.Empty(t, other.notified, "suppressed for all clients when any session is watching A")
}

func TestDispatchSuppressesFocusedElsewhereClient(t *testing.T) {
	c := &fakeClient{id: "c1", focused: "B", visible: true, stale: false}
	push := &fakePush{}
	d := New(&fakeRegistry{clients: []Client{c}}, push)

	d.Dispatch(context.Background(), "A", "finished")
	assert.Empty(t, c.notified)
	assert.Equal(t, 0, push.calls)
}

func TestDispatchEnqueuesPushWhenAllStale(t *testing.T) {
	c := &fakeClient{id: "c1", focused: "", visible: false, stale: true}
	push := &fakePush{}
	d := New(&fakeRegistry{clients: []Client{c}}, push)

	d.Dispatch(context.Background(), "A", "finished")
	require.Len(t, c.notified, 1)
	assert.Equal(t, 1, push.calls)
}

func TestDispatchWithNoSessionsEnqueuesPush(t *testing.T) {
	push := &fakePush{}
	d := New(&fakeRegistry{clients: nil}, push)

	d.Dispatch(context.Background(), "A", "finished")
	assert.Equal(t, 1, push.calls)
}
