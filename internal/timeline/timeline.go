// Package timeline is the canonical-log component (C3): a per-agent,
// single-writer append log with epoch-scoped cursors, a retained tail
// for fast resume, and channel-based live subscriptions.
package timeline

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by Append once the agent's log has been closed
// by Close (archive, or a corrupt-timeline error). Rotate does not close
// the log.
var ErrClosed = errors.New("timeline: closed")

// Cursor identifies a position in an agent's canonical log. Canonical
// ordering never regresses; cursors from a stale epoch are always
// rejected in favor of a reset.
type Cursor struct {
	Epoch int
	Seq   int64
}

func (c Cursor) Less(o Cursor) bool {
	if c.Epoch != o.Epoch {
		return c.Epoch < o.Epoch
	}
	return c.Seq < o.Seq
}

// Item is one canonical log entry. Payload carries the caller-defined
// event (user_message, assistant_message chunk, tool_call, mode_update,
// permission_resolved, error, ...); the timeline engine does not
// interpret it beyond storage, ordering, and projection bookkeeping
// the caller opts into via Kind.
type Item struct {
	Cursor    Cursor
	Kind      string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// TailResult is the response shape for fetchTail, matching the
// reset/staleCursor/gap quadruple that lets a client recover from any
// starting position.
type TailResult struct {
	Entries     []Item
	StartCursor Cursor
	EndCursor   Cursor
	HasOlder    bool
	HasNewer    bool
	Epoch       int
	Reset       bool
	StaleCursor bool
	Gap         bool
}

// retainedLimit bounds the in-memory tail kept per agent epoch; fetches
// beyond it report hasOlder=true (the full history lives in the segment
// file on disk, not served by this in-memory path).
const retainedLimit = 2000

// subscriberBuffer matches the teacher's per-watcher channel buffer
// (internal/hub/agentmgr.Watcher): deep enough to absorb a burst of
// streaming chunks without blocking the agent's single writer.
const subscriberBuffer = 64

// agentLog is the single-writer canonical log for one agent.
type agentLog struct {
	mu       sync.RWMutex
	epoch    int
	seq      int64
	retained []Item
	closed   bool
	segments *segmentWriter

	subsMu sync.RWMutex
	subs   map[*Subscription]struct{}
}

// Subscription is a live feed of appends for one agent, filtered to
// items with Cursor > the cursor the caller subscribed from.
type Subscription struct {
	ch     chan Item
	resets chan TailResult
}

// Events returns the channel of live appends following the initial
// snapshot (if any) delivered via Reset.
func (s *Subscription) Events() <-chan Item { return s.ch }

// Reset delivers a one-shot snapshot when the subscribe cursor was
// absent, stale or fell in a gap; the caller should render it before consuming Events.
func (s *Subscription) Reset() <-chan TailResult { return s.resets }

// Engine owns one agentLog per agent and is the package's public API.
type Engine struct {
	segmentDir func(agentID string) string

	mu   sync.Mutex
	logs map[string]*agentLog
}

// New returns an Engine that stores per-agent segment files under
// segmentDir(agentID)/<epoch>.log.
func New(segmentDir func(agentID string) string) *Engine {
	return &Engine{segmentDir: segmentDir, logs: make(map[string]*agentLog)}
}

func (e *Engine) logFor(agentID string) *agentLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.logs[agentID]
	if !ok {
		l = &agentLog{subs: make(map[*Subscription]struct{})}
		sw, err := newSegmentWriter(e.segmentDir(agentID), 0)
		if err == nil {
			l.segments = sw
		}
		e.logs[agentID] = l
	}
	return l
}

// Attach loads an agent's last known epoch/seq (from the store, at
// daemon startup) so Append continues the sequence rather than
// restarting at zero, and so Rotate bumps from the correct epoch.
func (e *Engine) Attach(agentID string, epoch int, lastSeq int64, retained []Item) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := &agentLog{epoch: epoch, seq: lastSeq, retained: retained, subs: make(map[*Subscription]struct{})}
	sw, err := newSegmentWriter(e.segmentDir(agentID), epoch)
	if err == nil {
		l.segments = sw
	}
	e.logs[agentID] = l
}

// Append assigns the next cursor to item and fans it out to subscribers.
func (e *Engine) Append(agentID string, kind string, payload json.RawMessage) (Cursor, error) {
	l := e.logFor(agentID)

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Cursor{}, ErrClosed
	}
	l.seq++
	cur := Cursor{Epoch: l.epoch, Seq: l.seq}
	item := Item{Cursor: cur, Kind: kind, Payload: payload, CreatedAt: time.Now()}

	l.retained = append(l.retained, item)
	if len(l.retained) > retainedLimit {
		l.retained = l.retained[len(l.retained)-retainedLimit:]
	}
	if l.segments != nil {
		_ = l.segments.Write(item)
	}
	l.mu.Unlock()

	l.broadcast(item)
	return cur, nil
}

func (l *agentLog) broadcast(item Item) {
	l.subsMu.RLock()
	defer l.subsMu.RUnlock()
	for s := range l.subs {
		select {
		case s.ch <- item:
		default:
			// Subscriber buffer full: drop rather than block the writer.
		}
	}
}

// FetchTail returns up to limit entries ending at the log's tail, or,
// if cursor is provided, resolves it against the current epoch per the
// reset/staleCursor/gap rules. limit=0 means "snapshot to tail".
func (e *Engine) FetchTail(agentID string, limit int, cursor *Cursor) TailResult {
	l := e.logFor(agentID)
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := TailResult{Epoch: l.epoch}

	if cursor != nil && cursor.Epoch != l.epoch {
		res.Reset = true
		res.StaleCursor = true
		res.Entries = tail(l.retained, limit)
		setCursorBounds(&res, l.retained, res.Entries)
		return res
	}

	if cursor != nil {
		earliest := int64(0)
		if len(l.retained) > 0 {
			earliest = l.retained[0].Cursor.Seq
		}
		if cursor.Seq < earliest-1 {
			res.Gap = true
			res.Entries = headFrom(l.retained, limit)
			setCursorBounds(&res, l.retained, res.Entries)
			return res
		}
		res.Entries = after(l.retained, cursor.Seq, limit)
		setCursorBounds(&res, l.retained, res.Entries)
		return res
	}

	res.Entries = tail(l.retained, limit)
	setCursorBounds(&res, l.retained, res.Entries)
	return res
}

func tail(items []Item, limit int) []Item {
	if limit <= 0 || limit >= len(items) {
		return append([]Item(nil), items...)
	}
	return append([]Item(nil), items[len(items)-limit:]...)
}

func headFrom(items []Item, limit int) []Item {
	if limit <= 0 || limit >= len(items) {
		return append([]Item(nil), items...)
	}
	return append([]Item(nil), items[:limit]...)
}

func after(items []Item, seq int64, limit int) []Item {
	var out []Item
	for _, it := range items {
		if it.Cursor.Seq > seq {
			out = append(out, it)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func setCursorBounds(res *TailResult, all, entries []Item) {
	if len(entries) == 0 {
		return
	}
	res.StartCursor = entries[0].Cursor
	res.EndCursor = entries[len(entries)-1].Cursor
	if len(all) > 0 {
		res.HasOlder = entries[0].Cursor.Seq > all[0].Cursor.Seq
		res.HasNewer = entries[len(entries)-1].Cursor.Seq < all[len(all)-1].Cursor.Seq
	}
}

// Subscribe registers a live feed for agentID. If fromCursor is nil, is
// stale (wrong epoch) or falls in a retention gap, the returned Subscription's
// Reset channel receives one TailResult snapshot before Events begins
// delivering appends after the snapshot's EndCursor.
func (e *Engine) Subscribe(agentID string, fromCursor *Cursor) *Subscription {
	l := e.logFor(agentID)
	s := &Subscription{ch: make(chan Item, subscriberBuffer), resets: make(chan TailResult, 1)}

	l.mu.RLock()
	needsReset := fromCursor == nil || fromCursor.Epoch != l.epoch
	if !needsReset && len(l.retained) > 0 && fromCursor.Seq < l.retained[0].Cursor.Seq-1 {
		needsReset = true
	}
	var snapshot TailResult
	if needsReset {
		snapshot = e.FetchTail(agentID, 0, nil)
	}
	l.mu.RUnlock()

	l.subsMu.Lock()
	l.subs[s] = struct{}{}
	l.subsMu.Unlock()

	if needsReset {
		s.resets <- snapshot
	}
	return s
}

func (e *Engine) Unsubscribe(agentID string, s *Subscription) {
	l := e.logFor(agentID)
	l.subsMu.Lock()
	delete(l.subs, s)
	l.subsMu.Unlock()
}

// Rotate begins a new epoch for agentID (daemon restart attach, provider
// reset). Every rotation bumps the epoch and invalidates outstanding
// cursors, which FetchTail/Subscribe observe as a reset.
func (e *Engine) Rotate(agentID string) int {
	l := e.logFor(agentID)
	l.mu.Lock()
	l.epoch++
	l.seq = 0
	l.retained = nil
	if l.segments != nil {
		_ = l.segments.Close()
	}
	sw, err := newSegmentWriter(e.segmentDir(agentID), l.epoch)
	if err == nil {
		l.segments = sw
	}
	epoch := l.epoch
	l.mu.Unlock()
	return epoch
}

// Close quarantines an agent's log (archive, or a corrupt-timeline
// error): further Append calls fail with ErrClosed.
func (e *Engine) Close(agentID string) error {
	l := e.logFor(agentID)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.segments != nil {
		return l.segments.Close()
	}
	return nil
}
