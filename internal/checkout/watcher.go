package checkout

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of fs events a single `git commit` or editor
// save produces into one recomputed snapshot.
const debounce = 250 * time.Millisecond

// Subscription is a live feed of DiffSummary snapshots for one working
// directory.
type Subscription struct {
	ch chan DiffSummary
}

// C returns the snapshot channel. A full channel drops the snapshot in
// favor of the next recomputation — checkout diffs are always refreshable.
func (s *Subscription) C() <-chan DiffSummary { return s.ch }

const subscriberBuffer = 4

// watch is the shared fsnotify watcher and subscriber set for one
// directory, refcounted across subscriptions so two agents sharing a cwd
// (or two sessions watching the same agent) share one inotify watch.
type watch struct {
	dir  string
	fsw  *fsnotify.Watcher
	stop chan struct{}
	done chan struct{}

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// Watcher multiplexes checkout-diff subscriptions across directories.
type Watcher struct {
	mu      sync.Mutex
	watches map[string]*watch
}

// New returns a Watcher with no active directory watches.
func New() *Watcher {
	return &Watcher{watches: make(map[string]*watch)}
}

// Subscribe starts (or joins) a filesystem watch on dir and returns a feed
// of recomputed DiffSummary snapshots, delivering one immediately.
func (w *Watcher) Subscribe(dir string) (*Subscription, error) {
	w.mu.Lock()
	wt, ok := w.watches[dir]
	if !ok {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			w.mu.Unlock()
			return nil, err
		}
		if err := addTree(fsw, dir); err != nil {
			_ = fsw.Close()
			w.mu.Unlock()
			return nil, err
		}
		wt = &watch{dir: dir, fsw: fsw, stop: make(chan struct{}), done: make(chan struct{}), subs: make(map[*Subscription]struct{})}
		w.watches[dir] = wt
		go wt.run()
	}
	w.mu.Unlock()

	sub := &Subscription{ch: make(chan DiffSummary, subscriberBuffer)}
	wt.mu.Lock()
	wt.subs[sub] = struct{}{}
	wt.mu.Unlock()

	if snap, err := Snapshot(dir); err == nil {
		select {
		case sub.ch <- snap:
		default:
		}
	}
	return sub, nil
}

// Unsubscribe removes sub from dir's watch, tearing the underlying
// fsnotify watcher down once the last subscriber leaves.
func (w *Watcher) Unsubscribe(dir string, sub *Subscription) {
	w.mu.Lock()
	wt, ok := w.watches[dir]
	if !ok {
		w.mu.Unlock()
		return
	}
	wt.mu.Lock()
	delete(wt.subs, sub)
	empty := len(wt.subs) == 0
	wt.mu.Unlock()
	if empty {
		delete(w.watches, dir)
	}
	w.mu.Unlock()

	if empty {
		close(wt.stop)
		<-wt.done
		_ = wt.fsw.Close()
	}
}

func (wt *watch) run() {
	defer close(wt.done)
	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-wt.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case _, ok := <-wt.fsw.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-wt.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("checkout: watch error", "dir", wt.dir, "error", err)
		case <-timerC:
			timerC = nil
			snap, err := Snapshot(wt.dir)
			if err != nil {
				continue
			}
			wt.mu.Lock()
			for s := range wt.subs {
				select {
				case s.ch <- snap:
				default:
				}
			}
			wt.mu.Unlock()
		}
	}
}

// addTree registers fsw on dir itself, non-recursively: only entries
// directly inside dir produce events. Files in subdirectories, including
// .git/index and .git/HEAD, are not watched.
func addTree(fsw *fsnotify.Watcher, dir string) error {
	return fsw.Add(dir)
}
