package timeline

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paseohq/paseo/internal/msgcodec"
)

// segmentRecord is the on-disk NDJSON shape for one timeline item. Large
// payloads are zstd-compressed (per internal/msgcodec) before being
// base64-encoded into the JSON line; small payloads are stored as raw
// JSON to keep the common case grep-able.
type segmentRecord struct {
	Seq         int64           `json:"seq"`
	Kind        string          `json:"kind"`
	CreatedAt   string          `json:"createdAt"`
	Compression string          `json:"compression,omitempty"`
	PayloadB64  string          `json:"payloadB64,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// segmentWriter appends NDJSON records to agents/<id>/timeline/<epoch>.log,
// fsyncing on a short ticker rather than per-append, matching the
// batched-flush discipline the daemon otherwise applies at shutdown
// (WAL checkpoint) rather than on every write.
type segmentWriter struct {
	mu     sync.Mutex
	file   *os.File
	ticker *time.Ticker
	done   chan struct{}
	dirty  bool
}

const fsyncInterval = 200 * time.Millisecond

func newSegmentWriter(dir string, epoch int) (*segmentWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("timeline: create segment dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%d.log", epoch))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("timeline: open segment %s: %w", path, err)
	}

	sw := &segmentWriter{file: f, ticker: time.NewTicker(fsyncInterval), done: make(chan struct{})}
	go sw.syncLoop()
	return sw, nil
}

func (sw *segmentWriter) syncLoop() {
	for {
		select {
		case <-sw.ticker.C:
			sw.mu.Lock()
			if sw.dirty {
				_ = sw.file.Sync()
				sw.dirty = false
			}
			sw.mu.Unlock()
		case <-sw.done:
			return
		}
	}
}

func (sw *segmentWriter) Write(item Item) error {
	rec := segmentRecord{
		Seq:       item.Cursor.Seq,
		Kind:      item.Kind,
		CreatedAt: item.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	encoded, compression := msgcodec.Encode(item.Payload)
	if compression == msgcodec.CompressionNone {
		rec.Payload = encoded
	} else {
		rec.Compression = compression.String()
		rec.PayloadB64 = base64.StdEncoding.EncodeToString(encoded)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, err := sw.file.Write(line); err != nil {
		return fmt.Errorf("timeline: write segment: %w", err)
	}
	sw.dirty = true
	return nil
}

func (sw *segmentWriter) Close() error {
	sw.ticker.Stop()
	close(sw.done)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	_ = sw.file.Sync()
	return sw.file.Close()
}
