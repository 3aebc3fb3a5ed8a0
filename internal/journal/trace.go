package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"framesync.io/internal/replica"
)

// TraceWriter appends JSONL entries to hourly-rotated zstd files.
type TraceWriter struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	openHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewTraceWriter(baseDir, prefix string) *TraceWriter {
	return &TraceWriter{
		baseDir: baseDir,
		prefix:  prefix,
	}
}

func (w *TraceWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *TraceWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != w.openHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *TraceWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	dir := filepath.Dir(w.pathForHour(hour))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.openHour = hour
	return nil
}

func (w *TraceWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	return err1
}

func (w *TraceWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// EventTracer writes one JSONL entry per replication event (compressed).
type EventTracer struct{ w *TraceWriter }

func NewEventTracer(dataDir string) *EventTracer {
	return &EventTracer{w: NewTraceWriter(filepath.Join(dataDir, "trace"), "events")}
}

func (t *EventTracer) WriteEvent(ev replica.Event) error { return t.w.Write(ev) }
func (t *EventTracer) Close() error                      { return t.w.Close() }
