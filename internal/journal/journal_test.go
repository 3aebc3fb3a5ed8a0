package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"

	"framesync.io/internal/replica"
)

func TestSQLiteJournalRoundTrip(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenSQLite(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for i := 0; i < 5; i++ {
		j.WriteEvent(replica.Event{Frame: uint32(i), ConnectionID: 1, Kind: replica.EventSynchronized, PingMs: 42})
	}
	j.WriteEvent(replica.Event{Frame: 9, ConnectionID: 2, Kind: replica.EventResyncForced})
	j.WritePing(1, 10, 42, 2.5)
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen and read back what was committed.
	j2, err := OpenSQLite(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j2.Close()

	n, err := j2.EventCountByKind(context.Background(), replica.EventSynchronized)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 5 {
		t.Fatalf("synchronized events = %d, want 5", n)
	}
	n, err = j2.EventCountByKind(context.Background(), replica.EventResyncForced)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("resync events = %d, want 1", n)
	}
}

func TestWriteAfterCloseIsNoop(t *testing.T) {
	dir := t.TempDir()
	j, err := OpenSQLite(filepath.Join(dir, "journal.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Must not panic on the closed channel.
	j.WriteEvent(replica.Event{Kind: replica.EventConnectionAdded})
	j.WritePing(1, 1, 1, 0)
}

func TestEventTracerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr := NewEventTracer(dir)
	want := []replica.Event{
		{Frame: 1, ConnectionID: 7, Kind: replica.EventConnectionAdded},
		{Frame: 2, ConnectionID: 7, Kind: replica.EventSynchronizeSent},
		{Frame: 5, ConnectionID: 7, Kind: replica.EventSynchronized, PingMs: 80},
	}
	for _, ev := range want {
		if err := tr.WriteEvent(ev); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ents, err := os.ReadDir(filepath.Join(dir, "trace"))
	if err != nil || len(ents) != 1 {
		t.Fatalf("trace dir: %v entries, err %v", len(ents), err)
	}
	f, err := os.Open(filepath.Join(dir, "trace", ents[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer zr.Close()

	var got []replica.Event
	sc := bufio.NewScanner(zr)
	for sc.Scan() {
		var ev replica.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal %q: %v", sc.Text(), err)
		}
		got = append(got, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
