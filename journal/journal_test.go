package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mastercactapus/stnctl/config"
	"github.com/mastercactapus/stnctl/dispatch"
)

type bufCloser struct {
	bytes.Buffer
	closed bool
}

func (b *bufCloser) Close() error { b.closed = true; return nil }

func decode(t *testing.T, data []byte) []Entry {
	t.Helper()
	var out []Entry
	scan := bufio.NewScanner(bytes.NewReader(data))
	for scan.Scan() {
		var e Entry
		if err := json.Unmarshal(scan.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", scan.Text(), err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecord(t *testing.T) {
	var buf bufCloser
	j := New(&buf)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	j.Record(dispatch.JournalEntry{Time: now, RunID: "r1", Kind: "send", Priority: dispatch.PriorityEmergency, Payload: "suspend[1]"})
	j.Record(dispatch.JournalEntry{Time: now, RunID: "r1", Kind: "recv", Payload: "suspend ok", Response: dispatch.ResponseSuspend})
	j.Record(dispatch.JournalEntry{Time: now, Kind: "error", Err: "transport write: broken pipe"})

	got := decode(t, buf.Bytes())
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	if got[0].Priority != "emergency" || got[0].Payload != "suspend[1]" || got[0].RunID != "r1" {
		t.Errorf("send entry %+v", got[0])
	}
	if got[0].Response != "" {
		t.Errorf("send entry carries a response: %q", got[0].Response)
	}
	if got[1].Response != "suspend" {
		t.Errorf("recv entry response %q, want suspend", got[1].Response)
	}
	if got[2].Error == "" || got[2].Priority != "" {
		t.Errorf("error entry %+v", got[2])
	}
	if !got[0].Timestamp.Equal(now) {
		t.Errorf("timestamp %s, want %s", got[0].Timestamp, now)
	}
}

func TestRecordAfterClose(t *testing.T) {
	var buf bufCloser
	j := New(&buf)
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if !buf.closed {
		t.Error("underlying writer not closed")
	}
	j.Record(dispatch.JournalEntry{Kind: "send", Payload: "home"})
	if buf.Len() != 0 {
		t.Errorf("wrote %q after close", buf.String())
	}
	if err := j.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.jsonl")
	j := Open(path, config.Default().Log)
	j.Record(dispatch.JournalEntry{Time: time.Now(), Kind: "flow-start", RunID: "abc", Payload: "demo"})
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := decode(t, data)
	if len(got) != 1 || got[0].Kind != "flow-start" || got[0].RunID != "abc" {
		t.Errorf("got %+v", got)
	}
}
