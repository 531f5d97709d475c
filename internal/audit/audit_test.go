package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logx "optinbot/pkg/logx"
)

func TestRedactDetail(t *testing.T) {
	in := map[string]string{
		"to":          "someone",
		"password":    "hunter2",
		"totp_secret": "JBSW",
		"sms_code":    "123456",
		"reason":      "timeout",
	}
	out := redactDetail(in)
	if out["to"] != "someone" || out["reason"] != "timeout" {
		t.Fatalf("benign keys altered: %v", out)
	}
	for _, k := range []string{"password", "totp_secret", "sms_code"} {
		if out[k] != "***" {
			t.Fatalf("key %q not redacted: %q", k, out[k])
		}
	}
}

func TestFileSinkAppendsOneLinePerRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	recs := []Record{
		{Account: "a", Kind: KindDMSent, Outcome: "ok"},
		{Account: "b", Kind: KindDMFailed, Outcome: "failed", Detail: map[string]string{"password": "x"}},
	}
	for _, r := range recs {
		if err := sink.Append(context.Background(), finalize(r)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", lines+1, err)
		}
		if rec.ID == "" || rec.At.IsZero() {
			t.Fatalf("record missing id/timestamp: %+v", rec)
		}
		if rec.Kind == KindDMFailed && rec.Detail["password"] != "***" {
			t.Fatalf("password leaked to sink: %+v", rec)
		}
		lines++
	}
	if lines != len(recs) {
		t.Fatalf("expected %d lines, got %d", len(recs), lines)
	}
}

func TestTrailPreservesOrderAndDrains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}

	trail := NewTrail(sink, 64, logx.Nop())
	const n = 20
	for i := 0; i < n; i++ {
		trail.Append(Record{Account: "acct", Kind: KindDMSent, Outcome: "ok", Attempt: i})
	}
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if trail.Dropped() != 0 {
		t.Fatalf("unexpected drops: %d", trail.Dropped())
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	want := 0
	for sc.Scan() {
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("bad line: %v", err)
		}
		if rec.Attempt != want {
			t.Fatalf("order broken: got attempt %d, want %d", rec.Attempt, want)
		}
		want++
	}
	if want != n {
		t.Fatalf("expected %d records after close, got %d", n, want)
	}
}

func TestSQLiteSinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	sink, err := NewSQLiteSink(path, 2*time.Second)
	if err != nil {
		t.Fatalf("NewSQLiteSink: %v", err)
	}
	defer sink.Close()

	rec := finalize(Record{
		Account: "acct",
		Kind:    KindRateLimited,
		Outcome: "skipped",
		JobID:   "job-1",
		Detail:  map[string]string{"earliest": "soon"},
	})
	if err := sink.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	var kind, outcome string
	var attempt int
	row := sink.db.QueryRow(`SELECT kind, outcome, attempt FROM audit WHERE id = ?`, rec.ID)
	if err := row.Scan(&kind, &outcome, &attempt); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if kind != KindRateLimited || outcome != "skipped" {
		t.Fatalf("unexpected row: %s/%s", kind, outcome)
	}
}

type blockSink struct {
	release chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *blockSink) Append(context.Context, Record) error {
	s.once.Do(func() { close(s.started) })
	<-s.release
	return nil
}

func (s *blockSink) Close() error { return nil }

func TestTrailLogsDroppedRecords(t *testing.T) {
	sink := &blockSink{release: make(chan struct{}), started: make(chan struct{})}
	var buf bytes.Buffer
	trail := NewTrail(sink, 1, logx.NewJSON(&buf, "debug"))

	trail.Append(Record{Account: "acct", Kind: KindDMSent, Outcome: "ok"})
	<-sink.started

	// The consumer is parked in the sink; one more record fills the buffer,
	// anything past that must drop and be logged.
	deadline := time.Now().Add(time.Second)
	for trail.Dropped() == 0 {
		trail.Append(Record{Account: "acct", Kind: KindAccountHalt, Outcome: "halted"})
		if time.Now().After(deadline) {
			t.Fatal("no record dropped with a full buffer")
		}
	}

	close(sink.release)
	if err := trail.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	logged := buf.String()
	if !strings.Contains(logged, "audit record dropped") {
		t.Fatalf("drop was not logged:\n%s", logged)
	}
	if !strings.Contains(logged, KindAccountHalt) {
		t.Fatalf("dropped record's kind missing from log:\n%s", logged)
	}
}
