package trace

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLevelFiltersScopes(t *testing.T) {
	tests := []struct {
		level Level
		scope Scope
		want  bool
	}{
		{LevelOff, ScopeKernel, false},
		{LevelError, ScopeKernel, false},
		{LevelInfo, ScopeKernel, true},
		{LevelInfo, ScopeSched, false},
		{LevelDetail, ScopeSched, true},
		{LevelDetail, ScopeEvent, false},
		{LevelDebug, ScopeEvent, true},
	}
	for _, tt := range tests {
		if got := tt.level.ShouldEmit(tt.scope); got != tt.want {
			t.Fatalf("%s/%s: want %v, got %v", tt.level, tt.scope, tt.want, got)
		}
	}
}

func TestStreamTextFormat(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelDebug, FormatText)
	Point(tr, ScopeEvent, "wake", "DATA_READABLE", "object", "7", "woken", "2")

	out := buf.String()
	if !strings.Contains(out, "• wake (DATA_READABLE)") {
		t.Fatalf("missing name/detail in %q", out)
	}
	if !strings.Contains(out, "{object=7, woken=2}") {
		t.Fatalf("extras should be sorted: %q", out)
	}
}

func TestStreamNDJSON(t *testing.T) {
	var buf bytes.Buffer
	tr := NewStreamTracer(&buf, LevelInfo, FormatNDJSON)
	span := Begin(tr, ScopeKernel, "reap", 0)
	span.WithExtra("tid", "3").End("ok")
	Point(tr, ScopeEvent, "filtered", "")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want 2 lines (event scope filtered), got %d: %q", len(lines), buf.String())
	}
	var ev map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev["kind"] != "end" || ev["name"] != "reap" || ev["detail"] != "ok" {
		t.Fatalf("unexpected end event %v", ev)
	}
}

func TestRingKeepsLastEvents(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	for _, name := range []string{"a", "b", "c", "d"} {
		Point(r, ScopeSched, name, "")
	}
	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("want 3 events, got %d", len(snap))
	}
	for i, want := range []string{"b", "c", "d"} {
		if snap[i].Name != want {
			t.Fatalf("event %d: want %s, got %s", i, want, snap[i].Name)
		}
	}
}

func TestNewBothExposesRing(t *testing.T) {
	var buf bytes.Buffer
	tr, err := New(Config{Level: LevelDetail, Mode: ModeBoth, Output: &buf})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	Point(tr, ScopeSched, "reschedule", "")
	ring := RingOf(tr)
	if ring == nil || len(ring.Snapshot()) != 1 {
		t.Fatalf("ring should hold the event")
	}
	if !strings.Contains(buf.String(), "reschedule") {
		t.Fatalf("stream should hold the event")
	}
}

func TestOffIsNop(t *testing.T) {
	tr, err := New(Config{Level: LevelOff})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if tr.Enabled() {
		t.Fatalf("off tracer should be disabled")
	}
	if FromContext(WithTracer(context.Background(), nil)) != Nop {
		t.Fatalf("nil tracer in context should resolve to Nop")
	}
}

func TestRingFilterAndDumpHeader(t *testing.T) {
	r := NewRingTracer(3, LevelDebug)
	Point(r, ScopeKernel, "spawn", "")
	Point(r, ScopeSched, "reschedule", "")
	Point(r, ScopeEvent, "wait", "")
	Point(r, ScopeEvent, "wake", "")

	if got := r.Seen(ScopeEvent); got != 2 {
		t.Fatalf("seen event=%d, want 2", got)
	}
	if got := r.Seen(ScopeKernel); got != 1 {
		t.Fatalf("seen kernel=%d, want 1 after overwrite", got)
	}
	ev := r.Filter(ScopeEvent)
	if len(ev) != 2 || ev[0].Name != "wait" || ev[1].Name != "wake" {
		t.Fatalf("event scope filter %+v", ev)
	}
	if got := r.Filter(ScopeKernel); len(got) != 0 {
		t.Fatalf("spawn should have been overwritten, got %+v", got)
	}

	var buf bytes.Buffer
	if err := r.Dump(&buf, FormatText, ScopeSched); err != nil {
		t.Fatalf("dump: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("want header and one event, got %q", buf.String())
	}
	if lines[0] != "# 1 events retained (kernel=1 sched=1 event=2 seen)" {
		t.Fatalf("header %q", lines[0])
	}
	if !strings.Contains(lines[1], "reschedule") {
		t.Fatalf("event line %q", lines[1])
	}
}

func TestOrDefaultsToNop(t *testing.T) {
	if Or(nil) != Nop {
		t.Fatalf("Or(nil) should be Nop")
	}
	r := NewRingTracer(1, LevelInfo)
	if Or(r) != Tracer(r) {
		t.Fatalf("Or should keep a non-nil tracer")
	}
}
