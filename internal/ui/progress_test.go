package ui

import (
	"errors"
	"strings"
	"testing"

	"ksched/internal/sim"
)

func TestApplyEventTracksRows(t *testing.T) {
	ch := make(chan sim.Event)
	m := NewProgressModel("pipe", []string{sim.StepsTrack}, ch).(*progressModel)

	m.applyEvent(sim.Event{Track: sim.StepsTrack, Status: sim.StatusWorking, Done: 2, Total: 4, Detail: "wake"})
	m.applyEvent(sim.Event{Track: "nic", Status: sim.StatusWorking, Done: 10})
	if len(m.items) != 2 {
		t.Fatalf("items %+v", m.items)
	}
	if got := m.items[0].detail; got != "2/4 wake" {
		t.Fatalf("detail %q", got)
	}
	if m.items[0].fraction != 0.5 {
		t.Fatalf("fraction %f", m.items[0].fraction)
	}

	m.applyEvent(sim.Event{Track: "nic", Status: sim.StatusError, Err: errors.New("boom")})
	m.done = true
	view := m.View()
	if !strings.Contains(view, "failed: pipe (nic)") || !strings.Contains(view, "boom") {
		t.Fatalf("view:\n%s", view)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("terminator", 6); got != "ter..." {
		t.Fatalf("got %q", got)
	}
	if got := truncate("ok", 6); got != "ok" {
		t.Fatalf("got %q", got)
	}
}
