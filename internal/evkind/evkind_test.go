package evkind

import "testing"

func TestParseRoundTrip(t *testing.T) {
	for _, k := range Catalog() {
		got, err := Parse(k.String())
		if err != nil {
			t.Fatalf("parse %s: %v", k, err)
		}
		if got != k {
			t.Fatalf("parse %s: want %d, got %d", k, k, got)
		}
	}
	if _, err := Parse("no_such_event"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}

func TestParseNumbered(t *testing.T) {
	k, err := Parse("kind25")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if k != 25 {
		t.Fatalf("want 25, got %d", k)
	}
	if _, err := Parse("KIND32"); err == nil {
		t.Fatalf("expected error for kind beyond mask width")
	}
	for _, bad := range []string{"KIND3x", "KIND", "KIND-1", "KIND+3", "KIND 3", "KIND3.0"} {
		if k, err := Parse(bad); err == nil {
			t.Fatalf("Parse(%q) accepted as %d", bad, k)
		}
	}
}

func TestMaskKindsAscending(t *testing.T) {
	m := MaskOf(PipeEmpty, Client, DataReadable)
	kinds := m.Kinds()
	want := []Kind{Client, DataReadable, PipeEmpty}
	if len(kinds) != len(want) {
		t.Fatalf("want %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("want %v, got %v", want, kinds)
		}
	}
	if m.String() != "CLIENT|DATA_READABLE|PIPE_EMPTY" {
		t.Fatalf("unexpected mask string %q", m.String())
	}
	if Mask(0).String() != "-" {
		t.Fatalf("empty mask should print as -")
	}
}

func TestParseMask(t *testing.T) {
	m, err := ParseMask("data_readable|pipe_full, USER1")
	if err != nil {
		t.Fatalf("parse mask: %v", err)
	}
	if m != MaskOf(DataReadable, PipeFull, User1) {
		t.Fatalf("unexpected mask %s", m)
	}
	if _, err := ParseMask("DATA_READABLE|bogus"); err == nil {
		t.Fatalf("expected error")
	}
}
