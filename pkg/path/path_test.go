package path

import "testing"

func TestRootEncode(t *testing.T) {
	p := Root("lab", "Project", "p1")
	if got := p.Encode(); got != "lab/Project/p1" {
		t.Fatalf("unexpected encoding %q", got)
	}
	if p.Module() != "lab" {
		t.Fatalf("module = %q", p.Module())
	}
	if p.Entity() != "lab/Project" {
		t.Fatalf("entity = %q", p.Entity())
	}
	if p.Depth() != 1 {
		t.Fatalf("depth = %d", p.Depth())
	}
}

func TestChildEncode(t *testing.T) {
	p := Root("mod", "A", "1").Child("AB", "B", "10")
	if got := p.Encode(); got != "mod/A/1/AB/B/10" {
		t.Fatalf("unexpected encoding %q", got)
	}
	if p.Entity() != "mod/B" {
		t.Fatalf("entity = %q", p.Entity())
	}
	parent := p.Parent()
	if parent.Encode() != "mod/A/1" {
		t.Fatalf("parent = %q", parent.Encode())
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"lab/Project/p1",
		"mod/A/1/AB/B/10",
		"mod/A/1/AB/B/10/BC/C/7",
	} {
		p, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%q): %v", raw, err)
		}
		if got := p.Encode(); got != raw {
			t.Fatalf("round trip %q -> %q", raw, got)
		}
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"lab",
		"lab/Project",
		"lab/Project/p1/AB",
		"lab//p1",
		"lab/Project/p1//B/2",
	} {
		if _, err := Decode(raw); err == nil {
			t.Fatalf("Decode(%q): expected error", raw)
		}
	}
}

func TestHasPrefix(t *testing.T) {
	parent := Root("mod", "A", "1")
	child := parent.Child("AB", "B", "10")
	if !child.HasPrefix(parent) {
		t.Fatalf("child should have parent prefix")
	}
	if parent.HasPrefix(child) {
		t.Fatalf("parent must not have child prefix")
	}
	other := Root("mod", "A", "2")
	if child.HasPrefix(other) {
		t.Fatalf("sibling prefix must not match")
	}
}

func TestZeroPath(t *testing.T) {
	var p Path
	if !p.IsZero() {
		t.Fatalf("zero path should report IsZero")
	}
	if p.Encode() != "" {
		t.Fatalf("zero path encodes to %q", p.Encode())
	}
}
