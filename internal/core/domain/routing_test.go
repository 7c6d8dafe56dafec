package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNetworkPathAppendDoesNotMutate(t *testing.T) {
	base := NewNetworkPath("A")
	b := base.Append("B")
	c := base.Append("C")

	if base.Len() != 1 {
		t.Fatalf("base mutated: %s", base)
	}
	if b.String() != "A -> B" || c.String() != "A -> C" {
		t.Errorf("unexpected paths %q %q", b, c)
	}
	if b.Source() != "A" || b.Last() != "B" {
		t.Errorf("source/last = %s/%s", b.Source(), b.Last())
	}
	if !b.Contains("B") || b.Contains("C") {
		t.Error("Contains mismatch")
	}
}

func TestNetworkPathHopsIsCopy(t *testing.T) {
	p := NewNetworkPath("A", "B")
	hops := p.Hops()
	hops[0] = "Z"
	if p.Source() != "A" {
		t.Fatal("Hops exposed internal slice")
	}
}

func TestEmptyNetworkPathJSON(t *testing.T) {
	out, err := json.Marshal(EmptyNetworkPath)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != "[]" {
		t.Errorf("got %s", out)
	}
	var p NetworkPath
	if err := json.Unmarshal([]byte(`["A","B"]`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !p.Equal(NewNetworkPath("A", "B")) {
		t.Errorf("got %s", p)
	}
}

func TestSourceRouting(t *testing.T) {
	if _, err := NewSourceRouting(); !errors.Is(err, ErrEmptySourceRouting) {
		t.Fatalf("expected ErrEmptySourceRouting, got %v", err)
	}
	if _, err := NewSourceRouting("A", ""); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}

	r := SourceRoutingVia("CS1", "LC1", "LC2")
	if r.Next() != "LC1" || r.Last() != "CS1" || r.Len() != 3 {
		t.Fatalf("unexpected routing %s", r)
	}
	if r.NextAfter("LC1") != "LC2" {
		t.Errorf("NextAfter(LC1) = %s", r.NextAfter("LC1"))
	}
	if r.NextAfter("other") != "LC1" {
		t.Errorf("NextAfter(other) = %s", r.NextAfter("other"))
	}

	appended := SourceRoutingTo("A").Append("B")
	if appended.Last() != "B" || appended.Next() != "A" {
		t.Errorf("append: %s", appended)
	}
}

func TestSourceRoutingJSON(t *testing.T) {
	r := SourceRoutingVia("CS1", "LC1")
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `["LC1","CS1"]` {
		t.Errorf("got %s", out)
	}
	var back SourceRouting
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(r) {
		t.Errorf("round trip: %s", back)
	}
	if err := json.Unmarshal([]byte(`[]`), &back); !errors.Is(err, ErrEmptySourceRouting) {
		t.Errorf("expected ErrEmptySourceRouting, got %v", err)
	}
}
