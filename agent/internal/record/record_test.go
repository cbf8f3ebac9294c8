package record

import (
	"testing"
	"time"
)

func TestLookup_DottedPath(t *testing.T) {
	r := Record{
		"customer": map[string]any{"address": map[string]any{"city": "Oslo"}},
		"flat.key": 1,
	}
	if v, ok := Lookup(r, "customer.address.city"); !ok || v != "Oslo" {
		t.Errorf("Lookup nested: got %v, %v", v, ok)
	}
	if v, ok := Lookup(r, "flat.key"); !ok || v != 1 {
		t.Errorf("Lookup literal dotted key: got %v, %v", v, ok)
	}
	if _, ok := Lookup(r, "customer.phone"); ok {
		t.Error("Lookup missing segment: expected false")
	}
}

func TestSet_CreatesIntermediateMaps(t *testing.T) {
	r := Record{}
	Set(r, "a.b.c", 3)
	if v, ok := Lookup(r, "a.b.c"); !ok || v != 3 {
		t.Errorf("Set/Lookup: got %v, %v", v, ok)
	}
}

func TestClone_IsDeep(t *testing.T) {
	orig := Record{"m": map[string]any{"x": 1}, "tags": []any{"a"}}
	cp := Clone(orig)
	cp["m"].(map[string]any)["x"] = 2
	cp["tags"].([]any)[0] = "b"
	if orig["m"].(map[string]any)["x"] != 1 {
		t.Error("nested map mutated through clone")
	}
	if orig["tags"].([]any)[0] != "a" {
		t.Error("slice mutated through clone")
	}
}

func TestFloat(t *testing.T) {
	tests := []struct {
		in   any
		want float64
		ok   bool
	}{
		{12.5, 12.5, true},
		{int64(7), 7, true},
		{" 3.25 ", 3.25, true},
		{"abc", 0, false},
		{true, 1, true},
		{nil, 0, false},
	}
	for _, tc := range tests {
		got, ok := Float(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Errorf("Float(%v): got (%v, %v), want (%v, %v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   any
	}{
		{"rfc3339", "2026-03-01T12:00:00Z"},
		{"unix seconds", float64(want.Unix())},
		{"unix millis", float64(want.UnixMilli())},
		{"time.Time", want},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Time(tc.in)
			if !ok || !got.Equal(want) {
				t.Errorf("Time(%v): got %v, %v", tc.in, got, ok)
			}
		})
	}
}

func TestNonNullPct(t *testing.T) {
	r := Record{"a": 1, "b": nil, "c": "", "d": "x"}
	if got := NonNullPct(r); got != 50 {
		t.Errorf("NonNullPct: got %v, want 50", got)
	}
	if got := NonNullPct(Record{}); got != 0 {
		t.Errorf("NonNullPct(empty): got %v, want 0", got)
	}
}
