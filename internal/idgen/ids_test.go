package idgen

import (
	"strings"
	"testing"
)

func TestTypeIDDeterministic(t *testing.T) {
	a := TypeID("Position")
	b := TypeID("Position")
	if a != b {
		t.Fatalf("TypeID not deterministic: %s != %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("TypeID length = %d, want 64", len(a))
	}
	if a != strings.ToLower(a) {
		t.Fatalf("TypeID not lowercase: %s", a)
	}
	// Known vector so the wire contract can't drift silently.
	if got, want := TypeID("Tag"), "1503916a2ab2b0fd6768d3455fd8f2d9aa3b31333a8507dadcad983704a975d7"; got != want {
		t.Fatalf("TypeID(Tag) = %s, want %s", got, want)
	}
}

func TestTypeIDDistinct(t *testing.T) {
	if TypeID("Position") == TypeID("Velocity") {
		t.Fatal("distinct names produced the same type id")
	}
}

func TestEntityIDsAreOrderedAndValid(t *testing.T) {
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := NewEntityID()
		if err != nil {
			t.Fatalf("NewEntityID: %v", err)
		}
		if !ValidEntityID(id) {
			t.Fatalf("generated id %q fails validation", id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("v7 ids not monotonic: %s then %s", prev, id)
		}
		prev = id
	}
}

func TestValidEntityID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{"canonical", "01912345-6789-7abc-8def-0123456789ab", true},
		{"empty", "", false},
		{"short", "0191", false},
		{"no dashes", "019123456789 7abc8def0123456789abcdef", false},
		{"injection", "x'; DROP TABLE entities; --", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidEntityID(tt.id); got != tt.want {
				t.Errorf("ValidEntityID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}
