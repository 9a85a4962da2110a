package record

import (
	"strings"
	"testing"
)

func TestMakeKey(t *testing.T) {
	if got := MakeKey("web", "abc123"); got != "web:abc123" {
		t.Errorf("MakeKey = %q", got)
	}
}

func TestHashURI(t *testing.T) {
	h := HashURI("http://example.com/doc")
	if len(h) != 40 {
		t.Fatalf("hash length = %d, want 40", len(h))
	}
	if h != strings.ToLower(h) {
		t.Error("hash must be lowercase hex")
	}
	if HashURI("http://example.com/doc") != h {
		t.Error("hash must be deterministic")
	}
	if HashURI("http://example.com/other") == h {
		t.Error("distinct uris should not collide")
	}
}

func TestNewIDDistinct(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 10000; i++ {
		id := newID()
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestChunks(t *testing.T) {
	cases := []struct {
		n    int
		size int
		want []int
	}{
		{0, 3, nil},
		{1, 3, []int{1}},
		{3, 3, []int{3}},
		{7, 3, []int{3, 3, 1}},
		{4, 0, []int{1, 1, 1, 1}},
	}
	for _, tc := range cases {
		values := make([]string, tc.n)
		got := chunks(values, tc.size)
		if len(got) != len(tc.want) {
			t.Errorf("chunks(%d, %d) produced %d chunks, want %d", tc.n, tc.size, len(got), len(tc.want))
			continue
		}
		total := 0
		for i, chunk := range got {
			if len(chunk) != tc.want[i] {
				t.Errorf("chunks(%d, %d)[%d] has %d elements, want %d", tc.n, tc.size, i, len(chunk), tc.want[i])
			}
			total += len(chunk)
		}
		if total != tc.n {
			t.Errorf("chunks dropped elements: %d != %d", total, tc.n)
		}
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupe = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("dedupe = %v, want %v", got, want)
		}
	}
}
