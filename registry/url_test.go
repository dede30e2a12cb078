package registry

import "testing"

func TestURLCanonicalKeyIgnoresUnlistedParams(t *testing.T) {
	a := NewURL("tcp", "Arith", map[string]string{"addr": "127.0.0.1:8001", "weight": "10"})
	b := NewURL("tcp", "Arith", map[string]string{"addr": "127.0.0.1:8001", "weight": "20"})

	if a.CanonicalKey("addr") != b.CanonicalKey("addr") {
		t.Fatalf("expected equal keys when projecting only addr, got %q vs %q", a.CanonicalKey("addr"), b.CanonicalKey("addr"))
	}
	if a.CanonicalKey("addr", "weight") == b.CanonicalKey("addr", "weight") {
		t.Fatal("expected different keys when projecting weight too")
	}
}

func TestURLCanonicalKeyFieldOrderIndependent(t *testing.T) {
	u := NewURL("tcp", "Arith", map[string]string{"a": "1", "b": "2"})
	if u.CanonicalKey("a", "b") != u.CanonicalKey("b", "a") {
		t.Fatal("CanonicalKey should sort fields regardless of call order")
	}
}

func TestURLGetDefaults(t *testing.T) {
	u := NewURL("tcp", "Arith", map[string]string{"weight": "10"})
	if u.Get("missing", "def") != "def" {
		t.Fatal("expected default for missing key")
	}
	if u.GetInt("weight", 0) != 10 {
		t.Fatal("expected parsed weight 10")
	}
	if u.GetInt("missing", 5) != 5 {
		t.Fatal("expected default int for missing key")
	}
	if u.GetInt("weight", 0) == 0 {
		t.Fatal("sanity")
	}
}

func TestURLWithDoesNotMutateOriginal(t *testing.T) {
	u := NewURL("tcp", "Arith", map[string]string{"a": "1"})
	u2 := u.With("b", "2")
	if _, ok := u.Params["b"]; ok {
		t.Fatal("With must not mutate the receiver")
	}
	if u2.Params["a"] != "1" || u2.Params["b"] != "2" {
		t.Fatal("With must carry over existing params and add the new one")
	}
}
