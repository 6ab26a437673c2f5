package daemon

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSignatureIgnoresKeyOrder(t *testing.T) {
	a := Signature("chat", map[string]any{"prompt": "x", "model": "m", "temperature": 0.5})
	b := Signature("chat", map[string]any{"temperature": 0.5, "model": "m", "prompt": "x"})
	if a != b {
		t.Fatal("key order must not affect the signature")
	}
}

func TestSignatureDistinguishesTools(t *testing.T) {
	args := map[string]any{"prompt": "x"}
	if Signature("chat", args) == Signature("debug", args) {
		t.Fatal("tool name must be part of the signature")
	}
}

func TestSignatureDistinguishesValues(t *testing.T) {
	if Signature("chat", map[string]any{"prompt": "a"}) == Signature("chat", map[string]any{"prompt": "b"}) {
		t.Fatal("argument values must affect the signature")
	}
}

func TestSignatureDistinguishesTypes(t *testing.T) {
	if Signature("chat", map[string]any{"n": "1"}) == Signature("chat", map[string]any{"n": float64(1)}) {
		t.Fatal("string and number values must not collide")
	}
}

func TestSignatureNestedStructures(t *testing.T) {
	a := Signature("chat", map[string]any{"files": []any{"a.go", "b.go"}, "opts": map[string]any{"x": true}})
	b := Signature("chat", map[string]any{"opts": map[string]any{"x": true}, "files": []any{"a.go", "b.go"}})
	if a != b {
		t.Fatal("nested maps must normalize")
	}
	c := Signature("chat", map[string]any{"files": []any{"b.go", "a.go"}, "opts": map[string]any{"x": true}})
	if a == c {
		t.Fatal("list order is semantic and must affect the signature")
	}
}

func TestSignatureMatchesJSONDecodedArguments(t *testing.T) {
	var decoded map[string]any
	if err := json.Unmarshal([]byte(`{"prompt": "x", "max_tokens": 100}`), &decoded); err != nil {
		t.Fatal(err)
	}
	direct := map[string]any{"prompt": "x", "max_tokens": float64(100)}
	if Signature("chat", decoded) != Signature("chat", direct) {
		t.Fatal("decoded JSON and equivalent literals must sign identically")
	}
}

func TestCacheRequestIDWinsOverSignature(t *testing.T) {
	c := NewResultCache(16, time.Minute)
	c.Store("r1", "sig-a", "chat", json.RawMessage(`{"v":1}`))
	c.Store("r2", "sig-a", "chat", json.RawMessage(`{"v":2}`))

	entry, ok := c.Lookup("r1", "sig-a")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(entry.Payload) != `{"v":1}` {
		t.Fatalf("request-id index must win, got %s", entry.Payload)
	}
}

func TestCacheSemanticFallback(t *testing.T) {
	c := NewResultCache(16, time.Minute)
	c.Store("r1", "sig-a", "chat", json.RawMessage(`{"v":1}`))

	entry, ok := c.Lookup("r-unseen", "sig-a")
	if !ok {
		t.Fatal("expected semantic hit")
	}
	if string(entry.Payload) != `{"v":1}` {
		t.Fatalf("got %s", entry.Payload)
	}
}

func TestCacheMiss(t *testing.T) {
	c := NewResultCache(16, time.Minute)
	if _, ok := c.Lookup("r1", "sig-a"); ok {
		t.Fatal("expected miss on empty cache")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := NewResultCache(16, 20*time.Millisecond)
	c.Store("r1", "sig-a", "chat", json.RawMessage(`{}`))

	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Lookup("r1", "sig-a"); ok {
		t.Fatal("expected entry to expire")
	}
}
