package cache

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestGetWithinTTL(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := New(30*time.Second, fc)

	m.Put("assets", []byte(`[1]`))

	if e, ok := m.Get("assets"); !ok || string(e.Payload) != `[1]` {
		t.Fatalf("Get() = %v, %v; want [1], true", e, ok)
	}

	fc.Advance(29 * time.Second)
	if _, ok := m.Get("assets"); !ok {
		t.Error("entry just under TTL should hit")
	}

	fc.Advance(time.Second)
	if _, ok := m.Get("assets"); ok {
		t.Error("entry exactly at TTL should miss")
	}
}

func TestGetAnyIgnoresTTL(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := New(30*time.Second, fc)

	m.Put("assets", []byte(`[1]`))
	fc.Advance(time.Hour)

	if _, ok := m.Get("assets"); ok {
		t.Fatal("Get() should miss after expiry")
	}
	if e, ok := m.GetAny("assets"); !ok || string(e.Payload) != `[1]` {
		t.Errorf("GetAny() = %v, %v; want stale entry", e, ok)
	}
}

func TestPutReplaces(t *testing.T) {
	fc := clockwork.NewFakeClock()
	m := New(30*time.Second, fc)

	m.Put("assets", []byte(`old`))
	fc.Advance(29 * time.Second)
	m.Put("assets", []byte(`new`))
	fc.Advance(10 * time.Second)

	// The replacement restarted the TTL.
	e, ok := m.Get("assets")
	if !ok {
		t.Fatal("replaced entry should still be valid")
	}
	if string(e.Payload) != "new" {
		t.Errorf("payload = %s, want new", e.Payload)
	}
}

func TestInvalidateAndPurge(t *testing.T) {
	m := New(30*time.Second, clockwork.NewFakeClock())

	m.Put("a", []byte(`1`))
	m.Put("b", []byte(`2`))

	m.Invalidate("a")
	if _, ok := m.GetAny("a"); ok {
		t.Error("invalidated entry should be gone")
	}
	if m.Len() != 1 {
		t.Errorf("Len() = %d, want 1", m.Len())
	}

	m.Purge()
	if m.Len() != 0 {
		t.Errorf("Len() after Purge = %d, want 0", m.Len())
	}
}
