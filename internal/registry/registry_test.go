package registry

import (
	"testing"
	"time"
)

func testCard(id string, capabilities ...string) Card {
	caps := make([]Capability, len(capabilities))
	for i, name := range capabilities {
		caps[i] = Capability{Name: name, Version: "1.0.0"}
	}
	return Card{
		ID:           id,
		Name:         id,
		Version:      "1.0.0",
		Capabilities: caps,
		Metadata:     Metadata{Type: "worker"},
	}
}

func TestRegisterIndexesCapability(t *testing.T) {
	r := New(WithCleanupInterval(time.Hour))
	defer r.Close()

	if _, err := r.Register(testCard("A", "web-research"), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	agents := r.AgentsWithCapability("web-research")
	if len(agents) != 1 || agents[0] != "A" {
		t.Fatalf("expected [A], got %v", agents)
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	r := New(WithCleanupInterval(time.Hour))
	defer r.Close()

	if _, err := r.Register(testCard("A"), 0); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(testCard("A"), 0); err == nil {
		t.Fatal("expected AlreadyRegistered error")
	}
}

func TestUnregisterRemovesFromIndex(t *testing.T) {
	r := New(WithCleanupInterval(time.Hour))
	defer r.Close()

	r.Register(testCard("A", "data-analysis"), 0)
	if !r.Unregister("A") {
		t.Fatal("expected Unregister to succeed")
	}
	if agents := r.AgentsWithCapability("data-analysis"); len(agents) != 0 {
		t.Fatalf("expected no agents indexed after unregister, got %v", agents)
	}
	if r.Get("A") != nil {
		t.Fatal("expected Get to return nil after unregister")
	}
}

func TestHeartbeatDoesNotAlterIndexes(t *testing.T) {
	r := New(WithCleanupInterval(time.Hour))
	defer r.Close()

	r.Register(testCard("A", "data-analysis"), 0)
	before := r.AgentsWithCapability("data-analysis")
	if !r.Heartbeat("A") {
		t.Fatal("expected Heartbeat to succeed")
	}
	after := r.AgentsWithCapability("data-analysis")
	if len(before) != len(after) {
		t.Fatalf("heartbeat altered index: before=%v after=%v", before, after)
	}
}

func TestTTLExpiry(t *testing.T) {
	r := New(WithCleanupInterval(10 * time.Millisecond))
	defer r.Close()

	if _, err := r.Register(testCard("A"), 20*time.Millisecond); err != nil {
		t.Fatalf("Register: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	if r.Get("A") != nil {
		t.Fatal("expected expired agent to be absent")
	}
	if list := r.List(); len(list) != 0 {
		t.Fatalf("expected empty list after ttl expiry, got %v", list)
	}
}

func TestUpdateReindexesDiff(t *testing.T) {
	r := New(WithCleanupInterval(time.Hour))
	defer r.Close()

	r.Register(testCard("A", "alpha"), 0)
	updated := testCard("A", "beta")
	if !r.Update(updated) {
		t.Fatal("expected Update to succeed")
	}
	if agents := r.AgentsWithCapability("alpha"); len(agents) != 0 {
		t.Fatalf("expected alpha index cleared, got %v", agents)
	}
	if agents := r.AgentsWithCapability("beta"); len(agents) != 1 {
		t.Fatalf("expected beta index populated, got %v", agents)
	}
}
