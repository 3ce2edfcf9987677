package persistence

import (
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/registry"
)

func testEntry(id string) registry.Entry {
	now := time.Now()
	return registry.Entry{
		Card:             registry.Card{ID: id, Name: id, Version: "1.0.0"},
		RegistrationTime: now,
		ExpiresAt:        now.Add(time.Hour),
		LastHeartbeat:    now,
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndLoadRoundTrips(t *testing.T) {
	store := openTestStore(t)

	if err := store.SaveEntry(testEntry("A")); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}
	if err := store.SaveEntry(testEntry("B")); err != nil {
		t.Fatalf("SaveEntry: %v", err)
	}

	entries, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}

func TestDeleteEntryRemovesIt(t *testing.T) {
	store := openTestStore(t)
	store.SaveEntry(testEntry("A"))
	store.SaveEntry(testEntry("B"))

	if err := store.DeleteEntry("A"); err != nil {
		t.Fatalf("DeleteEntry: %v", err)
	}

	entries, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(entries) != 1 || entries[0].Card.ID != "B" {
		t.Fatalf("expected only B to remain, got %+v", entries)
	}
}

func TestOperationsAfterCloseFail(t *testing.T) {
	store := openTestStore(t)
	store.Close()

	if err := store.SaveEntry(testEntry("A")); err == nil {
		t.Fatal("expected SaveEntry to fail on a closed store")
	}
	if _, err := store.LoadAll(); err == nil {
		t.Fatal("expected LoadAll to fail on a closed store")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
