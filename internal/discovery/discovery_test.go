package discovery

import (
	"testing"
	"time"

	"github.com/a2amesh/mesh/internal/registry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r := registry.New(registry.WithCleanupInterval(time.Hour))
	t.Cleanup(r.Close)
	return r
}

func TestDiscoverByCapability(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(registry.Card{
		ID: "R1", Name: "R1", Version: "1.2.0",
		Capabilities: []registry.Capability{{Name: "data-analysis", Version: "2.0.0"}},
	}, 0)
	r.Register(registry.Card{
		ID: "R2", Name: "R2", Version: "1.0.0",
		Capabilities: []registry.Capability{{Name: "web-research", Version: "1.0.0"}},
	}, 0)

	svc := New(r, "local", nil)
	res, err := svc.Discover(Query{Capabilities: []string{"data-analysis"}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.TotalFound != 1 || res.Agents[0].ID != "R1" {
		t.Fatalf("expected only R1 to match, got %+v", res.Agents)
	}
}

func TestDiscoverFilterUnknownField(t *testing.T) {
	r := newTestRegistry(t)
	svc := New(r, "local", nil)
	_, err := svc.Discover(Query{Filters: []Filter{{Field: "nope", Operator: OpEq, Value: "x"}}})
	if err == nil {
		t.Fatal("expected validation error for unknown field")
	}
}

func TestDiscoverFilterUnknownOperator(t *testing.T) {
	r := newTestRegistry(t)
	svc := New(r, "local", nil)
	_, err := svc.Discover(Query{Filters: []Filter{{Field: "metadata.load", Operator: "weird", Value: 1}}})
	if err == nil {
		t.Fatal("expected validation error for unknown operator")
	}
}

func TestDiscoverFilterLoadThreshold(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(registry.Card{
		ID: "low", Name: "low", Version: "1.0.0",
		Metadata: registry.Metadata{Load: 0.1},
	}, 0)
	r.Register(registry.Card{
		ID: "high", Name: "high", Version: "1.0.0",
		Metadata: registry.Metadata{Load: 0.9},
	}, 0)

	svc := New(r, "local", nil)
	res, err := svc.Discover(Query{Filters: []Filter{{Field: "metadata.load", Operator: OpLt, Value: 0.5}}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.TotalFound != 1 || res.Agents[0].ID != "low" {
		t.Fatalf("expected only 'low' to match, got %+v", res.Agents)
	}
}

func TestDiscoverMissingFieldIsNotMatchNotError(t *testing.T) {
	r := newTestRegistry(t)
	r.Register(registry.Card{ID: "A", Name: "A", Version: "1.0.0"}, 0)
	svc := New(r, "local", nil)
	res, err := svc.Discover(Query{Filters: []Filter{{Field: "metadata.trustLevel", Operator: OpEq, Value: "high"}}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if res.TotalFound != 0 {
		t.Fatalf("expected absent field to simply not match, got %d", res.TotalFound)
	}
}
