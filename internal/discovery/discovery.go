// Package discovery implements the Discovery Service (C4): filter-based
// queries composed on top of the registry's live entries and indexes.
//
// The dotted-path filter fields are translated to a pre-declared schema of
// addressable card fields (fields.go) rather than open reflection, per the
// specification's §9 "dynamic field access" design note — an unknown path
// is refused when the query is validated, before any card is evaluated.
package discovery

import (
	"time"

	"github.com/a2amesh/mesh/internal/a2aerr"
	"github.com/a2amesh/mesh/internal/registry"
)

// Operator enumerates the supported filter comparisons.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// Filter is {field, operator, value}; field addresses a pre-declared
// addressable path in a card (see fields.go).
type Filter struct {
	Field    string
	Operator Operator
	Value    interface{}
}

// Query is the discovery request object.
type Query struct {
	Capabilities []string
	AgentType    string
	MaxDistance  int
	Filters      []Filter
}

// Result is the discovery response object.
type Result struct {
	Agents     []registry.Card
	TotalFound int
	SearchTime time.Duration
}

// Distance reports hop-distance between peers; the router supplies the
// live implementation (shortest_path's BFS) so discovery can apply
// maxDistance without depending on router internals.
type Distance interface {
	DistanceBetween(from, to string) (hops int, ok bool)
}

// Service composes candidate sets from the registry per §4.4.
type Service struct {
	reg      *registry.Registry
	distance Distance
	localID  string
}

// New constructs a discovery Service over reg. distance may be nil, in
// which case maxDistance filtering is skipped.
func New(reg *registry.Registry, localID string, distance Distance) *Service {
	return &Service{reg: reg, localID: localID, distance: distance}
}

// Validate checks that every filter addresses a known field and a known
// operator, surfacing unknown operators as a validation error per §4.4
// ("unknown operator is a validation error surfaced to the caller").
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if !isAddressableField(f.Field) {
			return a2aerr.New(a2aerr.ValidationError, "discovery", "unknown addressable field: "+f.Field)
		}
		switch f.Operator {
		case OpEq, OpNe, OpGt, OpLt, OpGte, OpLte, OpIn, OpContains:
		default:
			return a2aerr.New(a2aerr.ValidationError, "discovery", "unknown operator: "+string(f.Operator))
		}
	}
	return nil
}

// Discover composes the candidate set: start from all live entries,
// intersect with the capability index for each required capability,
// intersect with the type index if AgentType is set, apply filters, then
// apply distance filtering.
func (s *Service) Discover(q Query) (*Result, error) {
	start := time.Now()
	if err := q.Validate(); err != nil {
		return nil, err
	}

	all := s.reg.List()
	candidates := make(map[string]registry.Card, len(all))
	for id, card := range all {
		candidates[id] = card
	}

	for _, capName := range q.Capabilities {
		allowed := toSet(s.reg.AgentsWithCapability(capName))
		for id := range candidates {
			if _, ok := allowed[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	if q.AgentType != "" {
		allowed := toSet(s.reg.AgentsOfType(q.AgentType))
		for id := range candidates {
			if _, ok := allowed[id]; !ok {
				delete(candidates, id)
			}
		}
	}

	for _, f := range q.Filters {
		for id, card := range candidates {
			if !evaluateFilter(card, f) {
				delete(candidates, id)
			}
		}
	}

	if q.MaxDistance > 0 && s.distance != nil {
		for id := range candidates {
			if id == s.localID {
				continue
			}
			hops, ok := s.distance.DistanceBetween(s.localID, id)
			if !ok || hops > q.MaxDistance {
				delete(candidates, id)
			}
		}
	}

	agents := make([]registry.Card, 0, len(candidates))
	for _, card := range candidates {
		agents = append(agents, card)
	}

	return &Result{
		Agents:     agents,
		TotalFound: len(agents),
		SearchTime: time.Since(start),
	}, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
