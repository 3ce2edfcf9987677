package discovery

import (
	"strings"

	"github.com/a2amesh/mesh/internal/registry"
)

// addressableFields is the pre-declared schema of dotted paths a Filter may
// name. Evaluation never falls back to reflection on unlisted paths.
var addressableFields = map[string]func(registry.Card) (interface{}, bool){
	"id":               func(c registry.Card) (interface{}, bool) { return c.ID, true },
	"name":             func(c registry.Card) (interface{}, bool) { return c.Name, true },
	"version":          func(c registry.Card) (interface{}, bool) { return c.Version, true },
	"metadata.type":    func(c registry.Card) (interface{}, bool) { return c.Metadata.Type, true },
	"metadata.status":  func(c registry.Card) (interface{}, bool) { return c.Metadata.Status, true },
	"metadata.load":    func(c registry.Card) (interface{}, bool) { return c.Metadata.Load, true },
	"metadata.trustLevel": func(c registry.Card) (interface{}, bool) { return c.Metadata.TrustLevel, c.Metadata.TrustLevel != "" },
	"capabilities.names": func(c registry.Card) (interface{}, bool) { return c.CapabilityNames(), true },
}

func isAddressableField(field string) bool {
	_, ok := addressableFields[field]
	return ok
}

// evaluateFilter is total: an unreachable or absent value evaluates to
// not-match rather than error (§4.4).
func evaluateFilter(card registry.Card, f Filter) bool {
	accessor, ok := addressableFields[f.Field]
	if !ok {
		return false
	}
	actual, ok := accessor(card)
	if !ok {
		return false
	}
	switch f.Operator {
	case OpEq:
		return compareEqual(actual, f.Value)
	case OpNe:
		return !compareEqual(actual, f.Value)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(f.Value)
		if !aok || !bok {
			return false
		}
		switch f.Operator {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpIn:
		values, ok := f.Value.([]string)
		if !ok {
			return false
		}
		s, ok := actual.(string)
		if !ok {
			return false
		}
		for _, v := range values {
			if v == s {
				return true
			}
		}
		return false
	case OpContains:
		switch v := actual.(type) {
		case []string:
			target, ok := f.Value.(string)
			if !ok {
				return false
			}
			for _, item := range v {
				if item == target {
					return true
				}
			}
			return false
		case string:
			target, ok := f.Value.(string)
			if !ok {
				return false
			}
			return strings.Contains(v, target)
		default:
			return false
		}
	default:
		return false
	}
}

func compareEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
