package message

import (
	"encoding/json"
)

// Broadcast is the sentinel `to` value meaning "every live peer but the sender".
const Broadcast = "broadcast"

// Target represents the message's `to` field: a single peer id, a set of
// peer ids, or the broadcast sentinel. It marshals back to whichever shape
// it was built from so round-tripping preserves the wire form.
type Target struct {
	single    string
	set       []string
	broadcast bool
}

// NewTarget builds a single-peer target.
func NewTarget(peerID string) Target { return Target{single: peerID} }

// NewTargetSet builds a multi-peer target.
func NewTargetSet(peerIDs []string) Target {
	cp := make([]string, len(peerIDs))
	copy(cp, peerIDs)
	return Target{set: cp}
}

// NewBroadcastTarget builds the broadcast sentinel target.
func NewBroadcastTarget() Target { return Target{broadcast: true} }

// IsBroadcast reports whether this target is the broadcast sentinel.
func (t Target) IsBroadcast() bool { return t.broadcast }

// IsSet reports whether this target names a set of peers (as opposed to one).
func (t Target) IsSet() bool { return t.set != nil }

// Single returns the lone peer id and true if this target names exactly one peer.
func (t Target) Single() (string, bool) {
	if t.broadcast || t.set != nil {
		return "", false
	}
	return t.single, t.single != ""
}

// Peers returns the full set of addressed peer ids; empty for a broadcast target.
func (t Target) Peers() []string {
	if t.broadcast {
		return nil
	}
	if t.set != nil {
		return t.set
	}
	if t.single != "" {
		return []string{t.single}
	}
	return nil
}

func (t Target) MarshalJSON() ([]byte, error) {
	if t.broadcast {
		return json.Marshal(Broadcast)
	}
	if t.set != nil {
		return json.Marshal(t.set)
	}
	return json.Marshal(t.single)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var asString string
	if err := json.Unmarshal(data, &asString); err == nil {
		if asString == Broadcast {
			*t = Target{broadcast: true}
		} else {
			*t = Target{single: asString}
		}
		return nil
	}
	var asSet []string
	if err := json.Unmarshal(data, &asSet); err == nil {
		*t = Target{set: asSet}
		return nil
	}
	return &json.UnmarshalTypeError{Value: string(data), Type: nil}
}
