package message

import (
	"bytes"
	"io"
	"testing"
	"time"
)

func TestNewRequestValidate(t *testing.T) {
	m, err := NewRequest("A", NewTarget("B"), "ping", map[string]string{"hello": "world"})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if m.ID == "" {
		t.Fatal("expected a generated id")
	}
}

func TestIsExpiredWithNoContextNeverExpires(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	m.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	if m.IsExpired(time.Now()) {
		t.Fatal("a message with no Context should never expire")
	}
}

func TestIsExpiredWithZeroTimeoutNeverExpires(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	m.Context = &Context{TimeoutMs: 0}
	m.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	if m.IsExpired(time.Now()) {
		t.Fatal("a zero TimeoutMs should never expire")
	}
}

func TestIsExpiredBeforeDeadline(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	m.Context = &Context{TimeoutMs: 60_000}
	m.Timestamp = time.Now().UnixMilli()
	if m.IsExpired(time.Now()) {
		t.Fatal("a fresh message within its timeout should not be expired")
	}
}

func TestIsExpiredAfterDeadline(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	m.Context = &Context{TimeoutMs: 10}
	m.Timestamp = time.Now().Add(-time.Minute).UnixMilli()
	if !m.IsExpired(time.Now()) {
		t.Fatal("a message well past its timeout should be expired")
	}
}

func TestResponseExactlyOneOfResultError(t *testing.T) {
	req, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	resp, err := NewResponse(req, "B", "pong")
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	resp.Error = &RPCError{Code: -32000, Message: "boom"}
	if err := resp.Validate(); err == nil {
		t.Fatal("expected validation error when both result and error are set")
	}
}

func TestNotificationCarriesNoID(t *testing.T) {
	n, err := NewNotification("A", NewBroadcastTarget(), "announce", nil)
	if err != nil {
		t.Fatalf("NewNotification: %v", err)
	}
	if n.ID != "" {
		t.Fatalf("expected empty id, got %q", n.ID)
	}
	if !n.To.IsBroadcast() {
		t.Fatal("expected broadcast target")
	}
	if err := n.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestRoundTripJSON(t *testing.T) {
	m, _ := NewRequest("A", NewTargetSet([]string{"B", "C"}), "discover", nil)
	raw, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	back, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if back.From != m.From || back.Method != m.Method || back.ID != m.ID {
		t.Fatalf("round trip mismatch: got %+v want %+v", back, m)
	}
	if !back.To.IsSet() || len(back.To.Peers()) != 2 {
		t.Fatalf("expected target set of 2, got %+v", back.To)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	framed, err := EncodeMessageFrame(m)
	if err != nil {
		t.Fatalf("EncodeMessageFrame: %v", err)
	}
	got, err := ReadMessageFrame(bytes.NewReader(framed))
	if err != nil {
		t.Fatalf("ReadMessageFrame: %v", err)
	}
	if got.ID != m.ID || got.From != m.From {
		t.Fatalf("frame round trip mismatch: got %+v want %+v", got, m)
	}
}

func TestReadFrameToleratesPartialReads(t *testing.T) {
	m, _ := NewRequest("A", NewTarget("B"), "ping", nil)
	framed, _ := EncodeMessageFrame(m)

	pr, pw := io.Pipe()
	go func() {
		for _, chunk := range splitBytes(framed, 3) {
			pw.Write(chunk)
		}
		pw.Close()
	}()

	got, err := ReadMessageFrame(pr)
	if err != nil {
		t.Fatalf("ReadMessageFrame over partial writes: %v", err)
	}
	if got.ID != m.ID {
		t.Fatalf("got id %q want %q", got.ID, m.ID)
	}
}

func TestMalformedFrameLength(t *testing.T) {
	header := []byte{byte(FrameRequest), 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err := ReadFrame(bytes.NewReader(header))
	if err == nil {
		t.Fatal("expected malformed frame error")
	}
	if _, ok := err.(*MalformedFrameError); !ok {
		t.Fatalf("expected *MalformedFrameError, got %T", err)
	}
}

func splitBytes(b []byte, chunk int) [][]byte {
	var out [][]byte
	for len(b) > 0 {
		n := chunk
		if n > len(b) {
			n = len(b)
		}
		out = append(out, b[:n])
		b = b[n:]
	}
	return out
}
