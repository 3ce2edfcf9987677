package security

import (
	"testing"

	"github.com/a2amesh/mesh/internal/message"
)

func newMsg(t *testing.T, from string) *message.Message {
	t.Helper()
	m, err := message.NewRequest(from, message.NewTarget("peer"), "ping", nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return m
}

func TestVerifierDisabledNeverRejects(t *testing.T) {
	v := New(false, "", nil)
	m := newMsg(t, "agent-a")
	if err := v.Verify(m); err != nil {
		t.Fatalf("disabled verifier rejected: %v", err)
	}
}

func TestVerifierSignThenVerifyRoundTrips(t *testing.T) {
	v := New(true, "sharedsecret", nil)
	m := newMsg(t, "agent-a")
	v.Sign(m)
	if m.Signature == "" {
		t.Fatal("Sign left Signature empty")
	}
	if err := v.Verify(m); err != nil {
		t.Fatalf("Verify rejected a correctly signed message: %v", err)
	}
}

func TestVerifierRejectsMissingSignature(t *testing.T) {
	v := New(true, "sharedsecret", nil)
	m := newMsg(t, "agent-a")
	if err := v.Verify(m); err == nil {
		t.Fatal("expected rejection of an unsigned message")
	}
}

func TestVerifierRejectsTamperedSignature(t *testing.T) {
	v := New(true, "sharedsecret", nil)
	m := newMsg(t, "agent-a")
	v.Sign(m)
	m.To = message.NewTarget("attacker")
	if err := v.Verify(m); err == nil {
		t.Fatal("expected rejection of a message altered after signing")
	}
}

func TestVerifierTrustedAgentBypassesVerification(t *testing.T) {
	v := New(true, "sharedsecret", []string{"agent-a"})
	m := newMsg(t, "agent-a")
	if err := v.Verify(m); err != nil {
		t.Fatalf("trusted agent should bypass verification, got %v", err)
	}
}

func TestVerifierRejectsWrongSecret(t *testing.T) {
	signer := New(true, "secret-one", nil)
	verifier := New(true, "secret-two", nil)
	m := newMsg(t, "agent-a")
	signer.Sign(m)
	if err := verifier.Verify(m); err == nil {
		t.Fatal("expected rejection when verifying with a different secret")
	}
}
