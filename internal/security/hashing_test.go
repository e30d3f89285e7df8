package security

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestAPIKeyVerifier_HashAndVerify(t *testing.T) {
	hash, err := HashAPIKey("ops-key-123", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	v := NewAPIKeyVerifier(hash)
	if !v.Enabled() {
		t.Fatal("verifier with hash should be enabled")
	}
	if !v.Verify("ops-key-123") {
		t.Error("Verify with correct key should succeed")
	}
	if v.Verify("wrong") {
		t.Error("Verify with wrong key should fail")
	}
	if v.Verify("") {
		t.Error("Verify with empty key should fail")
	}
}

func TestAPIKeyVerifier_DisabledAcceptsAll(t *testing.T) {
	v := NewAPIKeyVerifier("")
	if v.Enabled() {
		t.Fatal("verifier without hash should be disabled")
	}
	if !v.Verify("anything") {
		t.Error("disabled verifier should accept")
	}
}

func TestHashAPIKey_ClampsCost(t *testing.T) {
	hash, err := HashAPIKey("k", 1)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		t.Fatalf("Cost: %v", err)
	}
	if cost != bcrypt.MinCost {
		t.Errorf("cost = %d, want %d", cost, bcrypt.MinCost)
	}
}
