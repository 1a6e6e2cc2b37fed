package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestGenerateAndValidateKey(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	rawKey, key, err := m.GenerateKey(ctx, "user-1", "dashboard")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(rawKey, "odk_") {
		t.Fatalf("raw key %q missing prefix", rawKey)
	}
	if key.Hash == rawKey {
		t.Fatal("raw key stored unhashed")
	}

	got, err := m.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got.UserID != "user-1" {
		t.Fatalf("userID = %q", got.UserID)
	}

	// Bearer prefix is tolerated.
	if _, err := m.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Fatalf("validate with bearer prefix: %v", err)
	}
}

func TestValidateKey_Rejections(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	if _, err := m.ValidateKey(ctx, ""); err != ErrNoAPIKey {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := m.ValidateKey(ctx, "sk_wrong_prefix"); err != ErrInvalidAPIKey {
		t.Fatalf("wrong prefix: %v", err)
	}
	if _, err := m.ValidateKey(ctx, "odk_deadbeef"); err != ErrInvalidAPIKey {
		t.Fatalf("unknown key: %v", err)
	}
}

func TestRevokedKeyRejected(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	rawKey, key, err := m.GenerateKey(ctx, "user-1", "dashboard")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.RevokeKey(ctx, key.ID, "user-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Fatalf("revoked key validated: %v", err)
	}
}

func TestExpiredKeyRejected(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store)

	rawKey, key, err := m.GenerateKey(ctx, "user-1", "dashboard")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	expired := time.Now().Add(-time.Hour)
	key.ExpiresAt = &expired
	if err := store.Update(ctx, key); err != nil {
		t.Fatalf("update: %v", err)
	}

	if _, err := m.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Fatalf("expired key validated: %v", err)
	}
}

func TestRevokeKey_WrongUser(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore())

	_, key, err := m.GenerateKey(ctx, "user-1", "dashboard")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := m.RevokeKey(ctx, key.ID, "someone-else"); err != ErrKeyNotFound {
		t.Fatalf("cross-user revoke: %v", err)
	}
}
