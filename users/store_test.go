// Copyright (c) 2023 BVK Chaitanya

package users

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/bvkgo/kv/kvmemdb"
)

func TestGetOrCreate(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvmemdb.New())

	u1, err := s.GetOrCreate(ctx, "sub-123", "alice@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u1.Email != "alice@example.com" || u1.IsAdmin {
		t.Fatalf("unexpected user %+v", u1)
	}

	u2, err := s.GetOrCreate(ctx, "sub-123", "alice@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if u2.ID != u1.ID {
		t.Fatalf("want stable user id %s, got %s", u1.ID, u2.ID)
	}

	u3, err := s.GetOrCreate(ctx, "sub-456", "bob@example.com", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if u3.ID == u1.ID {
		t.Fatalf("distinct subjects must map to distinct users")
	}
}

func TestApiKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvmemdb.New())

	user, err := s.GetOrCreate(ctx, "sub-1", "a@example.com", "a")
	if err != nil {
		t.Fatal(err)
	}

	raw, key, err := s.CreateKey(ctx, user.ID, "trading-bot")
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 64 {
		t.Fatalf("want 64-char raw key, got %d", len(raw))
	}
	if key.KeyPrefix != raw[:8] {
		t.Fatalf("want prefix %q, got %q", raw[:8], key.KeyPrefix)
	}

	got, err := s.Authenticate(ctx, raw)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != user.ID {
		t.Fatalf("want user %s, got %s", user.ID, got.ID)
	}

	keys, err := s.ListKeys(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt.IsZero() {
		t.Fatalf("want one key with last-used set, got %+v", keys)
	}

	if err := s.SetKeyActive(ctx, user.ID, key.ID, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Authenticate(ctx, raw); !errors.Is(err, os.ErrPermission) {
		t.Fatalf("want os.ErrPermission for deactivated key, got %v", err)
	}

	if err := s.SetKeyActive(ctx, user.ID, key.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Authenticate(ctx, raw); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteKey(ctx, user.ID, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Authenticate(ctx, raw); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist for deleted key, got %v", err)
	}
}

func TestMaxActiveKeys(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvmemdb.New())

	user, err := s.GetOrCreate(ctx, "sub-1", "a@example.com", "a")
	if err != nil {
		t.Fatal(err)
	}

	var last string
	for i := 0; i < MaxActiveKeys; i++ {
		_, key, err := s.CreateKey(ctx, user.ID, "key")
		if err != nil {
			t.Fatal(err)
		}
		last = key.ID
	}

	if _, _, err := s.CreateKey(ctx, user.ID, "one-too-many"); !errors.Is(err, ErrTooManyKeys) {
		t.Fatalf("want ErrTooManyKeys, got %v", err)
	}

	// Deactivating a key frees up a slot.
	if err := s.SetKeyActive(ctx, user.ID, last, false); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.CreateKey(ctx, user.ID, "replacement"); err != nil {
		t.Fatal(err)
	}
}

func TestAuthenticateUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvmemdb.New())

	if _, err := s.Authenticate(ctx, "deadbeef"); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist, got %v", err)
	}
}

func TestKeysAreUserScoped(t *testing.T) {
	ctx := context.Background()
	s := NewStore(kvmemdb.New())

	alice, err := s.GetOrCreate(ctx, "sub-a", "a@example.com", "a")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := s.GetOrCreate(ctx, "sub-b", "b@example.com", "b")
	if err != nil {
		t.Fatal(err)
	}

	_, key, err := s.CreateKey(ctx, alice.ID, "alice-key")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteKey(ctx, bob.ID, key.ID); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist for cross-user delete, got %v", err)
	}
}
