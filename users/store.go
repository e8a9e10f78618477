// Copyright (c) 2023 BVK Chaitanya

// Package users maps external identity-provider subjects to local users and
// manages their API keys. Raw API keys are returned only at creation time;
// the store keeps the SHA-256 digest and a short display prefix.
package users

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
	"github.com/google/uuid"
)

const (
	UsersKeyspace      = "/users"
	ExternalIDKeyspace = "/users-by-external"
	KeysKeyspace       = "/keys"
	KeyHashKeyspace    = "/keys-by-hash"
	UserKeysKeyspace   = "/keys-by-user"
)

// MaxActiveKeys bounds the number of active API keys per user.
const MaxActiveKeys = 5

// ErrTooManyKeys is returned when a user already holds MaxActiveKeys active
// keys.
var ErrTooManyKeys = errors.New("too many active api keys")

func userKey(id string) string {
	return path.Join(UsersKeyspace, id)
}

func externalIDKey(externalID string) string {
	return path.Join(ExternalIDKeyspace, externalID)
}

func apiKeyKey(id string) string {
	return path.Join(KeysKeyspace, id)
}

func keyHashKey(hash string) string {
	return path.Join(KeyHashKeyspace, hash)
}

func userKeysKey(userID, keyID string) string {
	return path.Join(UserKeysKeyspace, userID, keyID)
}

type Store struct {
	db kv.Database
}

func NewStore(db kv.Database) *Store {
	return &Store{db: db}
}

// GetOrCreate returns the user mapped to the external subject, creating one
// on first sight.
func (s *Store) GetOrCreate(ctx context.Context, externalID, email, username string) (*gobs.User, error) {
	var user *gobs.User
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		id, err := kvutil.GetString[string](ctx, rw, externalIDKey(externalID))
		if err == nil {
			user, err = kvutil.Get[gobs.User](ctx, rw, userKey(id))
			return err
		}
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}

		user = &gobs.User{
			ID:         uuid.New().String(),
			ExternalID: externalID,
			Email:      email,
			Username:   username,
			CreatedAt:  time.Now().UTC(),
		}
		if err := kvutil.Set(ctx, rw, userKey(user.ID), user); err != nil {
			return err
		}
		return kvutil.SetString(ctx, rw, externalIDKey(externalID), user.ID)
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, fmt.Errorf("could not get-or-create user: %w", err)
	}
	return user, nil
}

// GetUser loads a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*gobs.User, error) {
	return kvutil.GetDB[gobs.User](ctx, s.db, userKey(id))
}

// SetAdmin marks a user as admin.
func (s *Store) SetAdmin(ctx context.Context, id string, admin bool) error {
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		user, err := kvutil.Get[gobs.User](ctx, rw, userKey(id))
		if err != nil {
			return err
		}
		user.IsAdmin = admin
		return kvutil.Set(ctx, rw, userKey(id), user)
	}
	return kv.WithReadWriter(ctx, s.db, fn)
}

// ListUsers returns all users in key order.
func (s *Store) ListUsers(ctx context.Context, limit int) ([]*gobs.User, error) {
	var result []*gobs.User
	begin, end := kvutil.PathRange(UsersKeyspace)
	fn := func(ctx context.Context, r kv.Reader, k string, u *gobs.User) error {
		if limit > 0 && len(result) >= limit {
			return nil
		}
		result = append(result, u)
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return nil, err
	}
	return result, nil
}

// CreateKey mints a new API key for the user. The raw key is returned once
// and never stored.
func (s *Store) CreateKey(ctx context.Context, userID, name string) (string, *gobs.ApiKey, error) {
	raw, err := newRawKey()
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256([]byte(raw))
	hash := hex.EncodeToString(sum[:])

	key := &gobs.ApiKey{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		KeyPrefix: raw[:8],
		KeyHash:   hash,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		if _, err := kvutil.Get[gobs.User](ctx, rw, userKey(userID)); err != nil {
			return err
		}

		nactive := 0
		count := func(ctx context.Context, r kv.Reader, k string, id *string) error {
			v, err := kvutil.Get[gobs.ApiKey](ctx, r, apiKeyKey(*id))
			if err != nil {
				return err
			}
			if v.Active {
				nactive++
			}
			return nil
		}
		begin, end := kvutil.PathRange(path.Join(UserKeysKeyspace, userID))
		if err := kvutil.Ascend(ctx, rw, begin, end, count); err != nil {
			return err
		}
		if nactive >= MaxActiveKeys {
			return fmt.Errorf("user %s has %d active keys: %w", userID, nactive, ErrTooManyKeys)
		}

		if err := kvutil.Set(ctx, rw, apiKeyKey(key.ID), key); err != nil {
			return err
		}
		if err := kvutil.SetString(ctx, rw, keyHashKey(hash), key.ID); err != nil {
			return err
		}
		return kvutil.SetString(ctx, rw, userKeysKey(userID, key.ID), key.ID)
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return "", nil, fmt.Errorf("could not create api key: %w", err)
	}
	return raw, key, nil
}

// ListKeys returns the user's API keys.
func (s *Store) ListKeys(ctx context.Context, userID string) ([]*gobs.ApiKey, error) {
	var result []*gobs.ApiKey
	fn := func(ctx context.Context, r kv.Reader) error {
		begin, end := kvutil.PathRange(path.Join(UserKeysKeyspace, userID))
		collect := func(ctx context.Context, r kv.Reader, k string, id *string) error {
			v, err := kvutil.Get[gobs.ApiKey](ctx, r, apiKeyKey(*id))
			if err != nil {
				return err
			}
			result = append(result, v)
			return nil
		}
		return kvutil.Ascend(ctx, r, begin, end, collect)
	}
	if err := kv.WithReader(ctx, s.db, fn); err != nil {
		return nil, err
	}
	return result, nil
}

// SetKeyActive activates or deactivates one of the user's keys.
func (s *Store) SetKeyActive(ctx context.Context, userID, keyID string, active bool) error {
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		key, err := s.getUserKey(ctx, rw, userID, keyID)
		if err != nil {
			return err
		}
		key.Active = active
		return kvutil.Set(ctx, rw, apiKeyKey(key.ID), key)
	}
	return kv.WithReadWriter(ctx, s.db, fn)
}

// DeleteKey removes one of the user's keys.
func (s *Store) DeleteKey(ctx context.Context, userID, keyID string) error {
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		key, err := s.getUserKey(ctx, rw, userID, keyID)
		if err != nil {
			return err
		}
		if err := rw.Delete(ctx, apiKeyKey(key.ID)); err != nil {
			return err
		}
		if err := rw.Delete(ctx, keyHashKey(key.KeyHash)); err != nil {
			return err
		}
		return rw.Delete(ctx, userKeysKey(userID, key.ID))
	}
	return kv.WithReadWriter(ctx, s.db, fn)
}

// Authenticate resolves a raw API key to its user. Returns os.ErrPermission
// when the key exists but is deactivated and os.ErrNotExist when it is
// unknown. The key's last-used timestamp is refreshed on success.
func (s *Store) Authenticate(ctx context.Context, rawKey string) (*gobs.User, error) {
	sum := sha256.Sum256([]byte(rawKey))
	hash := hex.EncodeToString(sum[:])

	var user *gobs.User
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		id, err := kvutil.GetString[string](ctx, rw, keyHashKey(hash))
		if err != nil {
			return err
		}
		key, err := kvutil.Get[gobs.ApiKey](ctx, rw, apiKeyKey(id))
		if err != nil {
			return err
		}
		if !key.Active {
			return fmt.Errorf("api key %s is deactivated: %w", key.ID, os.ErrPermission)
		}
		key.LastUsedAt = time.Now().UTC()
		if err := kvutil.Set(ctx, rw, apiKeyKey(key.ID), key); err != nil {
			return err
		}
		user, err = kvutil.Get[gobs.User](ctx, rw, userKey(key.UserID))
		return err
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Store) getUserKey(ctx context.Context, r kv.Reader, userID, keyID string) (*gobs.ApiKey, error) {
	// Lookup through the per-user index so users cannot touch each other's
	// keys.
	id, err := kvutil.GetString[string](ctx, r, userKeysKey(userID, keyID))
	if err != nil {
		return nil, err
	}
	return kvutil.Get[gobs.ApiKey](ctx, r, apiKeyKey(id))
}

func newRawKey() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("could not read random bytes: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
