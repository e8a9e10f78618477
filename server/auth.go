// Copyright (c) 2023 BVK Chaitanya

package server

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/bvk/papertrade/gobs"
)

type registerRequest struct {
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
	Username   string `json:"username"`
}

type registerResponse struct {
	User *userView `json:"user"`

	// ApiKey is the raw key issued on first registration. Empty when the
	// user already exists.
	ApiKey string `json:"api_key,omitempty"`
}

// handleRegister maps an externally authenticated identity to a local user
// and issues the first api key. Re-registering an existing identity returns
// the user without a new key.
func (s *Server) handleRegister(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	req := new(registerRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	if len(req.ExternalID) == 0 || len(req.Username) == 0 {
		return fmt.Errorf("external_id and username are required: %w", os.ErrInvalid)
	}

	user, err := s.users.GetOrCreate(ctx, req.ExternalID, req.Email, req.Username)
	if err != nil {
		return fmt.Errorf("could not register user: %w", err)
	}

	resp := &registerResponse{User: toUserView(user)}
	keys, err := s.users.ListKeys(ctx, user.ID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		raw, _, err := s.users.CreateKey(ctx, user.ID, "default")
		if err != nil {
			return fmt.Errorf("could not issue initial api key: %w", err)
		}
		resp.ApiKey = raw
	}
	writeJSON(w, http.StatusOK, resp)
	return nil
}

func (s *Server) handleMe(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, toUserView(user))
	return nil
}

type createKeyRequest struct {
	Name string `json:"name"`
}

type createKeyResponse struct {
	// ApiKey is the raw key. It is shown only once.
	ApiKey string   `json:"api_key"`
	Key    *keyView `json:"key"`
}

func (s *Server) handleCreateKey(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	req := new(createKeyRequest)
	if err := readJSON(r, req); err != nil {
		return err
	}
	if len(req.Name) == 0 {
		req.Name = "default"
	}
	raw, key, err := s.users.CreateKey(ctx, user.ID, req.Name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, &createKeyResponse{ApiKey: raw, Key: toKeyView(key)})
	return nil
}

func (s *Server) handleListKeys(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	keys, err := s.users.ListKeys(ctx, user.ID)
	if err != nil {
		return err
	}
	views := make([]*keyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, toKeyView(k))
	}
	writeJSON(w, http.StatusOK, views)
	return nil
}

func (s *Server) handleDeleteKey(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	if err := s.users.DeleteKey(ctx, user.ID, r.PathValue("id")); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	return nil
}

func (s *Server) handleActivateKey(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	if err := s.users.SetKeyActive(ctx, user.ID, r.PathValue("id"), true); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "activated"})
	return nil
}

func (s *Server) handleDeactivateKey(ctx context.Context, user *gobs.User, w http.ResponseWriter, r *http.Request) error {
	if err := s.users.SetKeyActive(ctx, user.ID, r.PathValue("id"), false); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
	return nil
}
