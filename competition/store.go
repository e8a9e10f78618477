// Copyright (c) 2023 BVK Chaitanya

// Package competition manages competition lifecycle, participation and
// leaderboards.
package competition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/users"
	"github.com/bvkgo/kv"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	Keyspace = "/competitions"

	// ParticipantsIndexKeyspace maps competitions to their participant ids.
	ParticipantsIndexKeyspace = "/participants-by-competition"
)

var (
	// ErrNotActive is returned when joining a competition that is not in
	// the active state.
	ErrNotActive = errors.New("competition is not active")

	// ErrAlreadyJoined is returned when the user already participates in
	// this or another active competition.
	ErrAlreadyJoined = errors.New("already participating in an active competition")

	// ErrClosed is returned when trading is attempted outside the
	// competition's start/end window.
	ErrClosed = errors.New("competition is closed for trading")
)

func competitionKey(id string) string {
	return path.Join(Keyspace, id)
}

func participantIndexKey(competitionID, participantID string) string {
	return path.Join(ParticipantsIndexKeyspace, competitionID, participantID)
}

type Store struct {
	db kv.Database

	cache  *cache.Cache
	users  *users.Store
	orders *orders.Service
}

func NewStore(db kv.Database, c *cache.Cache, u *users.Store, o *orders.Service) *Store {
	return &Store{
		db:     db,
		cache:  c,
		users:  u,
		orders: o,
	}
}

// Create adds a new competition in the pending state.
func (s *Store) Create(ctx context.Context, v *gobs.Competition) (*gobs.Competition, error) {
	if len(v.Name) == 0 {
		return nil, fmt.Errorf("competition name is required: %w", os.ErrInvalid)
	}
	if !v.StartTime.Before(v.EndTime) {
		return nil, fmt.Errorf("end time must be after start time: %w", os.ErrInvalid)
	}
	if v.InitialBalance.Sign() <= 0 {
		return nil, fmt.Errorf("initial balance must be positive: %w", os.ErrInvalid)
	}
	if v.FeeRate.Sign() < 0 {
		return nil, fmt.Errorf("fee rate cannot be negative: %w", os.ErrInvalid)
	}

	comp := &gobs.Competition{
		ID:             uuid.New().String(),
		Name:           v.Name,
		Description:    v.Description,
		InitialBalance: v.InitialBalance,
		FeeRate:        v.FeeRate,
		StartTime:      v.StartTime.UTC(),
		EndTime:        v.EndTime.UTC(),
		Status:         "pending",
		CreatedAt:      time.Now().UTC(),
	}
	if err := kvutil.SetDB(ctx, s.db, competitionKey(comp.ID), comp); err != nil {
		return nil, fmt.Errorf("could not save competition: %w", err)
	}
	return comp, nil
}

// Get loads a competition by id.
func (s *Store) Get(ctx context.Context, id string) (*gobs.Competition, error) {
	return kvutil.GetDB[gobs.Competition](ctx, s.db, competitionKey(id))
}

// List returns competitions, optionally filtered by status, sorted by start
// time in descending order.
func (s *Store) List(ctx context.Context, status string) ([]*gobs.Competition, error) {
	var result []*gobs.Competition
	begin, end := kvutil.PathRange(Keyspace)
	fn := func(ctx context.Context, r kv.Reader, k string, v *gobs.Competition) error {
		if len(status) != 0 && v.Status != status {
			return nil
		}
		result = append(result, v)
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartTime.After(result[j].StartTime)
	})
	return result, nil
}

// Active returns the most recently started active competition, or nil when
// none is active.
func (s *Store) Active(ctx context.Context) (*gobs.Competition, error) {
	active, err := s.List(ctx, "active")
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}
	return active[0], nil
}

// Update applies fn to the competition inside one transaction.
func (s *Store) Update(ctx context.Context, id string, fn func(*gobs.Competition) error) (*gobs.Competition, error) {
	var comp *gobs.Competition
	update := func(ctx context.Context, rw kv.ReadWriter) error {
		v, err := kvutil.Get[gobs.Competition](ctx, rw, competitionKey(id))
		if err != nil {
			return err
		}
		if err := fn(v); err != nil {
			return err
		}
		if !v.StartTime.Before(v.EndTime) {
			return fmt.Errorf("end time must be after start time: %w", os.ErrInvalid)
		}
		if err := kvutil.Set(ctx, rw, competitionKey(id), v); err != nil {
			return err
		}
		comp = v
		return nil
	}
	if err := kv.WithReadWriter(ctx, s.db, update); err != nil {
		return nil, err
	}
	s.cache.Delete(ctx, "leaderboard:"+id)
	return comp, nil
}

// SetStatus transitions a competition to the given status. Ended
// competitions cannot be reactivated.
func (s *Store) SetStatus(ctx context.Context, id, status string) (*gobs.Competition, error) {
	if status != "pending" && status != "active" && status != "ended" {
		return nil, fmt.Errorf("invalid status %q: %w", status, os.ErrInvalid)
	}
	return s.Update(ctx, id, func(v *gobs.Competition) error {
		if v.Status == "ended" && status == "active" {
			return fmt.Errorf("cannot activate an ended competition: %w", os.ErrInvalid)
		}
		v.Status = status
		return nil
	})
}

// Delete removes a competition together with all of its participants'
// orders, trades and positions. Active competitions must be ended first.
func (s *Store) Delete(ctx context.Context, id string) error {
	comp, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if comp.Status == "active" {
		return fmt.Errorf("cannot delete an active competition: %w", os.ErrInvalid)
	}

	participants, err := s.Participants(ctx, id)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if err := s.orders.PurgeParticipant(ctx, p.ID); err != nil {
			return fmt.Errorf("could not purge participant %s: %w", p.ID, err)
		}
	}

	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		for _, p := range participants {
			if err := rw.Delete(ctx, participantIndexKey(id, p.ID)); err != nil {
				return err
			}
		}
		return rw.Delete(ctx, competitionKey(id))
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return err
	}
	s.cache.Delete(ctx, "leaderboard:"+id)
	return nil
}

// Join enrolls the user in an active competition with the competition's
// initial balance. A user participates in at most one active competition at
// a time.
func (s *Store) Join(ctx context.Context, competitionID, userID string) (*gobs.Participant, error) {
	active, err := s.List(ctx, "active")
	if err != nil {
		return nil, err
	}

	var participant *gobs.Participant
	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		comp, err := kvutil.Get[gobs.Competition](ctx, rw, competitionKey(competitionID))
		if err != nil {
			return err
		}
		if comp.Status != "active" {
			return fmt.Errorf("competition %s has status %s: %w", competitionID, comp.Status, ErrNotActive)
		}

		if _, err := kvutil.GetString[string](ctx, rw, orders.UserParticipantKey(userID, competitionID)); err == nil {
			return fmt.Errorf("user %s already joined competition %s: %w", userID, competitionID, ErrAlreadyJoined)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		for _, other := range active {
			if other.ID == competitionID {
				continue
			}
			if _, err := kvutil.GetString[string](ctx, rw, orders.UserParticipantKey(userID, other.ID)); err == nil {
				return fmt.Errorf("user %s participates in active competition %s: %w", userID, other.ID, ErrAlreadyJoined)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}

		participant = &gobs.Participant{
			ID:            uuid.New().String(),
			UserID:        userID,
			CompetitionID: competitionID,
			Balance:       comp.InitialBalance,
			JoinedAt:      time.Now().UTC(),
		}
		if err := kvutil.Set(ctx, rw, orders.ParticipantKey(participant.ID), participant); err != nil {
			return err
		}
		if err := kvutil.SetString(ctx, rw, orders.UserParticipantKey(userID, competitionID), participant.ID); err != nil {
			return err
		}
		return kvutil.SetString(ctx, rw, participantIndexKey(competitionID, participant.ID), participant.ID)
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return nil, err
	}
	return participant, nil
}

// Participants returns the participant ids of a competition.
func (s *Store) Participants(ctx context.Context, competitionID string) ([]*gobs.Participant, error) {
	var ids []string
	begin, end := kvutil.PathRange(path.Join(ParticipantsIndexKeyspace, competitionID))
	fn := func(ctx context.Context, r kv.Reader, k string, id *string) error {
		ids = append(ids, *id)
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return nil, err
	}

	result := make([]*gobs.Participant, 0, len(ids))
	for _, id := range ids {
		p, err := s.orders.GetParticipant(ctx, id)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result, nil
}

// CountParticipants returns a competition's participant count.
func (s *Store) CountParticipants(ctx context.Context, competitionID string) (int64, error) {
	var count int64
	begin, end := kvutil.PathRange(path.Join(ParticipantsIndexKeyspace, competitionID))
	fn := func(ctx context.Context, r kv.Reader, k string, id *string) error {
		count++
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return 0, err
	}
	return count, nil
}

// ParticipantOf returns the user's participant in the given competition.
func (s *Store) ParticipantOf(ctx context.Context, userID, competitionID string) (*gobs.Participant, error) {
	pid, err := s.participantID(ctx, userID, competitionID)
	if err != nil {
		return nil, err
	}
	return s.orders.GetParticipant(ctx, pid)
}

// ActiveParticipant returns the user's participant in an active
// competition, with the competition itself. Returns os.ErrNotExist when the
// user is not participating in any active competition.
func (s *Store) ActiveParticipant(ctx context.Context, userID string) (*gobs.Participant, *gobs.Competition, error) {
	active, err := s.List(ctx, "active")
	if err != nil {
		return nil, nil, err
	}
	for _, comp := range active {
		pid, err := s.participantID(ctx, userID, comp.ID)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, nil, err
		}
		p, err := s.orders.GetParticipant(ctx, pid)
		if err != nil {
			return nil, nil, err
		}
		return p, comp, nil
	}
	return nil, nil, fmt.Errorf("user %s has no active participation: %w", userID, os.ErrNotExist)
}

// FeeRateFor resolves the fee rate of the participant's competition.
func (s *Store) FeeRateFor(ctx context.Context, participantID string) (decimal.Decimal, error) {
	p, err := s.orders.GetParticipant(ctx, participantID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	comp, err := s.Get(ctx, p.CompetitionID)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return comp.FeeRate, nil
}

func (s *Store) participantID(ctx context.Context, userID, competitionID string) (string, error) {
	var id string
	fn := func(ctx context.Context, r kv.Reader) (err error) {
		id, err = kvutil.GetString[string](ctx, r, orders.UserParticipantKey(userID, competitionID))
		return err
	}
	if err := kv.WithReader(ctx, s.db, fn); err != nil {
		return "", err
	}
	return id, nil
}

// Transition records one lifecycle status change.
type Transition struct {
	Competition *gobs.Competition
	From, To    string
}

// UpdateStatuses advances competition lifecycle states against the clock:
// pending competitions whose start time has arrived become active, active
// competitions past their end time become ended.
func (s *Store) UpdateStatuses(ctx context.Context) ([]Transition, error) {
	all, err := s.List(ctx, "")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var transitions []Transition
	for _, comp := range all {
		next := ""
		switch {
		case comp.Status == "pending" && !comp.StartTime.After(now):
			next = "active"
		case comp.Status == "active" && comp.EndTime.Before(now):
			next = "ended"
		}
		if len(next) == 0 {
			continue
		}
		from := comp.Status
		updated, err := s.Update(ctx, comp.ID, func(v *gobs.Competition) error {
			v.Status = next
			return nil
		})
		if err != nil {
			return transitions, err
		}
		transitions = append(transitions, Transition{Competition: updated, From: from, To: next})
	}
	return transitions, nil
}
