// Copyright (c) 2023 BVK Chaitanya

package competition

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/users"
	"github.com/bvkgo/kv/kvmemdb"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestStore(t *testing.T) (*Store, *users.Store, *orders.Service) {
	t.Helper()
	db := kvmemdb.New()
	c, err := cache.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })

	u := users.NewStore(db)
	o := orders.NewService(db)
	return NewStore(db, c, u, o), u, o
}

func newActiveCompetition(t *testing.T, s *Store) *gobs.Competition {
	t.Helper()
	comp, err := s.Create(context.Background(), &gobs.Competition{
		Name:           "summer cup",
		InitialBalance: d("1000000"),
		FeeRate:        d("0.0005"),
		StartTime:      time.Now().Add(-time.Hour),
		EndTime:        time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if comp.Status != "pending" {
		t.Fatalf("want pending on create, got %s", comp.Status)
	}
	if _, err := s.SetStatus(context.Background(), comp.ID, "active"); err != nil {
		t.Fatal(err)
	}
	comp.Status = "active"
	return comp
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	_, err := s.Create(ctx, &gobs.Competition{
		Name:           "backwards",
		InitialBalance: d("1000000"),
		StartTime:      time.Now().Add(time.Hour),
		EndTime:        time.Now(),
	})
	if !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("want os.ErrInvalid for reversed times, got %v", err)
	}
}

func TestJoin(t *testing.T) {
	ctx := context.Background()
	s, u, o := newTestStore(t)
	comp := newActiveCompetition(t, s)

	alice, err := u.GetOrCreate(ctx, "sub-a", "a@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}

	p, err := s.Join(ctx, comp.ID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !p.Balance.Equal(d("1000000")) {
		t.Fatalf("want initial balance 1000000, got %s", p.Balance)
	}

	if _, err := s.Join(ctx, comp.ID, alice.ID); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("want ErrAlreadyJoined, got %v", err)
	}

	// One active competition per user.
	second := newActiveCompetition(t, s)
	if _, err := s.Join(ctx, second.ID, alice.ID); !errors.Is(err, ErrAlreadyJoined) {
		t.Fatalf("want ErrAlreadyJoined for second active competition, got %v", err)
	}

	got, err := o.GetParticipant(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompetitionID != comp.ID {
		t.Fatalf("want competition %s, got %s", comp.ID, got.CompetitionID)
	}

	count, err := s.CountParticipants(ctx, comp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("want 1 participant, got %d", count)
	}
}

func TestJoinInactive(t *testing.T) {
	ctx := context.Background()
	s, u, _ := newTestStore(t)

	comp, err := s.Create(ctx, &gobs.Competition{
		Name:           "future",
		InitialBalance: d("1000000"),
		StartTime:      time.Now().Add(time.Hour),
		EndTime:        time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	bob, err := u.GetOrCreate(ctx, "sub-b", "b@example.com", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, comp.ID, bob.ID); !errors.Is(err, ErrNotActive) {
		t.Fatalf("want ErrNotActive, got %v", err)
	}
}

func TestActiveParticipant(t *testing.T) {
	ctx := context.Background()
	s, u, _ := newTestStore(t)
	comp := newActiveCompetition(t, s)

	alice, err := u.GetOrCreate(ctx, "sub-a", "a@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.ActiveParticipant(ctx, alice.ID); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("want os.ErrNotExist before joining, got %v", err)
	}

	joined, err := s.Join(ctx, comp.ID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}

	p, c, err := s.ActiveParticipant(ctx, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.ID != joined.ID || c.ID != comp.ID {
		t.Fatalf("unexpected participation %v %v", p, c)
	}
}

func TestUpdateStatuses(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)

	started, err := s.Create(ctx, &gobs.Competition{
		Name:           "starts now",
		InitialBalance: d("1000000"),
		StartTime:      time.Now().Add(-time.Minute),
		EndTime:        time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	over := newActiveCompetition(t, s)
	if _, err := s.Update(ctx, over.ID, func(v *gobs.Competition) error {
		v.StartTime = time.Now().Add(-2 * time.Hour)
		v.EndTime = time.Now().Add(-time.Minute)
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	future, err := s.Create(ctx, &gobs.Competition{
		Name:           "future",
		InitialBalance: d("1000000"),
		StartTime:      time.Now().Add(time.Hour),
		EndTime:        time.Now().Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}

	transitions, err := s.UpdateStatuses(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(transitions) != 2 {
		t.Fatalf("want 2 transitions, got %+v", transitions)
	}

	if v, err := s.Get(ctx, started.ID); err != nil || v.Status != "active" {
		t.Fatalf("want active, got %v %v", v, err)
	}
	if v, err := s.Get(ctx, over.ID); err != nil || v.Status != "ended" {
		t.Fatalf("want ended, got %v %v", v, err)
	}
	if v, err := s.Get(ctx, future.ID); err != nil || v.Status != "pending" {
		t.Fatalf("want pending, got %v %v", v, err)
	}
}

func TestReactivateEnded(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	comp := newActiveCompetition(t, s)

	if _, err := s.SetStatus(ctx, comp.ID, "ended"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetStatus(ctx, comp.ID, "active"); !errors.Is(err, os.ErrInvalid) {
		t.Fatalf("want os.ErrInvalid, got %v", err)
	}
}

func TestLeaderboard(t *testing.T) {
	ctx := context.Background()
	s, u, o := newTestStore(t)
	comp := newActiveCompetition(t, s)

	alice, err := u.GetOrCreate(ctx, "sub-a", "a@example.com", "alice")
	if err != nil {
		t.Fatal(err)
	}
	bob, err := u.GetOrCreate(ctx, "sub-b", "b@example.com", "bob")
	if err != nil {
		t.Fatal(err)
	}

	pa, err := s.Join(ctx, comp.ID, alice.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Join(ctx, comp.ID, bob.ID); err != nil {
		t.Fatal(err)
	}

	// Alice buys 10 XRP at 1000 and rests a limit buy at 950.
	if _, err := o.CreateMarketOrder(ctx, &orders.Request{
		ParticipantID: pa.ID,
		Code:          "KRW-XRP",
		Side:          "buy",
		Quantity:      d("10"),
		FeeRate:       comp.FeeRate,
		CurrentPrice:  d("1000"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := o.CreateLimitOrder(ctx, &orders.Request{
		ParticipantID: pa.ID,
		Code:          "KRW-XRP",
		Side:          "buy",
		Quantity:      d("10"),
		Price:         d("950"),
		FeeRate:       comp.FeeRate,
		CurrentPrice:  d("1000"),
	}); err != nil {
		t.Fatal(err)
	}

	prices := map[string]decimal.Decimal{"KRW-XRP": d("1100")}
	board, err := s.GetLeaderboard(ctx, comp.ID, prices)
	if err != nil {
		t.Fatal(err)
	}
	if len(board.Entries) != 2 {
		t.Fatalf("want 2 entries, got %+v", board.Entries)
	}

	// Ranking is by cash balance, so bob's untouched 1000000 leads even
	// though alice holds coins.
	if board.Entries[0].Username != "bob" || board.Entries[0].Rank != 1 {
		t.Fatalf("want bob first, got %+v", board.Entries[0])
	}

	aliceEntry := board.Entries[1]
	if aliceEntry.Username != "alice" || aliceEntry.Rank != 2 {
		t.Fatalf("want alice second, got %+v", aliceEntry)
	}
	// coin value = 10 * 1100
	if !aliceEntry.CoinValue.Equal(d("11000")) {
		t.Fatalf("want coin value 11000, got %s", aliceEntry.CoinValue)
	}
	// pending buy = 10*950 * 1.0005 = 9504.75
	if !aliceEntry.PendingAmount.Equal(d("9504.75")) {
		t.Fatalf("want pending amount 9504.75, got %s", aliceEntry.PendingAmount)
	}
	if aliceEntry.TradeCount != 1 {
		t.Fatalf("want 1 trade, got %d", aliceEntry.TradeCount)
	}
	// balance = 1000000 - 10005 - 9504.75 = 980490.25
	// total = 980490.25 + 11000 + 9504.75 = 1000995
	if !aliceEntry.TotalAsset.Equal(d("1000995")) {
		t.Fatalf("want total asset 1000995, got %s", aliceEntry.TotalAsset)
	}

	status, err := s.MyStatus(ctx, comp.ID, alice.ID, prices)
	if err != nil {
		t.Fatal(err)
	}
	if status.Rank != 2 {
		t.Fatalf("want rank 2, got %+v", status)
	}
}
