// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
)

// GetParticipant loads a participant by id.
func (s *Service) GetParticipant(ctx context.Context, id string) (*gobs.Participant, error) {
	return kvutil.GetDB[gobs.Participant](ctx, s.db, ParticipantKey(id))
}

// GetOrder loads an order scoped to its owner. Orders of other participants
// are reported as nonexistent.
func (s *Service) GetOrder(ctx context.Context, participantID, orderID string) (*gobs.Order, error) {
	v, err := kvutil.GetDB[gobs.Order](ctx, s.db, OrderKey(orderID))
	if err != nil {
		return nil, err
	}
	if v.ParticipantID != participantID {
		return nil, fmt.Errorf("order %s does not belong to participant %s: %w", orderID, participantID, os.ErrNotExist)
	}
	return v, nil
}

// ListOrders returns the participant's orders, newest first, optionally
// filtered by status.
func (s *Service) ListOrders(ctx context.Context, participantID, status string, limit int) ([]*gobs.Order, error) {
	ids, err := s.descendIndex(ctx, path.Join(ParticipantOrdersKeyspace, participantID), 0)
	if err != nil {
		return nil, err
	}

	var result []*gobs.Order
	for _, id := range ids {
		if limit > 0 && len(result) >= limit {
			break
		}
		v, err := kvutil.GetDB[gobs.Order](ctx, s.db, OrderKey(id))
		if err != nil {
			return nil, err
		}
		if len(status) != 0 && v.Status != status {
			continue
		}
		result = append(result, v)
	}
	return result, nil
}

// ListTrades returns the participant's trades, newest first.
func (s *Service) ListTrades(ctx context.Context, participantID string, limit int) ([]*gobs.Trade, error) {
	ids, err := s.descendIndex(ctx, path.Join(ParticipantTradesKeyspace, participantID), limit)
	if err != nil {
		return nil, err
	}

	result := make([]*gobs.Trade, 0, len(ids))
	for _, id := range ids {
		v, err := kvutil.GetDB[gobs.Trade](ctx, s.db, TradeKey(id))
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

// Positions returns the participant's open positions in code order.
func (s *Service) Positions(ctx context.Context, participantID string) ([]*gobs.Position, error) {
	var result []*gobs.Position
	begin, end := kvutil.PathRange(path.Join(PositionsKeyspace, participantID))
	fn := func(ctx context.Context, r kv.Reader, k string, pos *gobs.Position) error {
		result = append(result, pos)
		return nil
	}
	if err := kvutil.AscendDB(ctx, s.db, begin, end, fn); err != nil {
		return nil, err
	}
	return result, nil
}

// CountOrders returns the participant's total order count.
func (s *Service) CountOrders(ctx context.Context, participantID string) (int64, error) {
	return s.countIndex(ctx, path.Join(ParticipantOrdersKeyspace, participantID))
}

// CountTrades returns the participant's total trade count.
func (s *Service) CountTrades(ctx context.Context, participantID string) (int64, error) {
	return s.countIndex(ctx, path.Join(ParticipantTradesKeyspace, participantID))
}

// descendIndex collects index values (entity ids) in reverse key order.
func (s *Service) descendIndex(ctx context.Context, dir string, limit int) ([]string, error) {
	var ids []string
	begin, end := kvutil.PathRange(dir)
	fn := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Descend(ctx, begin, end)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for k, v, err := it.Fetch(ctx, false); err == nil; k, v, err = it.Fetch(ctx, true) {
			if limit > 0 && len(ids) >= limit {
				return nil
			}
			id, err := readString(v)
			if err != nil {
				return fmt.Errorf("could not read id at key %q: %w", k, err)
			}
			ids = append(ids, id)
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete descend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, fn); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Service) countIndex(ctx context.Context, dir string) (int64, error) {
	var count int64
	begin, end := kvutil.PathRange(dir)
	fn := func(ctx context.Context, r kv.Reader) error {
		it, err := r.Ascend(ctx, begin, end)
		if err != nil {
			return err
		}
		defer kv.Close(it)

		for _, _, err := it.Fetch(ctx, false); err == nil; _, _, err = it.Fetch(ctx, true) {
			count++
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("could not complete ascend: %w", err)
		}
		return nil
	}
	if err := kv.WithReader(ctx, s.db, fn); err != nil {
		return 0, err
	}
	return count, nil
}
