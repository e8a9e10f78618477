// Copyright (c) 2023 BVK Chaitanya

package orders

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/bvk/papertrade/kvutil"
	"github.com/bvkgo/kv"
)

// PurgeParticipant deletes a participant and everything recorded under it:
// orders with their indexes, trades, positions and the user-participant
// mapping. Used when a competition is torn down.
func (s *Service) PurgeParticipant(ctx context.Context, participantID string) error {
	p, err := s.GetParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	vs, err := s.ordersByCreation(ctx, participantID)
	if err != nil {
		return err
	}
	trades, err := s.ListTrades(ctx, participantID, 0)
	if err != nil {
		return err
	}

	fn := func(ctx context.Context, rw kv.ReadWriter) error {
		for _, v := range vs {
			if v.Status == "pending" {
				if err := rw.Delete(ctx, pendingOrderKey(v.Code, v.CreatedAt, v.ID)); err != nil {
					return fmt.Errorf("could not delete pending index of order %s: %w", v.ID, err)
				}
			}
			if err := rw.Delete(ctx, OrderKey(v.ID)); err != nil {
				return fmt.Errorf("could not delete order %s: %w", v.ID, err)
			}
			if err := rw.Delete(ctx, participantOrderKey(participantID, v.CreatedAt, v.ID)); err != nil {
				return fmt.Errorf("could not delete order index of %s: %w", v.ID, err)
			}
		}

		for _, t := range trades {
			if err := rw.Delete(ctx, TradeKey(t.ID)); err != nil {
				return fmt.Errorf("could not delete trade %s: %w", t.ID, err)
			}
			if err := rw.Delete(ctx, participantTradeKey(participantID, t.CreatedAt, t.ID)); err != nil {
				return fmt.Errorf("could not delete trade index of %s: %w", t.ID, err)
			}
		}

		var posKeys []string
		begin, end := kvutil.PathRange(path.Join(PositionsKeyspace, participantID))
		it, err := rw.Ascend(ctx, begin, end)
		if err != nil {
			return err
		}
		for k, _, err := it.Fetch(ctx, false); err == nil; k, _, err = it.Fetch(ctx, true) {
			posKeys = append(posKeys, k)
		}
		if _, _, err := it.Fetch(ctx, false); err != nil && !errors.Is(err, io.EOF) {
			kv.Close(it)
			return fmt.Errorf("could not scan positions: %w", err)
		}
		kv.Close(it)
		for _, k := range posKeys {
			if err := rw.Delete(ctx, k); err != nil {
				return fmt.Errorf("could not delete position at %q: %w", k, err)
			}
		}

		if err := rw.Delete(ctx, UserParticipantKey(p.UserID, p.CompetitionID)); err != nil {
			return fmt.Errorf("could not delete user-participant mapping: %w", err)
		}
		return rw.Delete(ctx, ParticipantKey(participantID))
	}
	if err := kv.WithReadWriter(ctx, s.db, fn); err != nil {
		return wrapConflict(err)
	}
	return nil
}
