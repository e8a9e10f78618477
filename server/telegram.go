// Copyright (c) 2025 BVK Chaitanya

package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/bvk/papertrade/telegram"
)

func (s *Server) AddTelegramCommand(ctx context.Context, name, purpose string, handler telegram.CmdFunc) error {
	if s.telegramClient != nil {
		return s.telegramClient.AddCommand(ctx, name, purpose, handler)
	}
	return nil // Ignored
}

func (s *Server) addTelegramCommands(ctx context.Context) error {
	if err := s.AddTelegramCommand(ctx, "status", "Prints feed and store counters", s.statusTelegramCmd); err != nil {
		return err
	}
	if err := s.AddTelegramCommand(ctx, "leaderboard", "Prints the active competition standings", s.leaderboardTelegramCmd); err != nil {
		return err
	}
	return nil
}

func (s *Server) statusTelegramCmd(ctx context.Context, args []string) (string, error) {
	var sb strings.Builder
	if s.feed != nil {
		fmt.Fprintf(&sb, "Feed messages: %d\n", s.feed.NumMessages())
		fmt.Fprintf(&sb, "Last message: %s\n", s.feed.LastMessageAt().Format("2006-01-02 15:04:05 MST"))
	}
	fmt.Fprintf(&sb, "Rows written: %d\n", s.ticks.NumWritten())
	fmt.Fprintf(&sb, "Websocket clients: %d\n", s.bus.NumViewers())
	fmt.Fprintf(&sb, "Orders matched: %d\n", s.engine.NumFilled())
	return sb.String(), nil
}

func (s *Server) leaderboardTelegramCmd(ctx context.Context, args []string) (string, error) {
	comp, err := s.competitions.Active(ctx)
	if err != nil {
		return "", err
	}
	if comp == nil {
		return "no active competition", nil
	}

	board, err := s.competitions.GetLeaderboard(ctx, comp.ID, s.currentPrices(ctx))
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n", comp.Name)
	for _, entry := range board.Entries {
		if entry.Rank > 10 {
			break
		}
		fmt.Fprintf(&sb, "%d. %s %s (%s%%)\n", entry.Rank, entry.Username, entry.TotalAsset.StringFixed(0), entry.ProfitRate.StringFixed(2))
	}
	return sb.String(), nil
}
