// Copyright (c) 2023 BVK Chaitanya

package competition

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/bvk/papertrade/cache"
	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/competition"
	"github.com/bvk/papertrade/gobs"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/subcmds/cmdutil"
	"github.com/bvk/papertrade/users"
	"github.com/shopspring/decimal"
)

// newStore opens the competition store over the database selected by the
// flags. The cache is left unconfigured, so cached leaderboards are simply
// not used from the command-line.
func newStore(ctx context.Context, dbFlags *cmdutil.DBFlags) (*competition.Store, func(), error) {
	db, closer, err := dbFlags.GetDatabase(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("could not get database instance: %w", err)
	}
	c, err := cache.New(&cache.Options{})
	if err != nil {
		closer()
		return nil, nil, fmt.Errorf("could not create pass-through cache: %w", err)
	}
	store := competition.NewStore(db, c, users.NewStore(db), orders.NewService(db))
	return store, closer, nil
}

type Create struct {
	cmdutil.DBFlags

	name        string
	description string

	initialBalance string
	feeRate        string

	startTime string
	endTime   string
}

func (c *Create) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("create", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	fset.StringVar(&c.name, "name", "", "competition name")
	fset.StringVar(&c.description, "description", "", "competition description")
	fset.StringVar(&c.initialBalance, "initial-balance", "1000000", "paper balance granted on join")
	fset.StringVar(&c.feeRate, "fee-rate", "0.0005", "trading fee rate")
	fset.StringVar(&c.startTime, "start-time", "", "competition start time (RFC3339)")
	fset.StringVar(&c.endTime, "end-time", "", "competition end time (RFC3339)")
	return fset, cli.CmdFunc(c.run)
}

func (c *Create) Synopsis() string {
	return "Creates a new competition in the pending state"
}

func (c *Create) run(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("command takes no arguments")
	}

	balance, err := decimal.NewFromString(c.initialBalance)
	if err != nil {
		return fmt.Errorf("could not parse -initial-balance value %q: %w", c.initialBalance, err)
	}
	feeRate, err := decimal.NewFromString(c.feeRate)
	if err != nil {
		return fmt.Errorf("could not parse -fee-rate value %q: %w", c.feeRate, err)
	}
	start, err := time.Parse(time.RFC3339, c.startTime)
	if err != nil {
		return fmt.Errorf("could not parse -start-time value %q: %w", c.startTime, err)
	}
	end, err := time.Parse(time.RFC3339, c.endTime)
	if err != nil {
		return fmt.Errorf("could not parse -end-time value %q: %w", c.endTime, err)
	}

	store, closer, err := newStore(ctx, &c.DBFlags)
	if err != nil {
		return err
	}
	defer closer()

	comp, err := store.Create(ctx, &gobs.Competition{
		Name:           c.name,
		Description:    c.description,
		InitialBalance: balance,
		FeeRate:        feeRate,
		StartTime:      start,
		EndTime:        end,
	})
	if err != nil {
		return fmt.Errorf("could not create competition: %w", err)
	}
	fmt.Println(comp.ID)
	return nil
}
