// Copyright (c) 2023 BVK Chaitanya

package competition

import (
	"context"
	"flag"
	"fmt"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/subcmds/cmdutil"
)

type Activate struct {
	cmdutil.DBFlags
}

func (c *Activate) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("activate", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	return fset, cli.CmdFunc(c.run)
}

func (c *Activate) Synopsis() string {
	return "Transitions a competition to the active state"
}

func (c *Activate) run(ctx context.Context, args []string) error {
	return setStatus(ctx, &c.DBFlags, args, "active")
}

type End struct {
	cmdutil.DBFlags
}

func (c *End) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("end", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	return fset, cli.CmdFunc(c.run)
}

func (c *End) Synopsis() string {
	return "Transitions a competition to the ended state"
}

func (c *End) run(ctx context.Context, args []string) error {
	return setStatus(ctx, &c.DBFlags, args, "ended")
}

func setStatus(ctx context.Context, dbFlags *cmdutil.DBFlags, args []string, status string) error {
	if len(args) != 1 {
		return fmt.Errorf("command takes one (competition id) argument")
	}

	store, closer, err := newStore(ctx, dbFlags)
	if err != nil {
		return err
	}
	defer closer()

	comp, err := store.SetStatus(ctx, args[0], status)
	if err != nil {
		return fmt.Errorf("could not set competition %q status: %w", args[0], err)
	}
	fmt.Printf("competition %s (%s) is now %s\n", comp.ID, comp.Name, comp.Status)
	return nil
}
