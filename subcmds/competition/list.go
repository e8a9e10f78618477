// Copyright (c) 2023 BVK Chaitanya

package competition

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/subcmds/cmdutil"
)

type List struct {
	cmdutil.DBFlags

	status string
}

func (c *List) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("list", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	fset.StringVar(&c.status, "status", "", "when non-empty, only competitions with this status are listed")
	return fset, cli.CmdFunc(c.run)
}

func (c *List) Synopsis() string {
	return "Lists competitions and their participant counts"
}

func (c *List) run(ctx context.Context, args []string) error {
	if len(args) != 0 {
		return fmt.Errorf("command takes no arguments")
	}

	store, closer, err := newStore(ctx, &c.DBFlags)
	if err != nil {
		return err
	}
	defer closer()

	comps, err := store.List(ctx, c.status)
	if err != nil {
		return fmt.Errorf("could not list competitions: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSTATUS\tPARTICIPANTS\tSTART\tEND\n")
	for _, comp := range comps {
		n, err := store.CountParticipants(ctx, comp.ID)
		if err != nil {
			return fmt.Errorf("could not count participants of %q: %w", comp.ID, err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", comp.ID, comp.Name, comp.Status, n,
			comp.StartTime.Format(time.RFC3339), comp.EndTime.Format(time.RFC3339))
	}
	return tw.Flush()
}
