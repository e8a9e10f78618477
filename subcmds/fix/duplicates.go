// Copyright (c) 2023 BVK Chaitanya

package fix

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/subcmds/cmdutil"
)

type Duplicates struct {
	cmdutil.DBFlags

	commit bool
}

func (c *Duplicates) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("duplicates", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	fset.BoolVar(&c.commit, "commit", false, "when true, duplicate orders are really deleted")
	return fset, cli.CmdFunc(c.run)
}

func (c *Duplicates) Synopsis() string {
	return "Finds or deletes duplicate fills of a participant"
}

func (c *Duplicates) CommandHelp() string {
	return `

Command "duplicates" groups a participant's filled orders that were created
within a few seconds of each other with identical code, side, type, quantity
and fill price. Such groups typically come from duplicate order submissions
before idempotency checks were in place. Only the oldest order of each group
is kept; the rest are deleted and the participant's balance and positions are
restored when -commit is given.

  $ papertrade fix duplicates PARTICIPANT-ID
  $ papertrade fix duplicates -commit PARTICIPANT-ID
`
}

func (c *Duplicates) run(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("command takes one (participant id) argument")
	}

	db, closer, err := c.DBFlags.GetDatabase(ctx)
	if err != nil {
		return fmt.Errorf("could not get database instance: %w", err)
	}
	defer closer()

	svc := orders.NewService(db)
	report, err := svc.FixDuplicates(ctx, args[0], !c.commit)
	if err != nil {
		return fmt.Errorf("could not process duplicates for participant %q: %w", args[0], err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "KEEP\tCODE\tSIDE\tQUANTITY\tFILLED PRICE\tDUPLICATES\n")
	for _, g := range report.Groups {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\n", g.Keep.ID, g.Keep.Code, g.Keep.Side, g.Keep.FilledQuantity.String(), g.Keep.FilledPrice.String(), len(g.Duplicates))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if report.DryRun {
		fmt.Printf("dry-run: %d duplicate orders would be deleted restoring %s to the balance (use -commit to apply)\n", report.Deleted, report.BalanceChange)
	} else {
		fmt.Printf("deleted %d duplicate orders restoring %s to the balance\n", report.Deleted, report.BalanceChange)
	}
	return nil
}
