// Copyright (c) 2023 BVK Chaitanya

package fix

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/orders"
	"github.com/bvk/papertrade/subcmds/cmdutil"
	"github.com/shopspring/decimal"
)

type Corrupted struct {
	cmdutil.DBFlags

	price  string
	delete bool
	force  bool
}

func (c *Corrupted) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("corrupted", flag.ContinueOnError)
	c.DBFlags.SetFlags(fset)
	fset.StringVar(&c.price, "price", "", "correct fill price for the given order")
	fset.BoolVar(&c.delete, "delete", false, "when true, deletes the given order and reverses its effects")
	fset.BoolVar(&c.force, "force", false, "with -delete, allows deleting orders that are not corrupted")
	return fset, cli.CmdFunc(c.run)
}

func (c *Corrupted) Synopsis() string {
	return "Lists or repairs filled orders with corrupted fill prices"
}

func (c *Corrupted) CommandHelp() string {
	return `

Command "corrupted" scans all filled orders for fill prices far outside the
market's sane price range (e.g. a KRW-BTC fill recorded at 100 won). Without
arguments it prints the corrupted orders. With an order id argument it either
rewrites the fill price to -price, adjusting the participant balance and
position accordingly, or deletes the order and reverses its effects when
-delete is given.

  $ papertrade fix corrupted
  $ papertrade fix corrupted -price=95000000 ORDER-ID
  $ papertrade fix corrupted -delete ORDER-ID
`
}

func (c *Corrupted) run(ctx context.Context, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("command takes at most one (order id) argument")
	}
	if len(c.price) != 0 && c.delete {
		return fmt.Errorf("-price and -delete are mutually exclusive")
	}
	if (len(c.price) != 0 || c.delete) && len(args) == 0 {
		return fmt.Errorf("repairing requires an order id argument")
	}

	db, closer, err := c.DBFlags.GetDatabase(ctx)
	if err != nil {
		return fmt.Errorf("could not get database instance: %w", err)
	}
	defer closer()

	svc := orders.NewService(db)

	if len(args) == 0 {
		vs, err := svc.FindCorrupted(ctx)
		if err != nil {
			return fmt.Errorf("could not scan for corrupted orders: %w", err)
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
		fmt.Fprintf(tw, "ORDER\tPARTICIPANT\tCODE\tSIDE\tQUANTITY\tFILLED PRICE\tFILLED AT\n")
		for _, v := range vs {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", v.ID, v.ParticipantID, v.Code, v.Side, v.FilledQuantity.String(), v.FilledPrice.String(), v.FilledAt.Format(time.RFC3339))
		}
		return tw.Flush()
	}

	if c.delete {
		v, err := svc.DeleteFilled(ctx, args[0], !c.force)
		if err != nil {
			return fmt.Errorf("could not delete order %q: %w", args[0], err)
		}
		fmt.Printf("deleted order %s (%s %s %s @ %s)\n", v.ID, v.Side, v.FilledQuantity, v.Code, v.FilledPrice)
		return nil
	}

	price, err := decimal.NewFromString(c.price)
	if err != nil {
		return fmt.Errorf("could not parse -price value %q: %w", c.price, err)
	}
	v, err := svc.FixCorrupted(ctx, args[0], price)
	if err != nil {
		return fmt.Errorf("could not fix order %q: %w", args[0], err)
	}
	fmt.Printf("fixed order %s fill price to %s\n", v.ID, v.FilledPrice)
	return nil
}
