// Copyright (c) 2023 BVK Chaitanya

package subcmds

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

type Status struct {
	cmdutil.ClientFlags

	showCodes bool
}

func (c *Status) Synopsis() string {
	return "Status prints a summary of the running papertrade server"
}

func (c *Status) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("status", flag.ContinueOnError)
	c.ClientFlags.SetFlags(fset)
	fset.BoolVar(&c.showCodes, "codes", false, "when true, per-market row counts are printed")
	return fset, cli.CmdFunc(c.run)
}

type statsResponse struct {
	UptimeSeconds int64 `json:"uptime_seconds"`

	TicksReceived int64      `json:"ticks_received"`
	LastTickerAt  *time.Time `json:"last_ticker_at"`

	TickerRows  int64 `json:"ticker_rows"`
	RowsWritten int64 `json:"rows_written"`

	WebsocketClients   int   `json:"websocket_clients"`
	WebsocketBroadcast int64 `json:"websocket_broadcast"`

	OrdersMatched int64 `json:"orders_matched"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

type codeInfoResponse struct {
	Code       string    `json:"code"`
	Count      int64     `json:"count"`
	LastUpdate time.Time `json:"last_update"`
}

func (c *Status) run(ctx context.Context, args []string) error {
	stats, err := cmdutil.Get[statsResponse](ctx, &c.ClientFlags, "/stats")
	if err != nil {
		return fmt.Errorf("could not fetch server stats: %w", err)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "Uptime:\t%s\n", time.Duration(stats.UptimeSeconds)*time.Second)
	fmt.Fprintf(tw, "Ticks received:\t%d\n", stats.TicksReceived)
	if stats.LastTickerAt != nil {
		fmt.Fprintf(tw, "Last ticker:\t%s\n", stats.LastTickerAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Archived rows:\t%d\n", stats.TickerRows)
	fmt.Fprintf(tw, "Rows written:\t%d\n", stats.RowsWritten)
	fmt.Fprintf(tw, "Websocket clients:\t%d\n", stats.WebsocketClients)
	fmt.Fprintf(tw, "Websocket broadcast:\t%d\n", stats.WebsocketBroadcast)
	fmt.Fprintf(tw, "Orders matched:\t%d\n", stats.OrdersMatched)
	fmt.Fprintf(tw, "CPU:\t%.1f%%\n", stats.CPUPercent)
	fmt.Fprintf(tw, "Memory:\t%.1f%%\n", stats.MemoryPercent)
	if err := tw.Flush(); err != nil {
		return err
	}

	if !c.showCodes {
		return nil
	}

	codes, err := cmdutil.Get[[]codeInfoResponse](ctx, &c.ClientFlags, "/codes")
	if err != nil {
		return fmt.Errorf("could not fetch market codes: %w", err)
	}

	fmt.Println()
	tw = tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	fmt.Fprintf(tw, "CODE\tROWS\tLAST UPDATE\n")
	for _, info := range *codes {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", info.Code, info.Count, info.LastUpdate.Format(time.RFC3339))
	}
	return tw.Flush()
}
