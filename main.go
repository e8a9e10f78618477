// Copyright (c) 2023 BVK Chaitanya

package main

import (
	"context"
	"log"
	"os"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/envfile"
	"github.com/bvk/papertrade/subcmds"
	"github.com/bvk/papertrade/subcmds/competition"
	"github.com/bvk/papertrade/subcmds/db"
	"github.com/bvk/papertrade/subcmds/fix"
)

func main() {
	// Users can keep PAPERTRADE_* defaults in an env file in their home
	// directory.
	if err := envfile.UpdateEnv(".papertrade.env"); err != nil {
		log.Printf("warning: could not read env file: %v", err)
	}

	dbCmds := []cli.Command{
		new(db.Get),
		new(db.Set),
		new(db.Edit),
		new(db.Delete),
		new(db.List),
		new(db.Backup),
		new(db.Restore),
	}

	fixCmds := []cli.Command{
		new(fix.Corrupted),
		new(fix.Duplicates),
	}

	competitionCmds := []cli.Command{
		new(competition.Create),
		new(competition.List),
		new(competition.Activate),
		new(competition.End),
	}

	cmds := []cli.Command{
		new(subcmds.Run),
		new(subcmds.Setup),
		new(subcmds.Status),
		cli.CommandGroup("competition", "Manage competitions", competitionCmds...),
		cli.CommandGroup("fix", "Repair corrupted or duplicated orders", fixCmds...),
		cli.CommandGroup("db", "View/update database directly", dbCmds...),
	}
	if err := cli.Run(context.Background(), cmds, os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
