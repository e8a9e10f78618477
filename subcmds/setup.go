// Copyright (c) 2025 BVK Chaitanya

package subcmds

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/bvk/papertrade/cli"
	"github.com/bvk/papertrade/server"
	"github.com/bvk/papertrade/telegram"
	"github.com/bvkgo/kv/kvmemdb"
	"github.com/redis/go-redis/v9"
)

type Setup struct {
	dataDir     string
	secretsPath string
	skipTesting bool
}

func (c *Setup) Synopsis() string {
	return "Setup prints and/or configures the papertrade daemon"
}

func (c *Setup) Command() (*flag.FlagSet, cli.CmdFunc) {
	fset := flag.NewFlagSet("setup", flag.ContinueOnError)
	fset.StringVar(&c.dataDir, "data-dir", "", "path to the data directory")
	fset.StringVar(&c.secretsPath, "secrets-file", "", "path to credentials file")
	fset.BoolVar(&c.skipTesting, "skip-testing", false, "don't test the parameters")
	return fset, cli.CmdFunc(c.run)
}

func (c *Setup) CommandHelp() string {
	return `

Command "setup" helps users configure the Redis cache and the Telegram
notification bot. Command prints current config when run without any
arguments.

REDIS PARAMETERS

Redis parameters are optional. Without them the server runs with caching,
distributed locking and idempotency checks disabled. They can be configured
as follows:

  $ papertrade setup redis-addr=127.0.0.1:6379 redis-password=hunter2 redis-db=0

TELEGRAM PARAMETERS

Telegram parameters are optional. They are required to receive competition
and server notifications over Telegram. They can be configured as follows:

  $ papertrade setup telegram-token=111111:22222222 telegram-owner=papertrade_owner
`
}

func (c *Setup) run(ctx context.Context, args []string) error {
	if len(c.dataDir) == 0 {
		c.dataDir = filepath.Join(os.Getenv("HOME"), ".papertrade")
	}
	if _, err := os.Stat(c.dataDir); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("could not stat data directory %q: %w", c.dataDir, err)
		}
		if len(args) == 0 {
			return fmt.Errorf("papertrade is not configured")
		}
		if err := os.MkdirAll(c.dataDir, 0700); err != nil {
			return fmt.Errorf("could not create data directory %q: %w", c.dataDir, err)
		}
	}
	dataDir, err := filepath.Abs(c.dataDir)
	if err != nil {
		return fmt.Errorf("could not determine data-dir %q absolute path: %w", c.dataDir, err)
	}

	if len(c.secretsPath) == 0 {
		c.secretsPath = filepath.Join(dataDir, "secrets.json")
	}
	secrets, err := server.SecretsFromFile(c.secretsPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if len(args) == 0 {
			return fmt.Errorf("papertrade is not configured")
		}
	}

	if len(args) == 0 {
		js, _ := json.MarshalIndent(secrets, "", "  ")
		fmt.Printf("%s\n", js)
		return nil
	}

	if secrets == nil {
		secrets = &server.Secrets{}
	}

	validKeys := []string{"redis-addr", "redis-password", "redis-db", "telegram-token", "telegram-owner", "telegram-admin", "telegram-others"}
	kvMap := make(map[string]string)
	// Parse config values from the command-line.
	for _, arg := range args {
		before, after, found := strings.Cut(arg, "=")
		if !found {
			return fmt.Errorf("invalid config argument %q", arg)
		}
		if !slices.Contains(validKeys, before) {
			return fmt.Errorf("invalid/unrecognized config item key %q", before)
		}
		if v, ok := kvMap[before]; ok && v != after {
			return fmt.Errorf("config item key %q is found with different values", before)
		}
		kvMap[before] = after
	}

	if addr, ok := kvMap["redis-addr"]; ok {
		db := 0
		if v, ok := kvMap["redis-db"]; ok {
			if db, err = strconv.Atoi(v); err != nil {
				return fmt.Errorf(`invalid "redis-db" value %q: %w`, v, err)
			}
		}
		secrets.Redis = &server.RedisSecrets{
			Addr:     addr,
			Password: kvMap["redis-password"],
			DB:       db,
		}
		if !c.skipTesting {
			// Attempt a PING to validate the redis parameters.
			client := redis.NewClient(&redis.Options{
				Addr:     secrets.Redis.Addr,
				Password: secrets.Redis.Password,
				DB:       secrets.Redis.DB,
			})
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := client.Ping(pingCtx).Err()
			cancel()
			client.Close()
			if err != nil {
				return fmt.Errorf("could not ping redis at %q: %w", secrets.Redis.Addr, err)
			}
		}
	} else if _, ok := kvMap["redis-password"]; ok {
		return fmt.Errorf(`"redis-password" parameter also requires "redis-addr"`)
	} else if _, ok := kvMap["redis-db"]; ok {
		return fmt.Errorf(`"redis-db" parameter also requires "redis-addr"`)
	}

	tgToken := kvMap["telegram-token"]
	tgOwner := kvMap["telegram-owner"]
	if len(tgToken) != 0 || len(tgOwner) != 0 {
		if len(tgToken) == 0 || len(tgOwner) == 0 {
			return fmt.Errorf(`both "telegram-token" and "telegram-owner" parameters are required`)
		}
		secrets.Telegram = &telegram.Secrets{
			BotToken: tgToken,
			OwnerID:  tgOwner,
			AdminID:  kvMap["telegram-admin"],
			OtherIDs: splitCodes(kvMap["telegram-others"]),
		}
		if !c.skipTesting {
			// Attempt to authenticate with telegram to validate the token.
			client, err := telegram.New(ctx, kvmemdb.New(), secrets.Telegram)
			if err != nil {
				return err
			}
			client.Close()
		}
	}

	js, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.secretsPath, js, os.FileMode(0600)); err != nil {
		return err
	}
	return nil
}
