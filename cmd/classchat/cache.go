package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/classchat/pkg/sidecache"
)

var cacheCommand = &cli.Command{
	Name:  "cache",
	Usage: "Manage the side cache",
	Subcommands: []*cli.Command{
		{
			Name:   "clear",
			Usage:  "Drop the cached contact list of the current user",
			Before: requiresEngine,
			After:  closeEngine,
			Action: cmdCacheClear,
		},
	},
}

func cmdCacheClear(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	if cfg.Cache.Backend == "" || cfg.Cache.Backend == sidecache.BackendNone {
		fmt.Println("Side cache is disabled, nothing to clear")
		return nil
	}
	if err := getEngine(ctx).InvalidateContactCache(ctx.Context); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Printf("Cleared cached contacts (%s backend)\n", cfg.Cache.Backend)
	return nil
}
