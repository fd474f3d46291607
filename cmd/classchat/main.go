package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/classchat/pkg/chatsync"
	"github.com/lrhodin/classchat/pkg/sidecache"
	"github.com/lrhodin/classchat/pkg/teacherapi"
)

type contextKey int

const (
	contextKeyConfig contextKey = iota
	contextKeyLogger
	contextKeyEngine
	contextKeyCache
)

func getConfig(ctx *cli.Context) *chatsync.Config {
	return ctx.Context.Value(contextKeyConfig).(*chatsync.Config)
}

func getLogger(ctx *cli.Context) *zerolog.Logger {
	return ctx.Context.Value(contextKeyLogger).(*zerolog.Logger)
}

func getEngine(ctx *cli.Context) *chatsync.Engine {
	val := ctx.Context.Value(contextKeyEngine)
	if val == nil {
		return nil
	}
	return val.(*chatsync.Engine)
}

func getCache(ctx *cli.Context) sidecache.Cache {
	val := ctx.Context.Value(contextKeyCache)
	if val == nil {
		return nil
	}
	return val.(sidecache.Cache)
}

func getConfigPath() string {
	baseDir, _ := os.UserConfigDir()
	return filepath.Join(baseDir, "classchat", "config.yaml")
}

func loadEnvFile(path string, explicit bool) error {
	err := godotenv.Load(path)
	if err != nil && !explicit && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func loadConfig(ctx *cli.Context) (*chatsync.Config, error) {
	path := ctx.String("config")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}
	cfg, err := chatsync.LoadConfig(path, !ctx.Bool("no-update"))
	if err != nil {
		return nil, err
	}
	if err = cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func prepareApp(ctx *cli.Context) error {
	if err := loadEnvFile(ctx.String("env-file"), ctx.IsSet("env-file")); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	newCtx := context.WithValue(ctx.Context, contextKeyConfig, cfg)
	newCtx = context.WithValue(newCtx, contextKeyLogger, log)
	ctx.Context = log.WithContext(newCtx)
	return nil
}

// requiresEngine builds the API client, side cache and engine. They are
// torn down by closeEngine.
func requiresEngine(ctx *cli.Context) error {
	if err := prepareApp(ctx); err != nil {
		return err
	}
	cfg := getConfig(ctx)
	log := getLogger(ctx)
	if cfg.API.BaseURL == "" || cfg.API.Token == "" {
		return fmt.Errorf("api.base_url and api.token must be set (or %s and %s)", chatsync.EnvAPIURL, chatsync.EnvAPIToken)
	}
	identity, err := chatsync.ResolveIdentity(cfg.Identity, cfg.API.Token)
	if err != nil {
		return err
	}
	client, err := teacherapi.NewClient(cfg.API.BaseURL, cfg.API.Token, cfg.API.Timeout)
	if err != nil {
		return fmt.Errorf("failed to create api client: %w", err)
	}
	cache, err := sidecache.Open(ctx.Context, cfg.Cache, *log)
	if err != nil {
		return fmt.Errorf("failed to open side cache: %w", err)
	}
	engine := chatsync.NewEngine(cfg, client, cache, identity, *log)
	newCtx := context.WithValue(ctx.Context, contextKeyCache, cache)
	ctx.Context = context.WithValue(newCtx, contextKeyEngine, engine)
	return nil
}

func closeEngine(ctx *cli.Context) error {
	if engine := getEngine(ctx); engine != nil {
		engine.Stop()
	}
	if cache := getCache(ctx); cache != nil {
		return cache.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:    "classchat",
		Usage:   "Sync and answer student conversations from the terminal",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   getConfigPath(),
				EnvVars: []string{"CLASSCHAT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "Load environment variables from this file before reading the config",
				Value: ".env",
			},
			&cli.BoolFlag{
				Name:  "no-update",
				Usage: "Don't write missing keys back to the config file",
			},
		},
		Commands: []*cli.Command{
			whoamiCommand,
			conversationsCommand,
			threadCommand,
			sendCommand,
			watchCommand,
			cacheCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
