package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/lrhodin/classchat/pkg/chatsync"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Keep the engine running and print updates as they arrive",
	ArgsUsage: "[CONVERSATION_ID]",
	Before:    requiresEngine,
	After:     closeEngine,
	Action:    cmdWatch,
}

func cmdWatch(ctx *cli.Context) error {
	engine := getEngine(ctx)
	log := getLogger(ctx)
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Run(runCtx); err != nil {
		return err
	}
	if err := engine.RefreshCategories(runCtx); err != nil {
		log.Warn().Err(err).Msg("Some categories failed to load")
	}
	var active chatsync.Conversation
	if ctx.NArg() > 0 {
		conv, err := findConversation(ctx, engine, ctx.Args().Get(0))
		if err != nil {
			return err
		}
		if err = engine.SelectAndLoad(runCtx, conv.ID); err != nil {
			return err
		}
		active = conv
		fmt.Println(headerStyle.Render(conv.DisplayName))
	}

	watcher, err := watchConfig(runCtx, ctx.String("config"), engine, log)
	if err != nil {
		log.Warn().Err(err).Msg("Config reloading disabled")
	} else {
		defer watcher.Close()
	}

	printed := make(map[string]bool)
	lastUnread := -1
	for {
		if unread := engine.Store().TotalUnread(); unread != lastUnread {
			fmt.Println(unreadStyle.Render(fmt.Sprintf("Unread: %d", unread)))
			lastUnread = unread
		}
		if active.ID != "" {
			thread := engine.Store().Thread(active.ID)
			for i := range thread {
				key := thread[i].DedupKey()
				if printed[key] {
					continue
				}
				printed[key] = true
				fmt.Println(renderMessage(thread[i]))
			}
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-engine.Store().Changes():
		}
	}
}

// watchConfig reloads the tunables whenever the config file changes. The
// directory is watched so that editors replacing the file are noticed.
func watchConfig(ctx context.Context, path string, engine *chatsync.Engine, log *zerolog.Logger) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(evt.Name) != target || !(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)) {
					continue
				}
				cfg, err := chatsync.LoadConfig(path, false)
				if err == nil {
					err = cfg.ApplyEnv()
				}
				if err != nil {
					log.Warn().Err(err).Msg("Ignoring invalid config change")
					continue
				}
				engine.ApplyConfig(cfg)
				log.Info().
					Stringer("message_poll_interval", cfg.Sync.MessagePollInterval).
					Stringer("category_poll_interval", cfg.Sync.CategoryPollInterval).
					Int("hydration_batch_size", cfg.Hydration.BatchSize).
					Msg("Reloaded config")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return watcher, nil
}
