package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/classchat/pkg/chatsync"
)

var whoamiCommand = &cli.Command{
	Name:   "whoami",
	Usage:  "Show the identity the engine acts as",
	Before: prepareApp,
	Action: cmdWhoami,
}

var conversationsCommand = &cli.Command{
	Name:    "conversations",
	Aliases: []string{"ls"},
	Usage:   "Fetch and list every conversation view",
	Before:  requiresEngine,
	After:   closeEngine,
	Action:  cmdConversations,
}

var threadCommand = &cli.Command{
	Name:      "thread",
	Usage:     "Open a conversation and print its messages",
	ArgsUsage: "CONVERSATION_ID",
	Before:    requiresEngine,
	After:     closeEngine,
	Action:    cmdThread,
}

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message to a conversation",
	ArgsUsage: "CONVERSATION_ID TEXT...",
	Before:    requiresEngine,
	After:     closeEngine,
	Action:    cmdSend,
}

func cmdWhoami(ctx *cli.Context) error {
	cfg := getConfig(ctx)
	identity, err := chatsync.ResolveIdentity(cfg.Identity, cfg.API.Token)
	if err != nil {
		return err
	}
	fmt.Println(headerStyle.Render(identity.Name))
	fmt.Printf("User ID: %s\n", identity.UserID)
	fmt.Printf("Role:    %s\n", identity.Role)
	fmt.Printf("API:     %s\n", cfg.API.BaseURL)
	return nil
}

func cmdConversations(ctx *cli.Context) error {
	engine := getEngine(ctx)
	if err := engine.RefreshCategories(ctx.Context); err != nil {
		// Partial results are still worth showing.
		fmt.Println(warningStyle.Render(fmt.Sprintf("Some categories failed to load: %v", err)))
	}
	store := engine.Store()
	for _, view := range []chatsync.View{chatsync.ViewUnread, chatsync.ViewFavorites, chatsync.ViewGroups, chatsync.ViewStudents} {
		printView(view, store.ViewOf(view))
	}
	total, err := engine.ServerUnreadTotal(ctx.Context)
	if err != nil {
		total = -1
	}
	fmt.Println(renderUnreadTotals(store.TotalUnread(), total))
	return nil
}

// findConversation makes sure the id is known before selecting it, loading
// the categories when the store is still empty.
func findConversation(ctx *cli.Context, engine *chatsync.Engine, id string) (chatsync.Conversation, error) {
	if conv, ok := engine.Store().Find(id); ok {
		return conv, nil
	}
	if err := engine.RefreshCategories(ctx.Context); err != nil {
		getLogger(ctx).Warn().Err(err).Msg("Some categories failed to load")
	}
	conv, ok := engine.Store().Find(id)
	if !ok {
		return conv, fmt.Errorf("%w: %s", chatsync.ErrConversationNotFound, id)
	}
	return conv, nil
}

func cmdThread(ctx *cli.Context) error {
	if ctx.NArg() == 0 {
		return errors.New("you must specify a conversation id, e.g. student:42 or group:7")
	}
	engine := getEngine(ctx)
	conv, err := findConversation(ctx, engine, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	if err = engine.SelectAndLoad(ctx.Context, conv.ID); err != nil {
		return err
	}
	printThread(conv, engine.Store().Thread(conv.ID))
	return nil
}

func cmdSend(ctx *cli.Context) error {
	if ctx.NArg() < 2 {
		return errors.New("usage: classchat send CONVERSATION_ID TEXT...")
	}
	engine := getEngine(ctx)
	conv, err := findConversation(ctx, engine, ctx.Args().Get(0))
	if err != nil {
		return err
	}
	if err = engine.SelectAndLoad(ctx.Context, conv.ID); err != nil {
		return err
	}
	text := strings.Join(ctx.Args().Tail(), " ")
	if err = engine.Send(ctx.Context, conv.ID, text); err != nil {
		return err
	}
	printThread(conv, engine.Store().Thread(conv.ID))
	return nil
}
