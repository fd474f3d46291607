package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/lrhodin/classchat/pkg/teacherapi"
)

// Composer is the send box of one conversation. It allows one send in
// flight at a time.
type Composer struct {
	engine         *Engine
	conversationID string

	draftLock sync.Mutex
	draft     string
	inFlight  atomic.Bool
}

// Composer returns the composer of a conversation, creating it on first use.
func (e *Engine) Composer(conversationID string) *Composer {
	e.composersLock.Lock()
	defer e.composersLock.Unlock()
	c, ok := e.composers[conversationID]
	if !ok {
		c = &Composer{engine: e, conversationID: conversationID}
		e.composers[conversationID] = c
	}
	return c
}

// Send sends text through the conversation's composer.
func (e *Engine) Send(ctx context.Context, conversationID, text string) error {
	return e.Composer(conversationID).Send(ctx, text)
}

func (c *Composer) SetDraft(text string) {
	c.draftLock.Lock()
	c.draft = text
	c.draftLock.Unlock()
}

func (c *Composer) Draft() string {
	c.draftLock.Lock()
	defer c.draftLock.Unlock()
	return c.draft
}

// InFlight reports whether a send is waiting for the backend.
func (c *Composer) InFlight() bool {
	return c.inFlight.Load()
}

// SendDraft sends the current draft.
func (c *Composer) SendDraft(ctx context.Context) error {
	return c.Send(ctx, c.Draft())
}

// Send shows text in the thread immediately as a provisional message and
// clears the draft, then sends it. On success the thread is re-synced, open
// or not, so the authoritative copy replaces the provisional one. On failure the
// provisional message is removed again and an error wrapping ErrSendFailed
// is returned; the conversation preview keeps the unsent text.
//
// Empty text, or a send while another one is in flight, is a no-op.
func (c *Composer) Send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !c.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer c.inFlight.Store(false)

	e := c.engine
	conv, ok := e.store.Find(c.conversationID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, c.conversationID)
	}
	log := e.log.With().Str("conversation_id", conv.ID).Logger()

	now := e.now()
	provisional := Message{
		LocalID:        uuid.NewString(),
		ConversationID: conv.ID,
		Sender:         SenderTeacher,
		SenderID:       e.identity.UserID,
		SenderName:     e.identity.Name,
		Text:           text,
		Type:           MessageText,
		CreatedAt:      now,
		DisplayTime:    FormatClock(now, now),
		IsOptimistic:   true,
	}
	e.store.appendOptimistic(provisional)
	c.SetDraft("")

	req := teacherapi.SendRequest{Content: text}
	if conv.Kind == KindGroup {
		req.GroupID = conv.RemoteID
	} else {
		req.RecipientID = conv.RemoteID
	}
	raw, err := e.remote.SendMessage(ctx, req)
	if err != nil {
		e.store.removeOptimistic(conv.ID, provisional.LocalID)
		log.Warn().Err(err).Str("local_id", provisional.LocalID).Msg("Send failed, rolled back provisional message")
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	persisted := NormalizeMessage(raw, e.normalizeContext(&conv))
	if persisted.ID != "" {
		e.store.confirmOptimistic(conv.ID, provisional.LocalID, persisted.ID)
	}
	log.Debug().
		Str("local_id", provisional.LocalID).
		Str("server_id", persisted.ID).
		Msg("Message sent")
	// The conversation may not be open, so this sync must not require it.
	if err = e.syncThread(ctx, conv.ID, true, false); err != nil {
		log.Warn().Err(err).Msg("Failed to re-sync after send")
	}
	return nil
}
