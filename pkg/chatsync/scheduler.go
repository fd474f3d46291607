package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

type pollState int

const (
	stateIdle pollState = iota
	stateFetching
)

// threadPoll is the scheduler state of one conversation. seq grows with
// every dispatched fetch; a response is applied only if its seq is still
// the latest when it resolves.
type threadPoll struct {
	seq   uint64
	state pollState
}

func (e *Engine) pollFor(id string) *threadPoll {
	p, ok := e.polls[id]
	if !ok {
		p = &threadPoll{}
		e.polls[id] = p
	}
	return p
}

// Select opens a conversation. Its unread count is reset before this
// returns, the server is told about it in the background, and polling
// moves to it starting with an immediate fetch. The previous
// conversation's timer is cancelled; a request it already dispatched is
// left to resolve and then discarded.
func (e *Engine) Select(id string) error {
	return e.selectConversation(context.Background(), id, false)
}

// SelectAndLoad is Select with the first fetch done before returning.
func (e *Engine) SelectAndLoad(ctx context.Context, id string) error {
	return e.selectConversation(ctx, id, true)
}

func (e *Engine) selectConversation(ctx context.Context, id string, load bool) error {
	conv, ok := e.store.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	e.pollMu.Lock()
	if e.stopped.Load() {
		e.pollMu.Unlock()
		return ErrEngineStopped
	}
	if e.stopPoll != nil {
		e.stopPoll()
	}
	loopCtx, cancel := context.WithCancel(e.ctx)
	e.stopPoll = cancel
	e.store.SetActive(id)
	e.wg.Add(2)
	e.pollMu.Unlock()

	go e.markRead(conv)
	e.kickHydrator()

	var err error
	if load {
		err = e.syncThread(ctx, id, true, true)
	}
	go e.pollLoop(loopCtx, id, !load)
	return err
}

// Deselect closes the open conversation and stops polling it.
func (e *Engine) Deselect() {
	e.pollMu.Lock()
	if e.stopPoll != nil {
		e.stopPoll()
		e.stopPoll = nil
	}
	e.store.ClearActive()
	e.pollMu.Unlock()
}

// markRead acknowledges the conversation remotely. Failure does not undo
// the local reset.
func (e *Engine) markRead(conv Conversation) {
	defer e.wg.Done()
	err := e.remote.MarkRead(e.ctx, conv.RemoteID)
	if err != nil {
		e.log.Debug().Err(err).Str("conversation_id", conv.ID).Msg("Failed to mark conversation as read")
	}
}

func (e *Engine) pollLoop(ctx context.Context, id string, immediate bool) {
	defer e.wg.Done()
	log := e.log.With().Str("loop", "messages").Str("conversation_id", id).Logger()
	if immediate {
		if err := e.syncThread(e.ctx, id, true, true); err != nil {
			log.Warn().Err(err).Msg("Initial message sync failed")
		}
	}
	timer := time.NewTimer(e.durationOf(&e.messagePollInterval))
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			if err := e.syncThread(e.ctx, id, false, true); err != nil {
				log.Warn().Err(err).Msg("Message sync failed")
			}
			timer.Reset(e.durationOf(&e.messagePollInterval))
		case <-ctx.Done():
			return
		case <-e.stopChan:
			return
		}
	}
}

// Refresh fetches the conversation's messages now, even if a scheduled
// fetch is already in flight. That older fetch's response is then
// discarded.
func (e *Engine) Refresh(ctx context.Context, id string) error {
	return e.syncThread(ctx, id, true, true)
}

// syncThread runs one IDLE -> FETCHING -> IDLE pass. A timer tick (force
// false) is skipped while a fetch is in flight. The response is dropped if
// a newer fetch was dispatched meanwhile, or, with requireActive, if the
// conversation is no longer the open one.
func (e *Engine) syncThread(ctx context.Context, id string, force, requireActive bool) error {
	conv, ok := e.store.Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	log := e.log.With().Str("conversation_id", id).Logger()

	e.pollMu.Lock()
	p := e.pollFor(id)
	if !force && p.state == stateFetching {
		e.pollMu.Unlock()
		return nil
	}
	p.seq++
	seq := p.seq
	p.state = stateFetching
	e.pollMu.Unlock()

	raws, err := e.fetchThread(ctx, &conv)

	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if p.seq != seq {
		log.Debug().Uint64("seq", seq).Uint64("latest_seq", p.seq).Msg("Discarding superseded message response")
		return nil
	}
	p.state = stateIdle
	if err != nil {
		return fmt.Errorf("failed to fetch messages: %w", err)
	}
	if requireActive && e.store.Active() != id {
		log.Debug().Msg("Discarding message response for inactive conversation")
		return nil
	}
	msgs := NormalizeMessages(raws, e.normalizeContext(&conv))
	res, ok := e.store.MergeThread(id, msgs, e.durationOf(&e.matchWindow))
	if !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	e.mergeTotals.add(res.mergeCounters)
	if res.Added > 0 || res.Confirmed > 0 {
		log.Debug().
			Int("added", res.Added).
			Int("skipped", res.Skipped).
			Int("confirmed", res.Confirmed).
			Msg("Merged message sync")
	}
	return nil
}

func (e *Engine) fetchThread(ctx context.Context, conv *Conversation) ([]json.RawMessage, error) {
	if conv.Kind == KindGroup {
		return e.remote.GetMessages(ctx, conv.RemoteID, 1, int(e.groupPageSize.Load()))
	}
	return e.remote.GetChatHistory(ctx, conv.RemoteID)
}
