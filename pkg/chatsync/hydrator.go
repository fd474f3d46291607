package chatsync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func (e *Engine) kickHydrator() {
	select {
	case e.hydrationKick <- struct{}{}:
	default:
	}
}

func (e *Engine) hydrationLoop(log zerolog.Logger) {
	defer e.wg.Done()
	for {
		timer := time.NewTimer(e.durationOf(&e.hydrationInterval))
		select {
		case <-timer.C:
		case <-e.hydrationKick:
			timer.Stop()
		case <-e.stopChan:
			timer.Stop()
			return
		}
		if n := e.Hydrate(e.ctx); n > 0 {
			log.Debug().Int("hydrated", n).Msg("Hydrated contact previews")
		}
	}
}

func (e *Engine) isHydrated(id string) bool {
	e.hydratedLock.Lock()
	defer e.hydratedLock.Unlock()
	return e.hydrated[id]
}

func (e *Engine) markHydrated(id string) {
	e.hydratedLock.Lock()
	e.hydrated[id] = true
	e.hydratedLock.Unlock()
}

// hydrationBatch picks the contacts for the next pass: the open
// conversation first when it is a student, then contacts that were never
// hydrated, in list order. Once every contact has been hydrated the free
// slots rotate through the whole list so new messages keep being noticed.
func (e *Engine) hydrationBatch() []Conversation {
	size := int(e.hydrationBatchSize.Load())
	students := e.store.ViewOf(ViewStudents)
	active := e.store.Active()
	batch := make([]Conversation, 0, size)
	seen := make(map[string]bool, size)
	for _, conv := range students {
		if conv.ID == active {
			batch = append(batch, conv)
			seen[conv.ID] = true
			break
		}
	}
	pending := 0
	for _, conv := range students {
		if len(batch) >= size {
			break
		}
		if seen[conv.ID] || e.isHydrated(conv.ID) {
			continue
		}
		seen[conv.ID] = true
		batch = append(batch, conv)
		pending++
	}
	if pending > 0 || len(students) == 0 {
		return batch
	}

	e.hydratedLock.Lock()
	defer e.hydratedLock.Unlock()
	start := e.hydrationCursor
	i := 0
	for ; i < len(students) && len(batch) < size; i++ {
		conv := students[(start+i)%len(students)]
		if seen[conv.ID] {
			continue
		}
		seen[conv.ID] = true
		batch = append(batch, conv)
	}
	e.hydrationCursor = (start + i) % len(students)
	return batch
}

// Hydrate fetches the latest message of one batch of contacts concurrently
// and returns how many were updated. Overlapping calls return 0 at once.
// Each contact fails on its own: a failure is logged and the contact is
// retried in a later pass.
func (e *Engine) Hydrate(ctx context.Context) int {
	if !e.hydrating.CompareAndSwap(false, true) {
		return 0
	}
	defer e.hydrating.Store(false)

	batch := e.hydrationBatch()
	if len(batch) == 0 {
		return 0
	}
	results := make([]bool, len(batch))
	var g errgroup.Group
	for i, conv := range batch {
		g.Go(func() error {
			if err := e.hydrateOne(ctx, conv); err != nil {
				e.log.Warn().Err(err).Str("conversation_id", conv.ID).Msg("Failed to hydrate contact preview")
				return nil
			}
			e.markHydrated(conv.ID)
			results[i] = true
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}

// hydrateOne refreshes one contact from its latest messages. Contacts
// other than the open one are merged into their thread so student messages
// that arrived since the last pass count as unread. The open conversation's
// thread belongs to the poller and only gets its preview updated here.
func (e *Engine) hydrateOne(ctx context.Context, conv Conversation) error {
	raws, err := e.remote.GetChatHistory(ctx, conv.RemoteID)
	if err != nil {
		return err
	}
	msgs := NormalizeMessages(raws, e.normalizeContext(&conv))
	var latest *Message
	for i := range msgs {
		if latest == nil || !msgs[i].CreatedAt.Before(latest.CreatedAt) {
			latest = &msgs[i]
		}
	}
	if latest == nil {
		return nil
	}
	if e.store.Active() != conv.ID {
		if _, ok := e.store.MergeThread(conv.ID, msgs, e.durationOf(&e.matchWindow)); !ok {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, conv.ID)
		}
	}
	e.store.Update(conv.ID, func(c *Conversation) {
		if !latest.CreatedAt.IsZero() && latest.CreatedAt.Before(c.LastMessageAt) {
			return
		}
		c.LastMessagePreview = latest.Text
		if !latest.CreatedAt.IsZero() {
			c.LastMessageAt = latest.CreatedAt
		}
		if latest.Sender == SenderStudent && latest.SenderName != unknownStudentName &&
			c.DisplayName == defaultDisplayName(c.Kind, c.RemoteID) {
			c.DisplayName = latest.SenderName
		}
	})
	return nil
}
