// classchat - A teacher-facing conversation sync engine.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/classchat/pkg/sidecache"
	"github.com/lrhodin/classchat/pkg/teacherapi"
)

// Remote is the REST collaborator the engine polls. Every call may fail
// with a transport error or a *teacherapi.HTTPError.
type Remote interface {
	ListConversations(ctx context.Context, category teacherapi.Category) ([]json.RawMessage, error)
	ListContacts(ctx context.Context, role string) ([]json.RawMessage, error)
	GetChatHistory(ctx context.Context, participantID string) ([]json.RawMessage, error)
	GetMessages(ctx context.Context, conversationID string, page, limit int) ([]json.RawMessage, error)
	SendMessage(ctx context.Context, req teacherapi.SendRequest) (json.RawMessage, error)
	MarkRead(ctx context.Context, conversationID string) error
	UnreadCount(ctx context.Context) (int, error)
}

var _ Remote = (*teacherapi.Client)(nil)

// Engine wires the store, scheduler, composer and hydrator to a Remote.
type Engine struct {
	log      zerolog.Logger
	remote   Remote
	store    *Store
	cache    sidecache.Cache
	identity Identity
	sentinel string
	now      func() time.Time

	messagePollInterval  atomic.Int64
	categoryPollInterval atomic.Int64
	hydrationInterval    atomic.Int64
	hydrationBatchSize   atomic.Int64
	groupPageSize        atomic.Int64
	matchWindow          atomic.Int64

	// Scheduler state, see scheduler.go.
	pollMu      sync.Mutex
	polls       map[string]*threadPoll
	stopPoll    context.CancelFunc
	mergeTotals mergeCounters

	categoryMu  sync.Mutex
	categorySeq map[View]uint64

	composersLock sync.Mutex
	composers     map[string]*Composer

	hydrating       atomic.Bool
	hydratedLock    sync.Mutex
	hydrated        map[string]bool
	hydrationCursor int
	hydrationKick   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	wg       sync.WaitGroup
}

// NewEngine builds an engine. cache may be nil.
func NewEngine(cfg *Config, remote Remote, cache sidecache.Cache, identity Identity, log zerolog.Logger) *Engine {
	if cache == nil {
		cache = sidecache.Noop{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		log:           log.With().Str("component", "chatsync").Logger(),
		remote:        remote,
		store:         NewStore(),
		cache:         cache,
		identity:      identity,
		sentinel:      cfg.Normalizer.SentinelSenderID,
		now:           time.Now,
		polls:         make(map[string]*threadPoll),
		categorySeq:   make(map[View]uint64),
		composers:     make(map[string]*Composer),
		hydrated:      make(map[string]bool),
		hydrationKick: make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
		stopChan:      make(chan struct{}),
	}
	e.ApplyConfig(cfg)
	return e
}

// ApplyConfig updates the tunables of a running engine.
func (e *Engine) ApplyConfig(cfg *Config) {
	e.messagePollInterval.Store(int64(cfg.Sync.MessagePollInterval))
	e.categoryPollInterval.Store(int64(cfg.Sync.CategoryPollInterval))
	e.groupPageSize.Store(int64(cfg.Sync.GroupPageSize))
	e.hydrationInterval.Store(int64(cfg.Hydration.Interval))
	e.hydrationBatchSize.Store(int64(cfg.Hydration.BatchSize))
	e.matchWindow.Store(int64(cfg.Normalizer.OptimisticMatchWindow))
}

func (e *Engine) Store() *Store {
	return e.store
}

func (e *Engine) Identity() Identity {
	return e.identity
}

// Run primes the students view from the side cache and starts the
// category and hydration loops. It returns immediately.
func (e *Engine) Run(ctx context.Context) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	e.primeFromCache(ctx)
	e.wg.Add(2)
	go e.categoryLoop(e.log.With().Str("loop", "categories").Logger())
	go e.hydrationLoop(e.log.With().Str("loop", "hydration").Logger())
	return nil
}

// Stop ends every loop and waits for them. In-flight requests are
// abandoned.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.pollMu.Lock()
		e.stopped.Store(true)
		if e.stopPoll != nil {
			e.stopPoll()
			e.stopPoll = nil
		}
		e.pollMu.Unlock()
		close(e.stopChan)
		e.cancel()
	})
	e.wg.Wait()
}

func (e *Engine) durationOf(v *atomic.Int64) time.Duration {
	return time.Duration(v.Load())
}

// normalizeContext is the identity context for messages of conv.
func (e *Engine) normalizeContext(conv *Conversation) NormalizeContext {
	nc := e.identity.normalizeContext(e.sentinel)
	nc.ConversationID = conv.ID
	nc.Now = e.now()
	if conv.Kind == KindStudent {
		nc.ParticipantID = conv.RemoteID
		nc.ParticipantName = conv.DisplayName
	}
	return nc
}

type categoryFetch struct {
	view     View
	category teacherapi.Category
	hint     ConversationKind
}

var categoryFetches = []categoryFetch{
	{view: ViewGroups, category: teacherapi.CategoryGroups, hint: KindGroup},
	{view: ViewStudents},
	{view: ViewFavorites, category: teacherapi.CategoryFavorites},
	{view: ViewUnread, category: teacherapi.CategoryUnread},
}

// RefreshCategories fetches every category concurrently. A failing
// category leaves its view as it was and does not affect the others; the
// returned error joins the individual failures.
func (e *Engine) RefreshCategories(ctx context.Context) error {
	var g errgroup.Group
	errs := make([]error, len(categoryFetches))
	for i, fetch := range categoryFetches {
		g.Go(func() error {
			errs[i] = e.refreshCategory(ctx, fetch)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (e *Engine) nextCategorySeq(view View) uint64 {
	e.categoryMu.Lock()
	defer e.categoryMu.Unlock()
	e.categorySeq[view]++
	return e.categorySeq[view]
}

func (e *Engine) refreshCategory(ctx context.Context, fetch categoryFetch) error {
	log := e.log.With().Str("category", string(fetch.view)).Logger()
	seq := e.nextCategorySeq(fetch.view)
	issuedAt := e.now()

	var raws []json.RawMessage
	var err error
	if fetch.view == ViewStudents {
		raws, err = e.remote.ListContacts(ctx, teacherapi.RoleStudent)
	} else {
		raws, err = e.remote.ListConversations(ctx, fetch.category)
	}
	if err != nil {
		if fetch.view == ViewUnread && teacherapi.IsFeatureUnavailable(err) {
			log.Debug().Err(err).Msg("Unread category unavailable, keeping local counts")
			return nil
		}
		log.Warn().Err(err).Msg("Failed to fetch conversation category")
		return fmt.Errorf("failed to fetch %s: %w", fetch.view, err)
	}

	now := e.now()
	convs := make([]Conversation, 0, len(raws))
	for _, raw := range raws {
		var conv Conversation
		var ok bool
		if fetch.view == ViewStudents {
			conv, ok = NormalizeContact(raw, now)
		} else {
			conv, ok = NormalizeConversation(raw, fetch.hint, now)
		}
		if !ok {
			log.Debug().RawJSON("record", raw).Msg("Skipping conversation record without id")
			continue
		}
		convs = append(convs, conv)
	}

	e.categoryMu.Lock()
	if e.categorySeq[fetch.view] != seq {
		e.categoryMu.Unlock()
		log.Debug().Uint64("seq", seq).Msg("Discarding superseded category response")
		return nil
	}
	switch fetch.view {
	case ViewUnread:
		e.store.ApplyUnreadCategory(convs, issuedAt)
	default:
		e.store.ReplaceView(fetch.view, convs)
	}
	e.categoryMu.Unlock()
	log.Debug().Int("count", len(convs)).Msg("Applied conversation category")
	if fetch.view == ViewStudents {
		e.saveContactCache(ctx, log, convs)
		e.kickHydrator()
	}
	return nil
}

// ServerUnreadTotal asks the backend for its global unread counter. An
// account without that endpoint reports zero.
func (e *Engine) ServerUnreadTotal(ctx context.Context) (int, error) {
	n, err := e.remote.UnreadCount(ctx)
	if teacherapi.IsFeatureUnavailable(err) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to fetch unread count: %w", err)
	}
	return max(n, 0), nil
}

func (e *Engine) categoryLoop(log zerolog.Logger) {
	defer e.wg.Done()
	for {
		if err := e.RefreshCategories(e.ctx); err != nil {
			log.Debug().Err(err).Msg("Category refresh finished with errors")
		}
		timer := time.NewTimer(e.durationOf(&e.categoryPollInterval))
		select {
		case <-timer.C:
		case <-e.stopChan:
			timer.Stop()
			return
		}
	}
}

// MergeStats returns the merge counters accumulated over all thread syncs.
func (e *Engine) MergeStats() (added, skipped, confirmed int) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	return e.mergeTotals.Added, e.mergeTotals.Skipped, e.mergeTotals.Confirmed
}

type cachedContact struct {
	ID          string    `msgpack:"id"`
	RemoteID    string    `msgpack:"remote_id"`
	DisplayName string    `msgpack:"display_name"`
	Subtitle    string    `msgpack:"subtitle"`
	Preview     string    `msgpack:"preview"`
	PreviewAt   time.Time `msgpack:"preview_at"`
}

func (e *Engine) contactCacheKey() string {
	return "contacts:" + e.identity.UserID
}

// primeFromCache fills an empty students view from the side cache. The
// entries are replaced by the first successful contact fetch.
func (e *Engine) primeFromCache(ctx context.Context) {
	if len(e.store.ViewOf(ViewStudents)) > 0 {
		return
	}
	var cached []cachedContact
	err := e.cache.Get(ctx, e.contactCacheKey(), &cached)
	if errors.Is(err, sidecache.ErrMiss) {
		return
	} else if err != nil {
		e.log.Warn().Err(err).Msg("Failed to read contact cache")
		return
	}
	convs := make([]Conversation, 0, len(cached))
	for _, c := range cached {
		convs = append(convs, Conversation{
			ID:                 c.ID,
			Kind:               KindStudent,
			RemoteID:           c.RemoteID,
			DisplayName:        c.DisplayName,
			Subtitle:           c.Subtitle,
			LastMessagePreview: c.Preview,
			LastMessageAt:      c.PreviewAt,
		})
	}
	e.store.ReplaceView(ViewStudents, convs)
	e.log.Debug().Int("count", len(convs)).Msg("Primed students from contact cache")
}

func (e *Engine) saveContactCache(ctx context.Context, log zerolog.Logger, convs []Conversation) {
	cached := make([]cachedContact, 0, len(convs))
	for _, conv := range convs {
		cached = append(cached, cachedContact{
			ID:          conv.ID,
			RemoteID:    conv.RemoteID,
			DisplayName: conv.DisplayName,
			Subtitle:    conv.Subtitle,
			Preview:     conv.LastMessagePreview,
			PreviewAt:   conv.LastMessageAt,
		})
	}
	if err := e.cache.Set(ctx, e.contactCacheKey(), cached); err != nil {
		log.Warn().Err(err).Msg("Failed to update contact cache")
	}
}

// InvalidateContactCache drops the cached contact list for this identity.
func (e *Engine) InvalidateContactCache(ctx context.Context) error {
	return e.cache.Invalidate(ctx, e.contactCacheKey())
}
