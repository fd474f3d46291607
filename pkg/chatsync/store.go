package chatsync

import (
	"slices"
	"sync"
	"time"
)

// View names one of the categorized conversation collections.
type View string

const (
	ViewGroups    View = "groups"
	ViewStudents  View = "students"
	ViewFavorites View = "favorites"
	ViewUnread    View = "unread"
)

var allViews = []View{ViewGroups, ViewStudents, ViewFavorites, ViewUnread}

// primaryView is the authoritative category for a conversation kind.
func primaryView(kind ConversationKind) View {
	if kind == KindGroup {
		return ViewGroups
	}
	return ViewStudents
}

// Store holds every known conversation exactly once, keyed by id. The
// four views are ordered id lists over that single index, so a field
// change is visible from every view at once. Threads live next to the
// conversations they belong to.
type Store struct {
	mu      sync.RWMutex
	convs   map[string]*Conversation
	views   map[View][]string
	threads map[string][]Message
	// loaded marks threads that went through at least one fetch merge.
	// A provisional message alone does not load a thread.
	loaded  map[string]bool
	active  string

	changes chan struct{}
	now     func() time.Time
}

func NewStore() *Store {
	s := &Store{
		convs:   make(map[string]*Conversation),
		views:   make(map[View][]string, len(allViews)),
		threads: make(map[string][]Message),
		loaded:  make(map[string]bool),
		changes: make(chan struct{}, 1),
		now:     time.Now,
	}
	return s
}

// Changes is signalled after mutations. Signals coalesce: observers
// should re-read whatever they display when it fires.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Store) inViewLocked(view View, id string) bool {
	return slices.Contains(s.views[view], id)
}

func (s *Store) removeFromViewLocked(view View, id string) bool {
	ids := s.views[view]
	idx := slices.Index(ids, id)
	if idx < 0 {
		return false
	}
	s.views[view] = slices.Delete(slices.Clone(ids), idx, idx+1)
	return true
}

// Find looks a conversation up across all views, first match wins.
func (s *Store) Find(id string) (Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, view := range allViews {
		if s.inViewLocked(view, id) {
			return *s.convs[id], true
		}
	}
	return Conversation{}, false
}

// ViewOf returns a snapshot of a view in display order.
func (s *Store) ViewOf(view View) []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.views[view]
	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		if conv, ok := s.convs[id]; ok {
			out = append(out, *conv)
		}
	}
	return out
}

// Contains reports whether id is currently a member of view.
func (s *Store) Contains(view View, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.inViewLocked(view, id)
}

// Update applies patch to the conversation wherever it appears. The
// relative time is recomputed and unread membership re-derived afterwards.
// It returns false when the id is unknown.
func (s *Store) Update(id string, patch func(conv *Conversation)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return false
	}
	patch(conv)
	conv.ID = id
	conv.UnreadCount = max(conv.UnreadCount, 0)
	conv.LastMessageTime = FormatRelative(conv.LastMessageAt, s.now())
	s.syncUnreadViewLocked(id)
	s.notify()
	return true
}

// upsertLocked inserts or refreshes a conversation from a category fetch
// and makes sure it is listed in its primary view. Fields the engine owns
// locally (unread count, newer previews) are not regressed by list data.
func (s *Store) upsertLocked(incoming Conversation) *Conversation {
	existing, ok := s.convs[incoming.ID]
	if !ok {
		conv := incoming
		conv.LastMessageTime = FormatRelative(conv.LastMessageAt, s.now())
		if conv.ID == s.active {
			conv.UnreadCount = 0
		}
		s.convs[conv.ID] = &conv
		view := primaryView(conv.Kind)
		s.views[view] = append(slices.Clone(s.views[view]), conv.ID)
		s.syncUnreadViewLocked(conv.ID)
		return &conv
	}
	if incoming.DisplayName != "" {
		existing.DisplayName = incoming.DisplayName
	}
	if incoming.Subtitle != "" {
		existing.Subtitle = incoming.Subtitle
	}
	if incoming.RemoteID != "" {
		existing.RemoteID = incoming.RemoteID
	}
	if incoming.LastMessagePreview != "" && !incoming.LastMessageAt.Before(existing.LastMessageAt) {
		existing.LastMessagePreview = incoming.LastMessagePreview
		existing.LastMessageAt = incoming.LastMessageAt
	}
	existing.LastMessageTime = FormatRelative(existing.LastMessageAt, s.now())
	return existing
}

// ReplaceView applies a fresh category fetch. Primary views take the
// fetched order and keep previously known members after it, since the
// client never deletes conversations. The favorites view is replaced
// outright and drives the IsFavorite flag.
func (s *Store) ReplaceView(view View, convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order := make([]string, 0, len(convs))
	seen := make(map[string]bool, len(convs))
	for _, incoming := range convs {
		if incoming.ID == "" || seen[incoming.ID] {
			continue
		}
		seen[incoming.ID] = true
		conv := s.upsertLocked(incoming)
		if view == ViewFavorites {
			conv.IsFavorite = true
		}
		if view == primaryView(conv.Kind) || view == ViewFavorites {
			order = append(order, conv.ID)
		}
	}
	switch view {
	case ViewFavorites:
		for _, id := range s.views[ViewFavorites] {
			if !seen[id] {
				if conv, ok := s.convs[id]; ok {
					conv.IsFavorite = false
				}
			}
		}
		s.views[ViewFavorites] = order
	case ViewGroups, ViewStudents:
		for _, id := range s.views[view] {
			if !seen[id] {
				order = append(order, id)
			}
		}
		s.views[view] = order
	}
	s.notify()
}

// Thread returns a copy of the conversation's message sequence.
func (s *Store) Thread(id string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneMessages(s.threads[id])
}

// Active returns the id of the open conversation, if any.
func (s *Store) Active() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// TotalUnread sums unread counts over all known conversations, each
// identity counted once no matter how many views list it.
func (s *Store) TotalUnread() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, conv := range s.convs {
		total += conv.UnreadCount
	}
	return total
}

// appendOptimistic adds a provisional message at the tail of a thread and
// moves the conversation preview to it.
func (s *Store) appendOptimistic(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[msg.ConversationID]
	if !ok {
		return false
	}
	s.threads[msg.ConversationID] = append(cloneMessages(s.threads[msg.ConversationID]), msg)
	conv.LastMessagePreview = msg.Text
	conv.LastMessageAt = msg.CreatedAt
	conv.LastMessageTime = FormatRelative(msg.CreatedAt, s.now())
	s.notify()
	return true
}

// confirmOptimistic records the server id a provisional message was
// persisted under, so the next merge can match it by id.
func (s *Store) confirmOptimistic(convID, localID, serverID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.threads[convID]
	for i := range thread {
		if thread[i].IsOptimistic && thread[i].LocalID == localID {
			thread[i].ServerID = serverID
			return
		}
	}
}

// removeOptimistic rolls a provisional message back. The conversation
// preview is left as is.
func (s *Store) removeOptimistic(convID, localID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	thread := s.threads[convID]
	idx := slices.IndexFunc(thread, func(m Message) bool {
		return m.IsOptimistic && m.LocalID == localID
	})
	if idx < 0 {
		return false
	}
	s.threads[convID] = slices.Delete(cloneMessages(thread), idx, idx+1)
	s.notify()
	return true
}
