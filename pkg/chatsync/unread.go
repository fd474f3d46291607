package chatsync

import (
	"time"
)

// unreadIncrement counts the arrivals that make a conversation more unread:
// only student messages, and never for the conversation that is open.
func unreadIncrement(arrived []Message, isActive bool) int {
	if isActive {
		return 0
	}
	n := 0
	for i := range arrived {
		if arrived[i].Sender == SenderStudent && !arrived[i].IsOptimistic {
			n++
		}
	}
	return n
}

// syncUnreadViewLocked keeps the unread view membership in line with the
// record's count. New entries go to the front.
func (s *Store) syncUnreadViewLocked(id string) {
	conv, ok := s.convs[id]
	if !ok {
		return
	}
	present := s.inViewLocked(ViewUnread, id)
	switch {
	case conv.UnreadCount > 0 && !present:
		s.views[ViewUnread] = append([]string{id}, s.views[ViewUnread]...)
	case conv.UnreadCount == 0 && present:
		s.removeFromViewLocked(ViewUnread, id)
	}
}

// SyncUnread sets a conversation's unread count together with the preview
// that caused it and reconciles the unread view. A zero time leaves the
// preview untouched.
func (s *Store) SyncUnread(id string, count int, preview string, at time.Time) bool {
	return s.Update(id, func(conv *Conversation) {
		conv.UnreadCount = max(count, 0)
		if !at.IsZero() && !at.Before(conv.LastMessageAt) {
			conv.LastMessagePreview = preview
			conv.LastMessageAt = at
		}
	})
}

// SetActive makes id the open conversation. Its unread count drops to zero
// and it leaves the unread view right away, whatever the server says later.
func (s *Store) SetActive(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	if conv, ok := s.convs[id]; ok {
		conv.UnreadCount = 0
		s.syncUnreadViewLocked(id)
	}
	s.notify()
}

// ClearActive closes the open conversation without touching any counts.
func (s *Store) ClearActive() {
	s.mu.Lock()
	s.active = ""
	s.mu.Unlock()
	s.notify()
}

// ApplyUnreadCategory applies the server's unread list. Listed
// conversations take the server count (at least one). Conversations the
// server no longer lists are cleared unless a message arrived locally after
// the fetch was issued. The open conversation always stays at zero.
func (s *Store) ApplyUnreadCategory(convs []Conversation, issuedAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listed := make(map[string]bool, len(convs))
	order := make([]string, 0, len(convs))
	for _, incoming := range convs {
		if incoming.ID == "" || listed[incoming.ID] {
			continue
		}
		listed[incoming.ID] = true
		conv := s.upsertLocked(incoming)
		if conv.ID == s.active {
			conv.UnreadCount = 0
			continue
		}
		conv.UnreadCount = max(incoming.UnreadCount, 1)
		order = append(order, conv.ID)
	}
	for _, id := range s.views[ViewUnread] {
		if listed[id] {
			continue
		}
		conv, ok := s.convs[id]
		if !ok {
			continue
		}
		if conv.LastMessageAt.After(issuedAt) && conv.UnreadCount > 0 {
			order = append(order, id)
			continue
		}
		conv.UnreadCount = 0
	}
	s.views[ViewUnread] = order
	s.notify()
}

// MergeThread merges a fetched message list into the stored thread for id
// in one step, so provisional messages appended concurrently are never
// lost. The conversation preview follows the newest message and unread
// arrivals are counted. Nothing counts as an arrival on the first load of a
// thread, since that is history rather than new traffic.
func (s *Store) MergeThread(id string, incoming []Message, matchWindow time.Duration) (mergeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return mergeResult{}, false
	}
	loaded := s.loaded[id]
	res := mergeThread(s.threads[id], incoming, matchWindow)
	if res.Thread == nil {
		res.Thread = []Message{}
	}
	s.threads[id] = res.Thread
	s.loaded[id] = true
	if len(res.Thread) > 0 {
		last := res.Thread[len(res.Thread)-1]
		if !last.CreatedAt.IsZero() && !last.CreatedAt.Before(conv.LastMessageAt) {
			conv.LastMessagePreview = last.Text
			conv.LastMessageAt = last.CreatedAt
		}
	}
	if loaded {
		conv.UnreadCount += unreadIncrement(res.Arrived, id == s.active)
	}
	conv.LastMessageTime = FormatRelative(conv.LastMessageAt, s.now())
	s.syncUnreadViewLocked(id)
	s.notify()
	return res, true
}
