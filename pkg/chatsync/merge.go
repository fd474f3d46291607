package chatsync

import (
	"strings"
	"time"
)

// DefaultOptimisticMatchWindow bounds how far apart a provisional message
// and an id-less authoritative copy may be to count as the same send.
const DefaultOptimisticMatchWindow = 2 * time.Minute

type mergeCounters struct {
	Added     int
	Skipped   int
	Confirmed int
}

func (c *mergeCounters) add(other mergeCounters) {
	c.Added += other.Added
	c.Skipped += other.Skipped
	c.Confirmed += other.Confirmed
}

type mergeResult struct {
	Thread []Message
	// Arrived holds the authoritative messages that were not known before,
	// in merge order. Messages that confirmed a provisional copy are not
	// included.
	Arrived []Message
	mergeCounters
}

// Merge integrates a fetched message list into an existing thread. Known
// messages are skipped, new ones are appended in backend order, and any
// provisional message whose authoritative copy arrived is dropped.
// An empty incoming list returns existing unchanged.
func Merge(existing, incoming []Message) []Message {
	return mergeThread(existing, incoming, DefaultOptimisticMatchWindow).Thread
}

func mergeThread(existing, incoming []Message, matchWindow time.Duration) mergeResult {
	if len(incoming) == 0 {
		return mergeResult{Thread: existing}
	}
	known := make(map[string]struct{}, len(existing)+len(incoming))
	thread := make([]Message, 0, len(existing)+len(incoming))
	var pending []Message
	for _, msg := range existing {
		if msg.IsOptimistic {
			pending = append(pending, msg)
			continue
		}
		key := msg.DedupKey()
		if _, dup := known[key]; dup {
			continue
		}
		known[key] = struct{}{}
		thread = append(thread, msg)
	}

	var res mergeResult
	for _, msg := range incoming {
		if msg.IsOptimistic || (msg.ID == "" && msg.Text == "" && msg.CreatedAt.IsZero()) {
			res.Skipped++
			continue
		}
		key := msg.DedupKey()
		if _, dup := known[key]; dup {
			res.Skipped++
			continue
		}
		known[key] = struct{}{}
		if idx := matchOptimistic(pending, &msg, key, matchWindow); idx >= 0 {
			pending = append(pending[:idx], pending[idx+1:]...)
			res.Confirmed++
		} else {
			res.Added++
			res.Arrived = append(res.Arrived, msg)
		}
		thread = insertChronological(thread, msg)
	}
	res.Thread = append(thread, pending...)
	return res
}

// matchOptimistic finds the provisional message the authoritative msg
// confirms: by server id when the send returned one, otherwise by same
// text from the teacher within the match window.
func matchOptimistic(pending []Message, msg *Message, key string, window time.Duration) int {
	for i := range pending {
		if pending[i].ServerID != "" && pending[i].DedupKey() == key {
			return i
		}
	}
	if msg.Sender != SenderTeacher {
		return -1
	}
	text := strings.TrimSpace(msg.Text)
	for i := range pending {
		opt := &pending[i]
		if opt.ServerID != "" && msg.ID != "" {
			continue
		}
		if strings.TrimSpace(opt.Text) != text {
			continue
		}
		if msg.CreatedAt.IsZero() || absDuration(msg.CreatedAt.Sub(opt.CreatedAt)) <= window {
			return i
		}
	}
	return -1
}

// insertChronological appends msg, or places it after the last message
// that is not newer when the backend delivered it late. Messages already
// in the thread keep their relative order.
func insertChronological(thread []Message, msg Message) []Message {
	if msg.CreatedAt.IsZero() || len(thread) == 0 {
		return append(thread, msg)
	}
	last := len(thread) - 1
	if thread[last].CreatedAt.IsZero() || !thread[last].CreatedAt.After(msg.CreatedAt) {
		return append(thread, msg)
	}
	pos := 0
	for i := last; i >= 0; i-- {
		if !thread[i].CreatedAt.IsZero() && !thread[i].CreatedAt.After(msg.CreatedAt) {
			pos = i + 1
			break
		}
	}
	thread = append(thread, Message{})
	copy(thread[pos+1:], thread[pos:])
	thread[pos] = msg
	return thread
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
