package chatsync

import (
	"strconv"
	"strings"
	"time"
)

type ConversationKind string

const (
	KindGroup   ConversationKind = "group"
	KindStudent ConversationKind = "student"
)

type SenderRole string

const (
	SenderTeacher SenderRole = "teacher"
	SenderStudent SenderRole = "student"
)

type MessageType string

const (
	MessageText     MessageType = "text"
	MessageFeedback MessageType = "feedback"
	MessageAudio    MessageType = "audio"
	MessageImage    MessageType = "image"
)

// Conversation is one addressable thread. Groups and students share the
// same record type; Kind decides which primary view a conversation lives in.
type Conversation struct {
	ID   string
	Kind ConversationKind

	// RemoteID is the backend identifier used for API calls: the group id
	// for groups, the participant's user id for students.
	RemoteID string

	DisplayName string
	Subtitle    string

	LastMessagePreview string
	LastMessageTime    string
	LastMessageAt      time.Time

	UnreadCount int
	IsFavorite  bool
}

// Message is the canonical shape of a remote or provisional message.
type Message struct {
	// ID is the backend id. Empty when the backend did not supply one.
	ID string
	// LocalID identifies a provisional message until it is confirmed.
	LocalID string
	// ServerID is set on a provisional message once the send call
	// returned the persisted record's id.
	ServerID string

	ConversationID string
	Sender         SenderRole
	SenderID       string
	SenderName     string

	Text string
	Type MessageType

	CreatedAt   time.Time
	DisplayTime string

	IsOptimistic bool
}

// DedupKey is the identity used to recognize the same logical message
// across fetches. Backend ids win; otherwise a composite of sender, text
// and timestamp is used. The composite is never persisted as an id.
func (m *Message) DedupKey() string {
	if m.IsOptimistic {
		if m.ServerID != "" {
			return "id:" + m.ServerID
		}
		return "local:" + m.LocalID
	}
	if m.ID != "" {
		return "id:" + m.ID
	}
	sender := m.SenderID
	if sender == "" {
		sender = string(m.Sender)
	}
	var ts string
	if !m.CreatedAt.IsZero() {
		ts = strconv.FormatInt(m.CreatedAt.UnixMilli(), 10)
	}
	return "c:" + sender + "\x00" + strings.TrimSpace(m.Text) + "\x00" + ts
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
