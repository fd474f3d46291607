package chatsync

import (
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/tidwall/gjson"
)

const (
	unknownSenderName  = "Unknown"
	unknownStudentName = "Student"
)

// NormalizeContext is the identity context a raw message is interpreted in.
type NormalizeContext struct {
	CurrentUserID   string
	CurrentUserRole string
	CurrentUserName string

	ConversationID  string
	ParticipantID   string
	ParticipantName string

	// SentinelSenderID is the backend's placeholder sender id that really
	// means "the teacher". Empty disables that rule.
	SentinelSenderID string

	Now time.Time
}

// senderRule records which step of the fallback chain attributed a message.
type senderRule int

const (
	ruleSelfFlag senderRule = iota + 1
	ruleRoleField
	ruleIdentityMatch
	ruleRecipient
	ruleSentinel
	ruleDefault
)

var (
	selfFlagPaths  = []string{"isCurrentUser", "isMine", "isOwn", "fromMe", "is_from_me", "isSender"}
	rolePaths      = []string{"senderRole", "sender.role", "sender_role", "role"}
	senderIDPaths  = []string{"senderId", "sender_id", "sender.id", "sender._id", "fromId", "from", "sender", "userId"}
	recipientPaths = []string{"recipientId", "receiverId", "receiver_id", "recipient_id", "recipient.id", "receiver.id", "to"}
	textPaths      = []string{"content", "text", "message", "body"}
	messageIDPaths = []string{"id", "_id", "messageId", "message_id"}
	createdAtPaths = []string{"createdAt", "created_at", "timestamp", "sentAt", "sent_at", "date"}
	typePaths      = []string{"type", "messageType", "message_type", "kind"}
	mimePaths      = []string{"mimeType", "mime_type", "attachment.mimeType", "attachment.type", "fileType", "contentType"}
)

// firstString returns the first path holding a scalar string or number.
// Objects and arrays are skipped so "sender" can be either an id or a
// nested record.
func firstString(res gjson.Result, paths ...string) string {
	for _, path := range paths {
		v := res.Get(path)
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstBool(res gjson.Result, paths ...string) (value, ok bool) {
	for _, path := range paths {
		v := res.Get(path)
		if v.Type == gjson.True || v.Type == gjson.False {
			return v.Bool(), true
		}
	}
	return false, false
}

func personName(res gjson.Result, prefixes ...string) string {
	for _, prefix := range prefixes {
		p := prefix
		if p != "" {
			p += "."
		}
		if full := firstString(res, p+"fullName", p+"full_name", p+"name", p+"displayName"); full != "" {
			return full
		}
		first := firstString(res, p+"firstName", p+"first_name")
		last := firstString(res, p+"lastName", p+"last_name")
		if name := strings.TrimSpace(first + " " + last); name != "" {
			return name
		}
		if prefix != "" {
			if username := firstString(res, p+"username"); username != "" {
				return username
			}
		}
	}
	return ""
}

// ParseTimestamp accepts RFC 3339 strings, common SQL-ish layouts and
// unix seconds or milliseconds. Unparseable values yield the zero time.
func ParseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return unixAuto(v.Int())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n)
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

func unixAuto(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func firstTime(res gjson.Result, paths ...string) time.Time {
	for _, path := range paths {
		if t := ParseTimestamp(res.Get(path)); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func resolveMessageType(res gjson.Result) MessageType {
	if isFeedback, ok := firstBool(res, "isFeedback", "is_feedback"); ok && isFeedback {
		return MessageFeedback
	}
	switch strings.ToUpper(firstString(res, typePaths...)) {
	case "FEEDBACK", "REVIEW":
		return MessageFeedback
	case "AUDIO", "VOICE", "VOICE_NOTE":
		return MessageAudio
	case "IMAGE", "PHOTO", "PICTURE":
		return MessageImage
	case "TEXT":
		return MessageText
	}
	if raw := firstString(res, mimePaths...); raw != "" {
		return messageTypeFromMIME(raw)
	}
	return MessageText
}

func messageTypeFromMIME(raw string) MessageType {
	name := strings.ToLower(strings.TrimSpace(raw))
	if base, _, found := strings.Cut(name, ";"); found {
		name = strings.TrimSpace(base)
	}
	if known := mimetype.Lookup(name); known != nil {
		name = known.String()
	}
	switch {
	case strings.HasPrefix(name, "audio/"):
		return MessageAudio
	case strings.HasPrefix(name, "image/"):
		return MessageImage
	}
	return MessageText
}

func roleFromField(role string) (SenderRole, bool) {
	switch strings.ToUpper(role) {
	case "TEACHER":
		return SenderTeacher, true
	case "STUDENT":
		return SenderStudent, true
	}
	return "", false
}

// resolveSender applies the ordered fallback chain. The first applicable
// rule wins; the default attributes the message to the teacher.
func resolveSender(res gjson.Result, nc *NormalizeContext) (SenderRole, senderRule) {
	if isSelf, ok := firstBool(res, selfFlagPaths...); ok {
		if isSelf {
			return SenderTeacher, ruleSelfFlag
		}
		return SenderStudent, ruleSelfFlag
	}
	if role, ok := roleFromField(firstString(res, rolePaths...)); ok {
		return role, ruleRoleField
	}
	senderID := firstString(res, senderIDPaths...)
	if senderID != "" {
		if nc.CurrentUserID != "" && senderID == nc.CurrentUserID {
			return SenderTeacher, ruleIdentityMatch
		}
		if nc.ParticipantID != "" && senderID == nc.ParticipantID {
			return SenderStudent, ruleIdentityMatch
		}
	}
	if recipientID := firstString(res, recipientPaths...); recipientID != "" {
		if nc.CurrentUserID != "" && recipientID == nc.CurrentUserID {
			return SenderStudent, ruleRecipient
		}
		if nc.ParticipantID != "" && recipientID == nc.ParticipantID {
			return SenderTeacher, ruleRecipient
		}
	}
	if nc.SentinelSenderID != "" && senderID == nc.SentinelSenderID && nc.CurrentUserID != nc.SentinelSenderID {
		return SenderTeacher, ruleSentinel
	}
	return SenderTeacher, ruleDefault
}

// NormalizeMessage converts one raw backend message record into a Message.
// It never fails: missing fields get safe defaults.
func NormalizeMessage(raw []byte, nc NormalizeContext) Message {
	var res gjson.Result
	if gjson.ValidBytes(raw) {
		res = gjson.ParseBytes(raw)
	}
	now := nc.Now
	if now.IsZero() {
		now = time.Now()
	}
	sender, rule := resolveSender(res, &nc)
	msg := Message{
		ID:             firstString(res, messageIDPaths...),
		ConversationID: nc.ConversationID,
		Sender:         sender,
		SenderID:       firstString(res, senderIDPaths...),
		Text:           firstString(res, textPaths...),
		Type:           resolveMessageType(res),
		CreatedAt:      firstTime(res, createdAtPaths...),
	}
	msg.DisplayTime = FormatClock(msg.CreatedAt, now)

	isSelf := sender == SenderTeacher && (rule != ruleRoleField || msg.SenderID == "" || msg.SenderID == nc.CurrentUserID)
	switch {
	case isSelf && nc.CurrentUserName != "":
		msg.SenderName = nc.CurrentUserName
	default:
		msg.SenderName = firstString(res, "senderName", "sender_name")
		if msg.SenderName == "" {
			msg.SenderName = personName(res, "sender", "from", "user")
		}
		if msg.SenderName == "" && sender == SenderStudent {
			msg.SenderName = nc.ParticipantName
		}
	}
	if msg.SenderName == "" {
		if sender == SenderStudent {
			msg.SenderName = unknownStudentName
		} else {
			msg.SenderName = unknownSenderName
		}
	}
	if isSelf && msg.SenderID == "" {
		msg.SenderID = nc.CurrentUserID
	}
	return msg
}

// NormalizeMessages shapes a whole fetch. Records are kept in backend order.
func NormalizeMessages[T ~[]byte](raw []T, nc NormalizeContext) []Message {
	out := make([]Message, 0, len(raw))
	for _, record := range raw {
		out = append(out, NormalizeMessage(record, nc))
	}
	return out
}

func GroupConversationID(groupID string) string {
	return "group:" + groupID
}

func StudentConversationID(userID string) string {
	return "student:" + userID
}

var (
	groupIDPaths       = []string{"groupId", "group_id", "group.id", "classId", "class_id"}
	participantIDPaths = []string{"participantId", "participant_id", "participant.id", "otherUser.id", "otherUserId", "student.id", "studentId", "user.id", "userId", "recipientId"}
	groupNamePaths     = []string{"name", "title", "groupName", "group.name", "className", "class.name"}
	previewPaths       = []string{"lastMessage.content", "lastMessage.text", "lastMessage", "lastMessagePreview", "last_message", "preview"}
	previewTimePaths   = []string{"lastMessage.createdAt", "lastMessage.created_at", "lastMessageAt", "last_message_at", "updatedAt", "updated_at"}
	unreadPaths        = []string{"unreadCount", "unread_count", "unread"}
	favoritePaths      = []string{"isFavorite", "is_favorite", "favorite"}
	coursePaths        = []string{"courses.#.name", "courses.#.title", "classes.#.name", "managedCourses.#.name", "enrolledClasses.#.name", "groups.#.name"}
)

func conversationKind(res gjson.Result, hint ConversationKind) ConversationKind {
	if isGroup, ok := firstBool(res, "isGroup", "is_group"); ok {
		if isGroup {
			return KindGroup
		}
		return KindStudent
	}
	switch strings.ToUpper(firstString(res, "type", "conversationType", "kind", "chatType")) {
	case "GROUP", "CLASS", "COURSE":
		return KindGroup
	case "DIRECT", "PRIVATE", "STUDENT", "ONE_TO_ONE", "DM":
		return KindStudent
	}
	if firstString(res, groupIDPaths...) != "" {
		return KindGroup
	}
	if hint != "" {
		return hint
	}
	if firstString(res, participantIDPaths...) != "" {
		return KindStudent
	}
	return KindGroup
}

func joinStrings(res gjson.Result, paths ...string) string {
	for _, path := range paths {
		v := res.Get(path)
		if !v.IsArray() {
			continue
		}
		var names []string
		seen := make(map[string]bool)
		for _, item := range v.Array() {
			name := strings.TrimSpace(item.String())
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			names = append(names, name)
		}
		if len(names) > 0 {
			return strings.Join(names, ", ")
		}
	}
	return ""
}

func fillPreview(conv *Conversation, res gjson.Result, now time.Time) {
	conv.LastMessagePreview = firstString(res, previewPaths...)
	conv.LastMessageAt = firstTime(res, previewTimePaths...)
	conv.LastMessageTime = FormatRelative(conv.LastMessageAt, now)
	for _, path := range unreadPaths {
		if v := res.Get(path); v.Type == gjson.Number {
			conv.UnreadCount = max(int(v.Int()), 0)
			break
		}
	}
	conv.IsFavorite, _ = firstBool(res, favoritePaths...)
}

// NormalizeConversation shapes a conversation record from a category
// list. hint is used when the record does not say what it is. The second
// return value is false when no usable id could be found.
func NormalizeConversation(raw []byte, hint ConversationKind, now time.Time) (Conversation, bool) {
	if !gjson.ValidBytes(raw) {
		return Conversation{}, false
	}
	res := gjson.ParseBytes(raw)
	var conv Conversation
	conv.Kind = conversationKind(res, hint)
	switch conv.Kind {
	case KindGroup:
		conv.RemoteID = firstString(res, groupIDPaths...)
		if conv.RemoteID == "" {
			conv.RemoteID = firstString(res, "id", "_id", "conversationId")
		}
		if conv.RemoteID == "" {
			return Conversation{}, false
		}
		conv.ID = GroupConversationID(conv.RemoteID)
		conv.DisplayName = firstString(res, groupNamePaths...)
		conv.Subtitle = firstString(res, "teacher.name", "teacherName", "teacher_name")
		if conv.Subtitle == "" {
			conv.Subtitle = personName(res, "teacher")
		}
		if conv.Subtitle == "" {
			conv.Subtitle = firstString(res, "course.name", "courseName", "subject")
		}
	default:
		conv.RemoteID = firstString(res, participantIDPaths...)
		if conv.RemoteID == "" {
			return Conversation{}, false
		}
		conv.ID = StudentConversationID(conv.RemoteID)
		conv.DisplayName = personName(res, "participant", "otherUser", "student", "user")
		if conv.DisplayName == "" {
			conv.DisplayName = firstString(res, "participantName", "name", "title")
		}
		conv.Subtitle = joinStrings(res, prefixed(coursePaths, "participant.", "student.", "")...)
		if conv.Subtitle == "" {
			conv.Subtitle = firstString(res, "className", "course", "courseName")
		}
	}
	if conv.DisplayName == "" {
		conv.DisplayName = defaultDisplayName(conv.Kind, conv.RemoteID)
	}
	fillPreview(&conv, res, now)
	return conv, true
}

// NormalizeContact turns a user record into a student conversation that
// may not have any message yet.
func NormalizeContact(raw []byte, now time.Time) (Conversation, bool) {
	if !gjson.ValidBytes(raw) {
		return Conversation{}, false
	}
	res := gjson.ParseBytes(raw)
	userID := firstString(res, "id", "_id", "userId", "user_id")
	if userID == "" {
		return Conversation{}, false
	}
	conv := Conversation{
		ID:       StudentConversationID(userID),
		Kind:     KindStudent,
		RemoteID: userID,
	}
	conv.DisplayName = personName(res, "")
	if conv.DisplayName == "" {
		conv.DisplayName = firstString(res, "username", "email")
	}
	if conv.DisplayName == "" {
		conv.DisplayName = defaultDisplayName(KindStudent, userID)
	}
	conv.Subtitle = joinStrings(res, coursePaths...)
	if conv.Subtitle == "" {
		conv.Subtitle = firstString(res, "className", "class.name", "grade")
	}
	fillPreview(&conv, res, now)
	return conv, true
}

func prefixed(paths []string, prefixes ...string) []string {
	out := make([]string, 0, len(paths)*len(prefixes))
	for _, prefix := range prefixes {
		for _, path := range paths {
			out = append(out, prefix+path)
		}
	}
	return out
}

func defaultDisplayName(kind ConversationKind, remoteID string) string {
	if kind == KindGroup {
		return "Group " + remoteID
	}
	return unknownStudentName + " " + remoteID
}
