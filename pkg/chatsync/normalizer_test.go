package chatsync

import (
	"testing"
	"time"

	"github.com/tidwall/gjson"
)

func parseForTest(raw string) gjson.Result {
	return gjson.Parse(raw)
}

func teacherContext() NormalizeContext {
	return NormalizeContext{
		CurrentUserID:    "t1",
		CurrentUserRole:  "TEACHER",
		CurrentUserName:  "Ms. Live",
		ConversationID:   StudentConversationID("s9"),
		ParticipantID:    "s9",
		ParticipantName:  "Sam Student",
		SentinelSenderID: "1",
		Now:              time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestResolveSenderChain(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		sender SenderRole
		rule   senderRule
	}{
		{"self flag wins over role", `{"isMine":true,"senderRole":"STUDENT","senderId":"s9"}`, SenderTeacher, ruleSelfFlag},
		{"self flag false", `{"isCurrentUser":false,"senderId":"t1"}`, SenderStudent, ruleSelfFlag},
		{"role field", `{"senderRole":"student","senderId":"t1"}`, SenderStudent, ruleRoleField},
		{"nested role field", `{"sender":{"id":"x","role":"TEACHER"}}`, SenderTeacher, ruleRoleField},
		{"identity match teacher", `{"senderId":"t1"}`, SenderTeacher, ruleIdentityMatch},
		{"identity match participant", `{"senderId":"s9"}`, SenderStudent, ruleIdentityMatch},
		{"nested sender id", `{"sender":{"id":"s9"}}`, SenderStudent, ruleIdentityMatch},
		{"numeric sender id", `{"senderId":42,"recipientId":"t1"}`, SenderStudent, ruleRecipient},
		{"recipient is teacher", `{"recipientId":"t1"}`, SenderStudent, ruleRecipient},
		{"recipient is participant", `{"receiverId":"s9"}`, SenderTeacher, ruleRecipient},
		{"sentinel sender", `{"senderId":"1"}`, SenderTeacher, ruleSentinel},
		{"default", `{"senderId":"unknown"}`, SenderTeacher, ruleDefault},
		{"empty record", `{}`, SenderTeacher, ruleDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := teacherContext()
			msg := NormalizeMessage([]byte(tt.raw), nc)
			if msg.Sender != tt.sender {
				t.Errorf("sender = %s, want %s", msg.Sender, tt.sender)
			}
			res := parseForTest(tt.raw)
			if _, rule := resolveSender(res, &nc); rule != tt.rule {
				t.Errorf("rule = %d, want %d", rule, tt.rule)
			}
		})
	}
}

func TestSentinelIgnoredWhenTeacherIsSentinel(t *testing.T) {
	nc := teacherContext()
	nc.CurrentUserID = "1"
	nc.ParticipantID = ""
	res := parseForTest(`{"senderId":"1"}`)
	if sender, rule := resolveSender(res, &nc); sender != SenderTeacher || rule != ruleIdentityMatch {
		t.Fatalf("got %s via rule %d, want teacher via identity match", sender, rule)
	}
	nc.CurrentUserID = "t1"
	nc.SentinelSenderID = ""
	if _, rule := resolveSender(res, &nc); rule != ruleDefault {
		t.Fatalf("disabled sentinel should fall through to default, got rule %d", rule)
	}
}

func TestNormalizeOwnMessageUsesLiveName(t *testing.T) {
	raw := `{"id":"m1","senderId":"t1","senderName":"Old Cached Name","content":"Hello class","createdAt":"2024-05-10T11:59:00Z"}`
	msg := NormalizeMessage([]byte(raw), teacherContext())
	if msg.Sender != SenderTeacher {
		t.Fatalf("sender = %s, want teacher", msg.Sender)
	}
	if msg.SenderName != "Ms. Live" {
		t.Errorf("sender name = %q, want live teacher name", msg.SenderName)
	}
	if msg.ID != "m1" || msg.Text != "Hello class" {
		t.Errorf("unexpected message %+v", msg)
	}
	want := time.Date(2024, 5, 10, 11, 59, 0, 0, time.UTC)
	if !msg.CreatedAt.Equal(want) {
		t.Errorf("createdAt = %s, want %s", msg.CreatedAt, want)
	}
	if msg.DisplayTime != "11:59" {
		t.Errorf("display time = %q", msg.DisplayTime)
	}
}

func TestNormalizeStudentMessageNames(t *testing.T) {
	nc := teacherContext()
	msg := NormalizeMessage([]byte(`{"senderId":"s9","sender":{"firstName":"Ada","lastName":"L"}}`), nc)
	if msg.SenderName != "Ada L" {
		t.Errorf("sender name = %q, want record name", msg.SenderName)
	}
	msg = NormalizeMessage([]byte(`{"senderId":"s9","text":"hi"}`), nc)
	if msg.SenderName != "Sam Student" {
		t.Errorf("sender name = %q, want participant name", msg.SenderName)
	}
	nc.ParticipantName = ""
	msg = NormalizeMessage([]byte(`{"senderId":"s9"}`), nc)
	if msg.SenderName != unknownStudentName {
		t.Errorf("sender name = %q, want placeholder", msg.SenderName)
	}
}

func TestNormalizeMalformedRecord(t *testing.T) {
	msg := NormalizeMessage([]byte(`not json`), teacherContext())
	if msg.Text != "" || msg.ID != "" || !msg.CreatedAt.IsZero() {
		t.Errorf("expected empty defaults, got %+v", msg)
	}
	if msg.Type != MessageText {
		t.Errorf("type = %s, want text", msg.Type)
	}
	if msg.SenderName == "" {
		t.Error("sender name should fall back to a placeholder")
	}
}

func TestNormalizeMessageType(t *testing.T) {
	tests := []struct {
		raw  string
		want MessageType
	}{
		{`{"type":"TEXT"}`, MessageText},
		{`{"isFeedback":true,"type":"TEXT"}`, MessageFeedback},
		{`{"messageType":"voice_note"}`, MessageAudio},
		{`{"type":"IMAGE"}`, MessageImage},
		{`{"mimeType":"audio/mpeg"}`, MessageAudio},
		{`{"attachment":{"mimeType":"image/png; charset=binary"}}`, MessageImage},
		{`{"mimeType":"application/pdf"}`, MessageText},
		{`{}`, MessageText},
	}
	for _, tt := range tests {
		if got := NormalizeMessage([]byte(tt.raw), teacherContext()).Type; got != tt.want {
			t.Errorf("%s: type = %s, want %s", tt.raw, got, tt.want)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 5, 10, 11, 0, 0, 0, time.UTC)
	for _, raw := range []string{
		`{"createdAt":"2024-05-10T11:00:00Z"}`,
		`{"createdAt":"2024-05-10T13:00:00+02:00"}`,
		`{"created_at":1715338800}`,
		`{"timestamp":1715338800000}`,
		`{"sentAt":"1715338800000"}`,
	} {
		msg := NormalizeMessage([]byte(raw), teacherContext())
		if !msg.CreatedAt.Equal(want) {
			t.Errorf("%s: createdAt = %s, want %s", raw, msg.CreatedAt, want)
		}
	}
}

func TestNormalizeConversation(t *testing.T) {
	now := time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)
	group, ok := NormalizeConversation([]byte(`{"id":"g1","name":"Physics 9B","teacher":{"firstName":"Marie","lastName":"C"},"lastMessage":{"content":"Lab at 9","createdAt":"2024-05-10T11:30:00Z"},"unreadCount":3}`), KindGroup, now)
	if !ok {
		t.Fatal("group record rejected")
	}
	if group.ID != "group:g1" || group.Kind != KindGroup || group.DisplayName != "Physics 9B" {
		t.Errorf("unexpected group %+v", group)
	}
	if group.Subtitle != "Marie C" || group.LastMessagePreview != "Lab at 9" || group.UnreadCount != 3 {
		t.Errorf("unexpected group fields %+v", group)
	}
	if group.LastMessageTime != "30m" {
		t.Errorf("last message time = %q, want 30m", group.LastMessageTime)
	}

	direct, ok := NormalizeConversation([]byte(`{"type":"DIRECT","participant":{"id":"s3","name":"Noor","courses":[{"name":"Math"},{"name":"Art"}]},"isFavorite":true}`), "", now)
	if !ok {
		t.Fatal("direct record rejected")
	}
	if direct.ID != "student:s3" || direct.Kind != KindStudent || direct.DisplayName != "Noor" {
		t.Errorf("unexpected direct conversation %+v", direct)
	}
	if direct.Subtitle != "Math, Art" || !direct.IsFavorite {
		t.Errorf("unexpected direct fields %+v", direct)
	}

	if _, ok = NormalizeConversation([]byte(`{"name":"no id"}`), KindGroup, now); ok {
		t.Error("record without id should be rejected")
	}
}

func TestNormalizeContact(t *testing.T) {
	now := time.Now()
	conv, ok := NormalizeContact([]byte(`{"id":7,"firstName":"Lin","lastName":"Park","classes":[{"name":"7A"}]}`), now)
	if !ok {
		t.Fatal("contact rejected")
	}
	if conv.ID != "student:7" || conv.RemoteID != "7" || conv.DisplayName != "Lin Park" || conv.Subtitle != "7A" {
		t.Errorf("unexpected contact %+v", conv)
	}
	conv, _ = NormalizeContact([]byte(`{"id":"8"}`), now)
	if conv.DisplayName != "Student 8" {
		t.Errorf("placeholder display name = %q", conv.DisplayName)
	}
}
