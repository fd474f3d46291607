package chatsync

import (
	"testing"
	"time"
)

var baseTime = time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)

func msgAt(id string, sender SenderRole, text string, minute int) Message {
	return Message{
		ID:        id,
		Sender:    sender,
		Text:      text,
		CreatedAt: baseTime.Add(time.Duration(minute) * time.Minute),
	}
}

func keysOf(thread []Message) []string {
	keys := make([]string, len(thread))
	for i := range thread {
		keys[i] = thread[i].DedupKey()
	}
	return keys
}

func assertKeys(t *testing.T, thread []Message, want ...string) {
	t.Helper()
	got := keysOf(thread)
	if len(got) != len(want) {
		t.Fatalf("thread has %d messages %q, want %q", len(got), got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("thread = %q, want %q", got, want)
		}
	}
}

func TestMergeAppendsNewMessages(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "a", 0)}
	incoming := []Message{msgAt("1", SenderStudent, "a", 0), msgAt("2", SenderTeacher, "b", 1)}
	assertKeys(t, Merge(existing, incoming), "id:1", "id:2")
}

func TestMergeIsIdempotent(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "a", 0)}
	incoming := []Message{
		msgAt("2", SenderTeacher, "b", 1),
		{Sender: SenderStudent, SenderID: "s1", Text: "no id", CreatedAt: baseTime.Add(2 * time.Minute)},
	}
	once := Merge(existing, incoming)
	twice := Merge(once, incoming)
	if len(once) != 3 {
		t.Fatalf("expected 3 messages after first merge, got %d", len(once))
	}
	assertKeys(t, twice, keysOf(once)...)
}

func TestMergeNoDuplicationAcrossOverlappingFetches(t *testing.T) {
	first := []Message{msgAt("1", SenderStudent, "a", 0), msgAt("2", SenderStudent, "b", 1)}
	second := []Message{msgAt("2", SenderStudent, "b", 1), msgAt("3", SenderTeacher, "c", 2)}
	stale := []Message{msgAt("1", SenderStudent, "a", 0)}

	var thread []Message
	for _, fetch := range [][]Message{second, first, stale, second} {
		thread = Merge(thread, fetch)
	}
	seen := make(map[string]int)
	for _, key := range keysOf(thread) {
		seen[key]++
	}
	for key, n := range seen {
		if n != 1 {
			t.Errorf("%s appears %d times", key, n)
		}
	}
	assertKeys(t, thread, "id:1", "id:2", "id:3")
}

func TestMergeEmptyIncomingReturnsExisting(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "a", 0)}
	got := Merge(existing, nil)
	assertKeys(t, got, "id:1")

	malformed := []Message{{}}
	got = Merge(existing, malformed)
	assertKeys(t, got, "id:1")
}

func TestMergeInsertsLateOlderMessage(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "a", 0), msgAt("3", SenderStudent, "c", 5)}
	got := Merge(existing, []Message{msgAt("2", SenderStudent, "b", 2)})
	assertKeys(t, got, "id:1", "id:2", "id:3")
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatalf("thread not chronological at %d", i)
		}
	}
}

func optimistic(localID, text string, minute int) Message {
	return Message{
		LocalID:      localID,
		Sender:       SenderTeacher,
		Text:         text,
		CreatedAt:    baseTime.Add(time.Duration(minute) * time.Minute),
		IsOptimistic: true,
	}
}

func TestMergeReplacesOptimisticByText(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "hi", 0), optimistic("L1", "Hello", 1)}
	incoming := []Message{msgAt("1", SenderStudent, "hi", 0), msgAt("9", SenderTeacher, " Hello ", 1)}

	res := mergeThread(existing, incoming, DefaultOptimisticMatchWindow)
	assertKeys(t, res.Thread, "id:1", "id:9")
	for _, msg := range res.Thread {
		if msg.IsOptimistic {
			t.Fatal("optimistic copy survived confirmation")
		}
	}
	if res.Confirmed != 1 || res.Added != 0 || res.Skipped != 1 || len(res.Arrived) != 0 {
		t.Errorf("unexpected counters %+v", res.mergeCounters)
	}
}

func TestMergeReplacesOptimisticByServerID(t *testing.T) {
	opt := optimistic("L1", "Hello", 1)
	opt.ServerID = "9"
	existing := []Message{opt}
	// The server normalized the text, so only the id can match.
	incoming := []Message{msgAt("9", SenderTeacher, "Hello!", 1)}

	res := mergeThread(existing, incoming, DefaultOptimisticMatchWindow)
	assertKeys(t, res.Thread, "id:9")
	if res.Confirmed != 1 {
		t.Errorf("confirmed = %d, want 1", res.Confirmed)
	}
}

func TestMergeKeepsUnconfirmedOptimisticAtTail(t *testing.T) {
	existing := []Message{msgAt("1", SenderStudent, "hi", 0), optimistic("L1", "pending", 3)}
	incoming := []Message{msgAt("2", SenderStudent, "late reply", 4)}
	got := Merge(existing, incoming)
	assertKeys(t, got, "id:1", "id:2", "local:L1")
	if !got[2].IsOptimistic {
		t.Fatal("tail should be the optimistic message")
	}
}

func TestMergeOptimisticOutsideWindow(t *testing.T) {
	existing := []Message{optimistic("L1", "ok", 0)}
	incoming := []Message{msgAt("5", SenderTeacher, "ok", 30)}
	res := mergeThread(existing, incoming, 2*time.Minute)
	assertKeys(t, res.Thread, "id:5", "local:L1")
	if res.Added != 1 || res.Confirmed != 0 {
		t.Errorf("unexpected counters %+v", res.mergeCounters)
	}
}

func TestMergeStudentMessageNeverConfirmsOptimistic(t *testing.T) {
	existing := []Message{optimistic("L1", "ok", 0)}
	incoming := []Message{msgAt("5", SenderStudent, "ok", 0)}
	res := mergeThread(existing, incoming, DefaultOptimisticMatchWindow)
	assertKeys(t, res.Thread, "id:5", "local:L1")
	if len(res.Arrived) != 1 || res.Arrived[0].ID != "5" {
		t.Errorf("student message should be reported as arrived, got %+v", res.Arrived)
	}
}
