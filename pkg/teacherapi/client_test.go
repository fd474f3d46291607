package teacherapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/api", "tok123", 5*time.Second)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestExtractList(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2},
		{"data envelope", `{"data":[{"id":1}]}`, 1},
		{"nested items", `{"data":{"items":[{"id":1},{"id":2},{"id":3}]}}`, 3},
		{"messages key", `{"messages":[{"id":1}]}`, 1},
		{"non-object entries skipped", `[{"id":1}, 3, "x", null]`, 1},
		{"object without list", `{"ok":true}`, 0},
		{"invalid json", `{"data":[`, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractList([]byte(tt.body))
			if len(got) != tt.want {
				t.Errorf("ExtractList(%s) returned %d items, want %d", tt.body, len(got), tt.want)
			}
		})
	}
}

func TestListConversationsSendsCategoryAndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("category"); got != "favorites" {
			t.Errorf("category = %q, want favorites", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok123" {
			t.Errorf("Authorization = %q", got)
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"c1"},{"id":"c2"}]}`))
	})
	records, err := client.ListConversations(context.Background(), CategoryFavorites)
	if err != nil {
		t.Fatalf("ListConversations: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
}

func TestGetMessagesPaging(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/conversations/g 1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("page") != "1" || q.Get("limit") != "50" {
			t.Errorf("unexpected paging %v", q)
		}
		_, _ = w.Write([]byte(`[]`))
	})
	if _, err := client.GetMessages(context.Background(), "g 1", 1, 50); err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
}

func TestSendMessageReturnsPersistedRecord(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var req SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.RecipientID != "42" || req.Content != "Hello" {
			t.Errorf("unexpected request %+v", req)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"m9","content":"Hello"}}`))
	})
	record, err := client.SendMessage(context.Background(), SendRequest{RecipientID: "42", Content: "Hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	var decoded map[string]any
	if err = json.Unmarshal(record, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["id"] != "m9" {
		t.Errorf("id = %v, want m9", decoded["id"])
	}
}

func TestHTTPErrorAndFeatureUnavailable(t *testing.T) {
	status := http.StatusForbidden
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	})
	_, err := client.UnreadCount(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusForbidden {
		t.Fatalf("expected HTTPError 403, got %v", err)
	}
	if !IsFeatureUnavailable(err) {
		t.Error("403 should be reported as feature unavailable")
	}

	status = http.StatusInternalServerError
	_, err = client.UnreadCount(context.Background())
	if IsFeatureUnavailable(err) {
		t.Error("500 must not be reported as feature unavailable")
	}
	if IsFeatureUnavailable(errors.New("dial tcp: refused")) {
		t.Error("transport errors must not be reported as feature unavailable")
	}
}

func TestUnreadCountShapes(t *testing.T) {
	for body, want := range map[string]int{
		`{"data":{"count":4}}`: 4,
		`{"unreadCount":7}`:    7,
		`3`:                    3,
		`{}`:                   0,
	} {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(body))
		})
		got, err := client.UnreadCount(context.Background())
		if err != nil {
			t.Fatalf("UnreadCount(%s): %v", body, err)
		}
		if got != want {
			t.Errorf("UnreadCount(%s) = %d, want %d", body, got, want)
		}
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", "", 0); err == nil {
		t.Error("expected error for URL without scheme")
	}
}
