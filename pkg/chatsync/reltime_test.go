package chatsync

import (
	"testing"
	"time"
)

func TestFormatRelative(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC) // a Friday
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, ""},
		{now.Add(-20 * time.Second), "just now"},
		{now.Add(5 * time.Second), "just now"},
		{now.Add(-12 * time.Minute), "12m"},
		{now.Add(-3 * time.Hour), "3h"},
		{time.Date(2024, 5, 9, 23, 0, 0, 0, time.UTC), "Yesterday"},
		{time.Date(2024, 5, 7, 10, 0, 0, 0, time.UTC), "Tue"},
		{time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), "Mar 1"},
		{time.Date(2023, 12, 24, 10, 0, 0, 0, time.UTC), "Dec 24, 2023"},
	}
	for _, tt := range tests {
		if got := FormatRelative(tt.t, now); got != tt.want {
			t.Errorf("FormatRelative(%s) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestFormatClock(t *testing.T) {
	now := time.Date(2024, 5, 10, 15, 0, 0, 0, time.UTC)
	if got := FormatClock(now.Add(-time.Hour), now); got != "14:00" {
		t.Errorf("same day = %q", got)
	}
	if got := FormatClock(time.Date(2024, 5, 8, 9, 5, 0, 0, time.UTC), now); got != "May 8 09:05" {
		t.Errorf("other day = %q", got)
	}
}
