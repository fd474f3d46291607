package chatsync

import (
	"fmt"
	"time"
)

// FormatRelative renders t relative to now the way conversation lists
// show it. The result is recomputed on every store update, never cached.
func FormatRelative(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d/time.Minute))
	case d < 24*time.Hour && sameDay(t, now):
		return fmt.Sprintf("%dh", int(d/time.Hour))
	case sameDay(t, now.AddDate(0, 0, -1)):
		return "Yesterday"
	case d < 7*24*time.Hour:
		return t.Format("Mon")
	case t.Year() == now.Year():
		return t.Format("Jan 2")
	default:
		return t.Format("Jan 2, 2006")
	}
}

// FormatClock is the per-message display time inside a thread.
func FormatClock(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	if sameDay(t, now) {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}

func sameDay(a, b time.Time) bool {
	b = b.In(a.Location())
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
