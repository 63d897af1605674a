package sync

import (
	"testing"
	"time"
)

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil { panic(err) }
	return t
}

func TestNextWindowStartsAtProjectCreation(t *testing.T) {
	win, ok := nextWindow(7, ts("2026-01-01"), nil, ts("2026-03-01"), 7*24*time.Hour)
	if !ok { t.Fatal("expected a window") }
	if !win.Start.Equal(ts("2026-01-01")) { t.Fatalf("start = %v", win.Start) }
	if !win.End.Equal(ts("2026-01-08")) { t.Fatalf("end = %v", win.End) }
}

func TestNextWindowClampsToNow(t *testing.T) {
	cursor := ts("2026-02-27")
	win, ok := nextWindow(7, ts("2026-01-01"), &cursor, ts("2026-03-01"), 7*24*time.Hour)
	if !ok { t.Fatal("expected a window") }
	if !win.End.Equal(ts("2026-03-01")) { t.Fatalf("end = %v, want clamped to now", win.End) }
}

func TestNextWindowCaughtUp(t *testing.T) {
	cursor := ts("2026-03-01")
	if _, ok := nextWindow(7, ts("2026-01-01"), &cursor, ts("2026-03-01"), 7*24*time.Hour); ok {
		t.Fatal("cursor at now must not produce a window")
	}
	future := ts("2026-03-05")
	if _, ok := nextWindow(7, ts("2026-01-01"), &future, ts("2026-03-01"), 7*24*time.Hour); ok {
		t.Fatal("cursor past now must not produce a window")
	}
}

// Repeatedly advancing the cursor by the returned window must walk from
// creation to now in contiguous, non-overlapping steps.
func TestNextWindowSequenceIsContiguous(t *testing.T) {
	created := ts("2026-01-01")
	now := ts("2026-01-20")
	span := 7 * 24 * time.Hour

	var cursor *time.Time
	prevEnd := created
	steps := 0
	for {
		win, ok := nextWindow(7, created, cursor, now, span)
		if !ok { break }
		if !win.Start.Equal(prevEnd) { t.Fatalf("window start %v does not continue from %v", win.Start, prevEnd) }
		if !win.End.After(win.Start) { t.Fatalf("empty window [%v, %v)", win.Start, win.End) }
		if win.End.After(now) { t.Fatalf("window end %v past now", win.End) }
		prevEnd = win.End
		cursor = &win.End
		steps++
		if steps > 10 { t.Fatal("window sequence did not terminate") }
	}
	if steps != 3 { t.Fatalf("steps = %d, want 3", steps) }
	if !prevEnd.Equal(now) { t.Fatalf("final cursor %v, want %v", prevEnd, now) }
}
