package telemetry

import "testing"

func hasBookmark(bookmarks []Bookmark, typ BookmarkType) bool {
	for _, bm := range bookmarks {
		if bm.Type == typ {
			return true
		}
	}
	return false
}

func TestBookmarkDetector_AmplitudeSpike(t *testing.T) {
	bd := NewBookmarkDetector(10)

	for i := 0; i < 5; i++ {
		bd.Check(WindowStats{WindowEndStep: i * 10, IncStd: 0.01})
	}

	bookmarks := bd.Check(WindowStats{WindowEndStep: 50, IncStd: 0.05})
	if !hasBookmark(bookmarks, BookmarkAmplitudeSpike) {
		t.Error("expected amplitude_spike bookmark")
	}
}

func TestBookmarkDetector_SpreadCollapse(t *testing.T) {
	bd := NewBookmarkDetector(10)

	for i := 0; i < 5; i++ {
		bd.Check(WindowStats{WindowEndStep: i * 10, Members: 4, Spread: 0.2})
	}

	bookmarks := bd.Check(WindowStats{WindowEndStep: 50, Members: 4, Spread: 0.05})
	if !hasBookmark(bookmarks, BookmarkSpreadCollapse) {
		t.Error("expected spread_collapse bookmark")
	}

	// The peak resets after triggering.
	bookmarks = bd.Check(WindowStats{WindowEndStep: 60, Members: 4, Spread: 0.05})
	if hasBookmark(bookmarks, BookmarkSpreadCollapse) {
		t.Error("spread_collapse should not retrigger at the same level")
	}
}

func TestBookmarkDetector_NumericError(t *testing.T) {
	bd := NewBookmarkDetector(10)
	bookmarks := bd.Check(WindowStats{WindowEndStep: 10, NumericErrors: 2})
	if !hasBookmark(bookmarks, BookmarkNumericError) {
		t.Error("expected numeric_error bookmark on the first window")
	}
}

func TestBookmarkDetector_SteadyAmplitude(t *testing.T) {
	bd := NewBookmarkDetector(10)

	triggered := 0
	for i := 0; i < 20; i++ {
		bookmarks := bd.Check(WindowStats{WindowEndStep: i * 10, IncStd: 0.01})
		if hasBookmark(bookmarks, BookmarkSteadyAmplitude) {
			triggered++
		}
	}
	if triggered != 1 {
		t.Errorf("steady_amplitude triggered %d times, want exactly 1", triggered)
	}
}

func TestBookmarkDetector_NoFalsePositives(t *testing.T) {
	bd := NewBookmarkDetector(10)

	for i := 0; i < 3; i++ {
		bookmarks := bd.Check(WindowStats{WindowEndStep: i * 10, Members: 4, IncStd: 0.01, Spread: 0.1})
		if len(bookmarks) > 0 {
			t.Errorf("unexpected bookmarks in window %d: %v", i, bookmarks)
		}
	}
}
