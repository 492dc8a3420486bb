package telemetry

import (
	"fmt"
	"log/slog"
	"math"
)

// BookmarkType identifies the type of bookmark.
type BookmarkType string

const (
	BookmarkAmplitudeSpike  BookmarkType = "amplitude_spike"
	BookmarkSpreadCollapse  BookmarkType = "spread_collapse"
	BookmarkNumericError    BookmarkType = "numeric_error"
	BookmarkSteadyAmplitude BookmarkType = "steady_amplitude"
)

// Bookmark represents an automatically triggered bookmark.
type Bookmark struct {
	Type        BookmarkType `csv:"type"`
	Step        int          `csv:"step"`
	Description string       `csv:"description"`
}

// LogBookmark logs the bookmark using slog.
func (b Bookmark) LogBookmark(logger *slog.Logger) {
	logger.Info("bookmark",
		"type", string(b.Type),
		"step", b.Step,
		"description", b.Description,
	)
}

// BookmarkDetector flags windows worth inspecting in a perturbation run.
type BookmarkDetector struct {
	// Rolling history (circular buffer)
	history     []WindowStats
	historySize int
	historyIdx  int
	historyFull bool

	peakSpread        float64 // largest spread seen since the last collapse
	steadyWindowCount int     // consecutive windows with steady increment std
}

// NewBookmarkDetector creates a detector with the given history size.
func NewBookmarkDetector(historySize int) *BookmarkDetector {
	if historySize < 5 {
		historySize = 5 // minimum for steady amplitude detection
	}
	return &BookmarkDetector{
		history:     make([]WindowStats, historySize),
		historySize: historySize,
	}
}

// Check analyzes the latest stats and returns any triggered bookmarks.
func (bd *BookmarkDetector) Check(stats WindowStats) []Bookmark {
	var bookmarks []Bookmark

	if stats.NumericErrors > 0 {
		bookmarks = append(bookmarks, Bookmark{
			Type:        BookmarkNumericError,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("%d generation(s) rejected a zero uniform variate", stats.NumericErrors),
		})
	}

	if bd.historyFull || bd.historyIdx > 0 {
		// Amplitude spike: increment std > 2x rolling average
		if b := bd.checkAmplitudeSpike(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}

		// Spread collapse: ensemble spread fell below half its peak
		if b := bd.checkSpreadCollapse(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}

		// Steady amplitude: low variation of increment std over 4 windows
		if b := bd.checkSteadyAmplitude(stats); b != nil {
			bookmarks = append(bookmarks, *b)
		}
	}

	bd.addToHistory(stats)
	if stats.Spread > bd.peakSpread {
		bd.peakSpread = stats.Spread
	}

	return bookmarks
}

func (bd *BookmarkDetector) addToHistory(stats WindowStats) {
	bd.history[bd.historyIdx] = stats
	bd.historyIdx = (bd.historyIdx + 1) % bd.historySize
	if bd.historyIdx == 0 {
		bd.historyFull = true
	}
}

func (bd *BookmarkDetector) getHistory() []WindowStats {
	if bd.historyFull {
		return bd.history
	}
	return bd.history[:bd.historyIdx]
}

func (bd *BookmarkDetector) checkAmplitudeSpike(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 3 {
		return nil
	}

	var total float64
	for _, h := range history {
		total += h.IncStd
	}
	avg := total / float64(len(history))
	if avg == 0 {
		return nil
	}

	if stats.IncStd > avg*2.0 {
		return &Bookmark{
			Type:        BookmarkAmplitudeSpike,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Increment std %.3g is %.1fx average (%.3g)", stats.IncStd, stats.IncStd/avg, avg),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkSpreadCollapse(stats WindowStats) *Bookmark {
	if bd.peakSpread == 0 || stats.Members < 2 {
		return nil
	}

	if stats.Spread < bd.peakSpread*0.5 {
		// Reset the peak after triggering
		oldPeak := bd.peakSpread
		bd.peakSpread = stats.Spread

		return &Bookmark{
			Type:        BookmarkSpreadCollapse,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Ensemble spread fell from %.3g to %.3g", oldPeak, stats.Spread),
		}
	}
	return nil
}

func (bd *BookmarkDetector) checkSteadyAmplitude(stats WindowStats) *Bookmark {
	history := bd.getHistory()
	if len(history) < 4 || stats.IncStd == 0 {
		bd.steadyWindowCount = 0
		return nil
	}

	recent := history[len(history)-4:]
	var sum float64
	for _, h := range recent {
		sum += h.IncStd
	}
	mean := sum / 4

	var variance float64
	for _, h := range recent {
		d := h.IncStd - mean
		variance += d * d
	}
	variance /= 4

	// Coefficient of variation below 5%
	if mean > 0 && math.Sqrt(variance)/mean < 0.05 {
		bd.steadyWindowCount++
	} else {
		bd.steadyWindowCount = 0
	}

	if bd.steadyWindowCount == 5 { // trigger exactly once at 5 windows
		return &Bookmark{
			Type:        BookmarkSteadyAmplitude,
			Step:        stats.WindowEndStep,
			Description: fmt.Sprintf("Increment std steady at %.3g over 5+ windows", mean),
		}
	}
	return nil
}
