package turn

import (
	"strings"
	"sync"

	"github.com/voxatc/voxatc/pkg/provider/stt"
)

// Accumulator assembles streaming STT fragments into one committed
// utterance, applying the provider's declared discipline:
//
//   - Cumulative providers resend the full utterance on every fragment, so
//     each fragment replaces the buffer.
//   - Delta providers send only new text on every fragment, so each fragment
//     is appended with single-space separation.
//
// Safe for concurrent use; fragments arrive on the session goroutine while
// CurrentText is read from API handlers.
type Accumulator struct {
	discipline stt.Discipline

	mu      sync.Mutex
	buffer  string  // full text under cumulative, joined fragments under delta
	confSum float64 // sum of reported confidences on final fragments
	confN   int
}

// NewAccumulator returns an empty Accumulator for the given discipline.
func NewAccumulator(d stt.Discipline) *Accumulator {
	return &Accumulator{discipline: d}
}

// OnFragment folds one recognition event into the buffer. Fragments that
// carry no text (pure turn-complete markers) leave the buffer unchanged.
func (a *Accumulator) OnFragment(f stt.Fragment) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if f.IsFinal && f.Confidence > 0 {
		a.confSum += f.Confidence
		a.confN++
	}
	if f.Text == "" {
		return
	}

	switch a.discipline {
	case stt.DisciplineCumulative:
		a.buffer = f.Text
	case stt.DisciplineDelta:
		if a.buffer == "" {
			a.buffer = f.Text
		} else {
			a.buffer += " " + f.Text
		}
	}
}

// CurrentText returns the utterance as recognised so far, for live display.
// The buffer is not authoritative until Commit.
func (a *Accumulator) CurrentText() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffer
}

// Commit returns the trimmed utterance and the mean reported confidence,
// then resets the accumulator for the next turn. An utterance that was never
// recognised commits as "".
func (a *Accumulator) Commit() (string, float64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text := strings.TrimSpace(a.buffer)
	conf := 0.0
	if a.confN > 0 {
		conf = a.confSum / float64(a.confN)
	}

	a.buffer = ""
	a.confSum = 0
	a.confN = 0
	return text, conf
}

// Reset discards any accumulated state without committing.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer = ""
	a.confSum = 0
	a.confN = 0
}
