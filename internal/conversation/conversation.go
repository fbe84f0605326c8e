// Package conversation holds the session transcript: the ordered exchange of
// controller instructions and pilot read-backs, with grading feedback attached
// to pilot entries after the fact.
package conversation

import (
	"errors"
	"sync"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	// SpeakerController is the simulated air traffic controller.
	SpeakerController Speaker = "CONTROLLER"

	// SpeakerPilot is the trainee reading instructions back.
	SpeakerPilot Speaker = "PILOT"
)

// Accuracy is the grading verdict for a pilot read-back.
type Accuracy string

const (
	AccuracyCorrect          Accuracy = "CORRECT"
	AccuracyPartiallyCorrect Accuracy = "PARTIALLY_CORRECT"
	AccuracyIncorrect        Accuracy = "INCORRECT"
)

// IsValid reports whether a is a recognised accuracy verdict.
func (a Accuracy) IsValid() bool {
	switch a {
	case AccuracyCorrect, AccuracyPartiallyCorrect, AccuracyIncorrect:
		return true
	}
	return false
}

// PhraseSegment is one piece of a read-back with a per-phrase verdict, used to
// highlight exactly which part of the read-back went wrong.
type PhraseSegment struct {
	// Text is the phrase as transcribed.
	Text string `json:"text"`

	// Correct reports whether this phrase matched the instruction.
	Correct bool `json:"correct"`

	// Expected is the phraseology that should have been used. Empty when
	// Correct is true.
	Expected string `json:"expected,omitempty"`
}

// Feedback is the grading result attached to a pilot entry.
type Feedback struct {
	// Accuracy is the overall verdict.
	Accuracy Accuracy `json:"accuracy"`

	// Summary is a one-line assessment shown inline with the entry.
	Summary string `json:"summary"`

	// Segments breaks the read-back into graded phrases. May be empty when
	// the grader did not produce a per-phrase breakdown.
	Segments []PhraseSegment `json:"segments,omitempty"`

	// The detailed fields below are populated only for verdicts other than
	// CORRECT, mirroring what an instructor would debrief.

	// Detail explains what was wrong and why it matters.
	Detail string `json:"detail,omitempty"`

	// CorrectPhraseology is the full read-back as it should have been spoken.
	CorrectPhraseology string `json:"correct_phraseology,omitempty"`

	// CommonPitfalls lists mistakes pilots typically make with this
	// instruction type.
	CommonPitfalls []string `json:"common_pitfalls,omitempty"`

	// FurtherReading names the relevant reference material (e.g. an AIM or
	// Pilot/Controller Glossary section).
	FurtherReading string `json:"further_reading,omitempty"`
}

// Entry is one utterance in the session transcript.
type Entry struct {
	// Speaker identifies who spoke.
	Speaker Speaker `json:"speaker"`

	// Text is the instruction or the transcribed read-back.
	Text string `json:"text"`

	// Confidence is the transcription confidence in [0, 1] for pilot
	// entries; zero for controller entries.
	Confidence float64 `json:"confidence,omitempty"`

	// Feedback is the grading verdict, attached once grading completes.
	// Only present on pilot entries.
	Feedback *Feedback `json:"feedback,omitempty"`

	// Alternatives holds alternative transcriptions when the recogniser was
	// unsure. May be empty.
	Alternatives []string `json:"alternatives,omitempty"`
}

// ErrEmptyLog is returned by operations that need at least one entry.
var ErrEmptyLog = errors.New("conversation: log is empty")

// Log is the ordered session transcript. Entries only ever change through
// Append, ReplaceLast, and AttachFeedback, so the visual order of the exchange
// always matches the order events happened.
//
// Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog returns an empty Log.
func NewLog() *Log {
	return &Log{}
}

// Append adds an entry at the end of the transcript.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
}

// ReplaceLast swaps the most recent entry for e. Used when an instruction is
// regenerated before the pilot responds. Returns [ErrEmptyLog] when there is
// nothing to replace.
func (l *Log) ReplaceLast(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ErrEmptyLog
	}
	l.entries[len(l.entries)-1] = e
	return nil
}

// AttachFeedback sets the feedback on the most recent pilot entry. Returns
// [ErrEmptyLog] when no pilot entry exists.
func (l *Log) AttachFeedback(fb Feedback) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Speaker == SpeakerPilot {
			f := fb
			l.entries[i].Feedback = &f
			return nil
		}
	}
	return ErrEmptyLog
}

// Entries returns a copy of the full transcript in order.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Recent returns a copy of the last n entries in order. When fewer than n
// entries exist, all of them are returned.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n <= 0 {
		return nil
	}
	start := len(l.entries) - n
	if start < 0 {
		start = 0
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Last returns the most recent entry. Returns [ErrEmptyLog] when the
// transcript is empty.
func (l *Log) Last() (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return Entry{}, ErrEmptyLog
	}
	return l.entries[len(l.entries)-1], nil
}

// Len returns the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Reset clears the transcript.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = l.entries[:0]
}

// Load replaces the transcript with entries, used when restoring a persisted
// session snapshot.
func (l *Log) Load(entries []Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(entries))
	copy(l.entries, entries)
}
