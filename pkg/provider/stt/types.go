package stt

// Discipline identifies the accumulation rule for a provider's fragments.
type Discipline int

const (
	// DisciplineCumulative means each fragment carries the full utterance
	// text so far; the consumer replaces its buffer with every fragment.
	DisciplineCumulative Discipline = iota

	// DisciplineDelta means each fragment carries only new text; the
	// consumer appends every fragment, separated by single spaces.
	DisciplineDelta
)

// String returns the human-readable name of the discipline.
func (d Discipline) String() string {
	switch d {
	case DisciplineCumulative:
		return "cumulative"
	case DisciplineDelta:
		return "delta"
	default:
		return "unknown"
	}
}

// Fragment is a single recognition event emitted by an STT session.
type Fragment struct {
	// Text is the transcribed speech content. May be empty on a fragment
	// that only carries TurnComplete.
	Text string

	// IsFinal indicates whether this is a committed recognition result or a
	// low-latency interim guess that later fragments may revise.
	IsFinal bool

	// Confidence is the recognition confidence (0.0–1.0). Zero when the
	// provider does not report confidence.
	Confidence float64

	// TurnComplete is set when the service has detected the end of the
	// speaker's turn. It is the authoritative utterance boundary; silence
	// timers exist only as a fallback for providers that never set it.
	TurnComplete bool
}
