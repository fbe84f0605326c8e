// Package turn owns the lifecycle of a read-back exchange: the controller
// state machine that moves from listening through the model pipeline and back
// to idle, the transcription accumulator that assembles streaming fragments
// into a committed utterance, and the error taxonomy surfaced to the client.
package turn

import "fmt"

// Status is the controller's externally visible state.
type Status int

const (
	// StatusIdle means no turn is in progress.
	StatusIdle Status = iota

	// StatusListening means capture is live and fragments are accumulating.
	StatusListening

	// StatusThinking means the utterance is committed and the read-back is
	// being generated.
	StatusThinking

	// StatusCheckingAccuracy means the read-back is being graded.
	StatusCheckingAccuracy

	// StatusSpeaking means synthesized audio is playing.
	StatusSpeaking

	// StatusAwaitingUserResponse means a training scenario instruction has
	// played and the trainee's read-back attempt is expected next.
	StatusAwaitingUserResponse

	// StatusError means the last turn failed; see Controller.LastError.
	StatusError
)

// String returns the wire name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusThinking:
		return "thinking"
	case StatusCheckingAccuracy:
		return "checking_accuracy"
	case StatusSpeaking:
		return "speaking"
	case StatusAwaitingUserResponse:
		return "awaiting_user_response"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalJSON encodes the status as its wire name.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Stage identifies a pipeline stage, reported back to the controller so the
// status tracks the pipeline's progress through a turn.
type Stage int

const (
	// StageExtraction is callsign extraction.
	StageExtraction Stage = iota

	// StageGeneration is read-back generation.
	StageGeneration

	// StageGrading is accuracy grading.
	StageGrading

	// StageSynthesis is speech synthesis.
	StageSynthesis

	// StagePlayback is audio playback of the synthesized read-back.
	StagePlayback
)

// String returns the stage name used in logs and metrics.
func (s Stage) String() string {
	switch s {
	case StageExtraction:
		return "extraction"
	case StageGeneration:
		return "generation"
	case StageGrading:
		return "grading"
	case StageSynthesis:
		return "synthesis"
	case StagePlayback:
		return "playback"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}
