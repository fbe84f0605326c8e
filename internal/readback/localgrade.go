package readback

import (
	"fmt"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	"github.com/voxatc/voxatc/internal/conversation"
)

const (
	// tokenMatchThreshold is the Jaro-Winkler score above which two tokens
	// are considered the same word despite transcription noise.
	tokenMatchThreshold = 0.85

	// partialFloor is the minimum score for a PARTIALLY_CORRECT verdict.
	partialFloor = 0.60
)

// LocalGrader scores a read-back against an expected answer without a model
// call, combining Jaro-Winkler string similarity with Double Metaphone
// phonetic token matching to tolerate transcription noise ("tree" for
// "three", "niner" for "nine").
//
// It backs two paths: the grading fallback when the model grader is
// unavailable, and the training-mode quick score against a scenario's
// expected read-back. Safe for concurrent use.
type LocalGrader struct {
	mu        sync.Mutex
	threshold float64
}

// NewLocalGrader returns a LocalGrader that requires at least threshold
// similarity (in [0, 1]) for a CORRECT verdict.
func NewLocalGrader(threshold float64) *LocalGrader {
	return &LocalGrader{threshold: threshold}
}

// SetThreshold replaces the CORRECT verdict threshold. Used when the
// accuracy preference changes at runtime.
func (lg *LocalGrader) SetThreshold(threshold float64) {
	lg.mu.Lock()
	lg.threshold = threshold
	lg.mu.Unlock()
}

func (lg *LocalGrader) limit() float64 {
	lg.mu.Lock()
	defer lg.mu.Unlock()
	return lg.threshold
}

// Score returns the similarity between readback and expected in [0, 1].
//
// The score is the higher of full-string Jaro-Winkler similarity and the
// fraction of expected tokens matched by a readback token (exact, fuzzy, or
// phonetic), so a read-back that has every required item in a different
// order still scores well.
func (lg *LocalGrader) Score(readback, expected string) float64 {
	rbTokens := normalizeTokens(readback)
	expTokens := normalizeTokens(expected)
	if len(expTokens) == 0 {
		return 0
	}

	full := matchr.JaroWinkler(strings.Join(rbTokens, " "), strings.Join(expTokens, " "), false)

	matched := 0
	for _, et := range expTokens {
		for _, rt := range rbTokens {
			if tokensMatch(rt, et) {
				matched++
				break
			}
		}
	}
	coverage := float64(matched) / float64(len(expTokens))

	if coverage > full {
		return coverage
	}
	return full
}

// Grade turns the similarity score into feedback. At or above the configured
// threshold the verdict is CORRECT; above partialFloor it is
// PARTIALLY_CORRECT; otherwise INCORRECT. Non-correct verdicts carry the
// expected phraseology and a per-token breakdown.
func (lg *LocalGrader) Grade(readback, expected string) conversation.Feedback {
	score := lg.Score(readback, expected)

	if score >= lg.limit() {
		return conversation.Feedback{
			Accuracy: conversation.AccuracyCorrect,
			Summary:  CorrectSummary,
		}
	}

	accuracy := conversation.AccuracyIncorrect
	if score >= partialFloor {
		accuracy = conversation.AccuracyPartiallyCorrect
	}

	return conversation.Feedback{
		Accuracy:           accuracy,
		Summary:            fmt.Sprintf("Read-back matched %d%% of the expected phraseology.", int(score*100)),
		Segments:           lg.segments(readback, expected),
		CorrectPhraseology: expected,
	}
}

// segments marks each spoken token against the expected token set and
// appends the expected items the read-back missed. Consecutive tokens with
// the same verdict collapse into one segment.
func (lg *LocalGrader) segments(readback, expected string) []conversation.PhraseSegment {
	rbTokens := normalizeTokens(readback)
	expTokens := normalizeTokens(expected)

	used := make([]bool, len(expTokens))
	verdicts := make([]bool, len(rbTokens))
	for i, rt := range rbTokens {
		for j, et := range expTokens {
			if !used[j] && tokensMatch(rt, et) {
				used[j] = true
				verdicts[i] = true
				break
			}
		}
	}

	var segs []conversation.PhraseSegment
	for i, tok := range rbTokens {
		if i > 0 && segs[len(segs)-1].Correct == verdicts[i] {
			segs[len(segs)-1].Text += " " + tok
			continue
		}
		segs = append(segs, conversation.PhraseSegment{Text: tok, Correct: verdicts[i]})
	}

	var missing []string
	for j, et := range expTokens {
		if !used[j] {
			missing = append(missing, et)
		}
	}
	if len(missing) > 0 {
		segs = append(segs, conversation.PhraseSegment{
			Correct:  false,
			Expected: strings.Join(missing, " "),
		})
	}
	return segs
}

// tokensMatch reports whether two normalized tokens refer to the same word:
// exact match, Jaro-Winkler above tokenMatchThreshold, or a shared Double
// Metaphone code.
func tokensMatch(a, b string) bool {
	if a == b {
		return true
	}
	if matchr.JaroWinkler(a, b, false) >= tokenMatchThreshold {
		return true
	}
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap == "" && as == "" {
		return false
	}
	return (ap != "" && (ap == bp || ap == bs)) || (as != "" && (as == bp || as == bs))
}

// normalizeTokens lowercases the phrase and splits it on anything that is
// not a letter or digit, so hyphenated callsigns and punctuation compare
// token by token.
func normalizeTokens(s string) []string {
	s = strings.ToLower(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z':
			return false
		case r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
