package memory

import (
	"context"
	"errors"
	"fmt"
	"unicode"
)

// ErrMeasurementUnavailable is returned when the active measure cannot score
// text because its collaborator (the tokenizer service) is unreachable.
// Callers should either fall back to the sentence measure or abort the turn
// with a user-visible notice — never substitute a measure silently.
var ErrMeasurementUnavailable = errors.New("memory: measurement unavailable")

// MeasureKind identifies which cost measure a session uses.
type MeasureKind string

const (
	// MeasureSentence scores text by counting sentence units.
	MeasureSentence MeasureKind = "sentence"
	// MeasureToken scores text by asking the tokenizer for a token count.
	MeasureToken MeasureKind = "token"
)

// ParseMeasureKind validates a configuration string into a MeasureKind.
func ParseMeasureKind(s string) (MeasureKind, error) {
	switch MeasureKind(s) {
	case MeasureSentence:
		return MeasureSentence, nil
	case MeasureToken:
		return MeasureToken, nil
	default:
		return "", fmt.Errorf("memory: unknown measure kind %q (want %q or %q)",
			s, MeasureSentence, MeasureToken)
	}
}

// Measure scores a unit of text to produce its cost against a session budget.
// Implementations must be deterministic, side-effect free, and return a
// non-negative count. Implementations must be safe for concurrent use.
type Measure interface {
	// Kind reports which measure this is.
	Kind() MeasureKind
	// Score returns the cost of text under this measure.
	Score(ctx context.Context, text string) (int, error)
}

// SentenceMeasure scores text by counting sentence units. A sentence unit
// ends at '.', '!', '?', or a newline; a trailing fragment with no terminator
// still counts as one unit, so non-empty text always scores at least 1.
type SentenceMeasure struct{}

// Kind implements Measure.
func (SentenceMeasure) Kind() MeasureKind { return MeasureSentence }

// Score implements Measure. It never fails.
func (SentenceMeasure) Score(_ context.Context, text string) (int, error) {
	return countSentences(text), nil
}

func countSentences(text string) int {
	count := 0
	fragment := false
	for _, r := range text {
		switch {
		case r == '.' || r == '!' || r == '?' || r == '\n':
			if fragment {
				count++
				fragment = false
			}
		case !unicode.IsSpace(r):
			fragment = true
		}
	}
	if fragment {
		count++
	}
	return count
}

// TokenCounter is the slice of the tokenizer collaborator the token measure
// needs. The full tokenizer contract (encode/decode for the token-stream
// payload) lives in the backend package.
type TokenCounter interface {
	CountTokens(ctx context.Context, text string) (int, error)
}

// TokenMeasure scores text by token count, delegating to a tokenizer
// collaborator. When the collaborator fails, Score reports
// ErrMeasurementUnavailable so the caller can decide between falling back to
// the sentence measure and aborting the turn.
type TokenMeasure struct {
	counter TokenCounter
}

// NewTokenMeasure returns a token-count measure backed by counter.
func NewTokenMeasure(counter TokenCounter) *TokenMeasure {
	return &TokenMeasure{counter: counter}
}

// Kind implements Measure.
func (*TokenMeasure) Kind() MeasureKind { return MeasureToken }

// Score implements Measure.
func (m *TokenMeasure) Score(ctx context.Context, text string) (int, error) {
	if m.counter == nil {
		return 0, fmt.Errorf("%w: no tokenizer configured", ErrMeasurementUnavailable)
	}
	if text == "" {
		return 0, nil
	}
	n, err := m.counter.CountTokens(ctx, text)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMeasurementUnavailable, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: tokenizer returned negative count %d", ErrMeasurementUnavailable, n)
	}
	return n, nil
}
