// Package memory implements Netherworld's short-term conversation memory:
// a bounded per-session buffer of utterances that is cycled (oldest-first
// eviction) under a configurable length budget before each request to the
// inference backend. Memory is in-process only — nothing here persists
// across restarts.
package memory

import (
	"time"

	"github.com/google/uuid"
)

// Role labels who produced an utterance.
type Role string

const (
	// RoleUser marks a turn typed by a human participant.
	RoleUser Role = "user"
	// RoleAgent marks a reply generated by the inference backend.
	RoleAgent Role = "agent"
	// RoleSystem marks the pinned persona prompt.
	RoleSystem Role = "system"
)

// Utterance is one recorded turn in a conversation. It is immutable after
// construction; the cached cost changes only when the session's measure is
// switched, and that rescoring happens inside ConversationMemory while the
// session lock is held.
type Utterance struct {
	ID        string    // unique turn ID (UUID)
	SpeakerID string    // opaque participant identity (distinguishes multi-party senders)
	Role      Role      // user, agent, or system
	Text      string    // immutable message text
	Timestamp time.Time // monotonic ordering key within the session

	cost int // cost under the session's active measure, computed once
}

// newUtterance builds an utterance with its cost already scored. Only
// ConversationMemory constructs utterances so the cost is always computed
// under the session's active measure.
func newUtterance(speakerID string, role Role, text string, ts time.Time, cost int) Utterance {
	return Utterance{
		ID:        uuid.New().String(),
		SpeakerID: speakerID,
		Role:      role,
		Text:      text,
		Timestamp: ts,
		cost:      cost,
	}
}

// Cost returns the utterance's cost under the measure that was active when
// it was last scored.
func (u Utterance) Cost() int { return u.cost }
