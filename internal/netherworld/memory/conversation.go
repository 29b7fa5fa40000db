package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrOutOfOrderAppend is returned when an append carries a timestamp older
// than the newest retained utterance. This is an integration bug in the
// caller — turns are never silently reordered.
var ErrOutOfOrderAppend = errors.New("memory: out-of-order append")

// Options configures a ConversationMemory at creation time. The
// configuration is fixed for the session's lifetime except for the measure,
// which is switched via SetMeasure.
type Options struct {
	// Budget is the maximum total cost of retained utterances. Must be > 0.
	Budget int

	// Headroom reserves part of the budget as generation wiggle room: the
	// cycler trims to Budget-Headroom so the backend has space to produce
	// new tokens. Must be ≥ 0 and < Budget.
	Headroom int

	// Measure scores utterance text. Required.
	Measure Measure

	// Prompt, when non-empty, is pinned as a system utterance at the head of
	// the buffer. The pin counts toward the total cost but is never evicted —
	// losing it would erase the agent's persona.
	Prompt string

	// PromptSpeakerID labels the pinned prompt's speaker. Defaults to
	// "system" when empty.
	PromptSpeakerID string
}

func (o Options) validate() error {
	if o.Budget <= 0 {
		return fmt.Errorf("memory: budget must be positive, got %d", o.Budget)
	}
	if o.Headroom < 0 || o.Headroom >= o.Budget {
		return fmt.Errorf("memory: headroom must be in [0, budget), got %d with budget %d",
			o.Headroom, o.Budget)
	}
	if o.Measure == nil {
		return errors.New("memory: measure is required")
	}
	return nil
}

// CycleResult reports what a cycle pass did, for observability. Callers use
// it to warn users when recent turns were trimmed or when the floor was hit.
type CycleResult struct {
	// Evicted holds the utterances dropped by this pass, oldest first.
	Evicted []Utterance
	// FloorHit is true when cycling stopped at the one-utterance floor while
	// the total cost still exceeds the budget.
	FloorHit bool
	// PromptOverBudget is true when the pinned prompt alone exceeds the
	// effective budget. The prompt is still retained; the session needs a
	// bigger budget to make progress.
	PromptOverBudget bool
}

// ConversationMemory is the ordered, bounded utterance buffer for one
// session. All public operations leave the buffer under budget (or at the
// one-utterance floor); the transient over-budget state between an append
// and the cycle that follows is never observable because both happen under
// the session lock before the call returns.
//
// ConversationMemory is safe for concurrent use: a single mutex serializes
// append/cycle/measure-switch/clear so two in-flight turns cannot interleave
// evictions.
type ConversationMemory struct {
	mu sync.Mutex

	sessionID string
	budget    int
	headroom  int
	measure   Measure

	prompt        *Utterance // pinned persona prompt, never evicted
	promptText    string
	promptSpeaker string

	utterances   []Utterance // chronological, excludes the pinned prompt
	participants map[string]struct{}
}

// NewConversationMemory creates the memory buffer for sessionID. When a
// persona prompt is configured it is scored and pinned immediately.
func NewConversationMemory(ctx context.Context, sessionID string, opts Options) (*ConversationMemory, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := &ConversationMemory{
		sessionID:     sessionID,
		budget:        opts.Budget,
		headroom:      opts.Headroom,
		measure:       opts.Measure,
		promptText:    opts.Prompt,
		promptSpeaker: opts.PromptSpeakerID,
		participants:  make(map[string]struct{}),
	}
	if m.promptSpeaker == "" {
		m.promptSpeaker = "system"
	}
	if err := m.seedPrompt(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// seedPrompt scores and pins the persona prompt. Must be called with mu held
// or before the memory is shared.
func (m *ConversationMemory) seedPrompt(ctx context.Context) error {
	if m.promptText == "" {
		return nil
	}
	cost, err := m.measure.Score(ctx, m.promptText)
	if err != nil {
		return fmt.Errorf("memory: score persona prompt: %w", err)
	}
	u := newUtterance(m.promptSpeaker, RoleSystem, m.promptText, time.Time{}, cost)
	m.prompt = &u
	return nil
}

// SessionID returns the session this buffer belongs to.
func (m *ConversationMemory) SessionID() string { return m.sessionID }

// Budget returns the configured maximum total cost.
func (m *ConversationMemory) Budget() int { return m.budget }

// MeasureKind returns the kind of the active measure.
func (m *ConversationMemory) MeasureKind() MeasureKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.measure.Kind()
}

// effectiveBudget is the trim target: budget minus generation headroom.
func (m *ConversationMemory) effectiveBudget() int {
	return m.budget - m.headroom
}

// Append records a new turn at the tail of the buffer and cycles. The
// timestamp must not regress below the newest retained utterance; a
// regression fails with ErrOutOfOrderAppend and mutates nothing.
//
// The turn's cost is scored under the active measure before anything is
// appended, so a measurement failure (ErrMeasurementUnavailable) also
// mutates nothing.
func (m *ConversationMemory) Append(ctx context.Context, speakerID string, role Role, text string, ts time.Time) (CycleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := len(m.utterances); n > 0 && ts.Before(m.utterances[n-1].Timestamp) {
		return CycleResult{}, fmt.Errorf("%w: %v is before newest retained %v",
			ErrOutOfOrderAppend, ts, m.utterances[n-1].Timestamp)
	}

	cost, err := m.measure.Score(ctx, text)
	if err != nil {
		return CycleResult{}, err
	}

	m.utterances = append(m.utterances, newUtterance(speakerID, role, text, ts, cost))
	m.participants[speakerID] = struct{}{}

	return m.cycle(), nil
}

// Cycle evicts oldest utterances until the total cost fits the effective
// budget, then returns what was dropped. Calling it with no intervening
// append is a no-op (idempotent). Exposed so callers can re-check after
// reconfiguration; Append and SetMeasure already cycle internally.
func (m *ConversationMemory) Cycle() CycleResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cycle()
}

// cycle is the eviction core. Must be called with mu held.
//
// Eviction is strictly FIFO oldest-first: conversational coherence depends
// on chronological continuity, so dropping a mid-buffer turn would break
// reference resolution worse than dropping the oldest one. The pinned
// prompt is exempt; the buffer is never cycled below one evictable
// utterance even when that one alone blows the budget — an empty context is
// never useful, so the floor condition is reported rather than purged.
func (m *ConversationMemory) cycle() CycleResult {
	var res CycleResult
	target := m.effectiveBudget()

	if m.prompt != nil && m.prompt.cost > target {
		res.PromptOverBudget = true
	}

	for m.totalCost() > target && len(m.utterances) > 1 {
		res.Evicted = append(res.Evicted, m.utterances[0])
		m.utterances = m.utterances[1:]
	}
	if m.totalCost() > target && len(m.utterances) >= 1 {
		res.FloorHit = true
	}
	return res
}

// totalCost sums the pinned prompt and all retained utterances. Must be
// called with mu held.
func (m *ConversationMemory) totalCost() int {
	total := 0
	if m.prompt != nil {
		total += m.prompt.cost
	}
	for _, u := range m.utterances {
		total += u.cost
	}
	return total
}

// TotalCost returns the current total cost of the retained window.
func (m *ConversationMemory) TotalCost() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalCost()
}

// Len returns the number of retained utterances, excluding the pinned prompt.
func (m *ConversationMemory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.utterances)
}

// Snapshot returns a copy of the retained window in chronological order,
// pinned prompt first. Mutating the returned slice does not affect the
// buffer.
func (m *ConversationMemory) Snapshot() []Utterance {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Utterance, 0, len(m.utterances)+1)
	if m.prompt != nil {
		out = append(out, *m.prompt)
	}
	out = append(out, m.utterances...)
	return out
}

// Participants returns the sorted set of speaker IDs seen since the last
// clear. Informational only — it never influences eviction order.
func (m *ConversationMemory) Participants() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.participants))
	for p := range m.participants {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SetMeasure switches the active measure, rescoring every retained
// utterance (and the pinned prompt) under the new one, then cycles —
// costs under the new measure may differ, so re-evaluation is mandatory.
//
// Rescoring is all-or-nothing: if any utterance fails to score (tokenizer
// unavailable), the old measure and all cached costs stay in place and the
// error is returned.
func (m *ConversationMemory) SetMeasure(ctx context.Context, measure Measure) (CycleResult, error) {
	if measure == nil {
		return CycleResult{}, errors.New("memory: measure is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	promptCost := 0
	if m.prompt != nil {
		c, err := measure.Score(ctx, m.prompt.Text)
		if err != nil {
			return CycleResult{}, fmt.Errorf("memory: rescore persona prompt: %w", err)
		}
		promptCost = c
	}

	costs := make([]int, len(m.utterances))
	for i, u := range m.utterances {
		c, err := measure.Score(ctx, u.Text)
		if err != nil {
			return CycleResult{}, fmt.Errorf("memory: rescore utterance %s: %w", u.ID, err)
		}
		costs[i] = c
	}

	// All scores computed — commit.
	m.measure = measure
	if m.prompt != nil {
		m.prompt.cost = promptCost
	}
	for i := range m.utterances {
		m.utterances[i].cost = costs[i]
	}

	return m.cycle(), nil
}

// Clear empties the buffer and resets the participant set, returning the
// session to its initial state. The pinned prompt survives a clear — the
// persona is configuration, not conversation.
func (m *ConversationMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.utterances = nil
	m.participants = make(map[string]struct{})
}
