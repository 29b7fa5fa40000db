package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func sentenceOpts(budget int) Options {
	return Options{Budget: budget, Measure: SentenceMeasure{}}
}

func mustMemory(t *testing.T, sessionID string, opts Options) *ConversationMemory {
	t.Helper()
	m, err := NewConversationMemory(context.Background(), sessionID, opts)
	if err != nil {
		t.Fatalf("NewConversationMemory: %v", err)
	}
	return m
}

func TestConversationMemory_CycleEvictsOldestUnderBudget(t *testing.T) {
	// budget=3 sentences; U1 cost 2, U2 cost 2 → cycling evicts U1, leaving
	// only U2 at total 2 ≤ 3.
	m := mustMemory(t, "!room:test", sentenceOpts(3))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	res, err := m.Append(context.Background(), "@alice:test", RoleUser, "First. Second.", now)
	if err != nil {
		t.Fatalf("append U1: %v", err)
	}
	if len(res.Evicted) != 0 {
		t.Fatalf("U1 should fit: evicted %d", len(res.Evicted))
	}

	res, err = m.Append(context.Background(), "@bot:test", RoleAgent, "Third. Fourth.", now.Add(time.Second))
	if err != nil {
		t.Fatalf("append U2: %v", err)
	}
	if len(res.Evicted) != 1 {
		t.Fatalf("expected 1 eviction, got %d", len(res.Evicted))
	}
	if res.Evicted[0].Text != "First. Second." {
		t.Errorf("evicted wrong utterance: %q", res.Evicted[0].Text)
	}

	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Text != "Third. Fourth." {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if m.TotalCost() != 2 {
		t.Errorf("TotalCost() = %d, want 2", m.TotalCost())
	}
}

func TestConversationMemory_FloorKeepsOversizedUtterance(t *testing.T) {
	// budget=1; a single utterance of cost 5 is never fully purged, and a
	// subsequent cost-1 append evicts it.
	m := mustMemory(t, "!room:test", sentenceOpts(1))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	res, err := m.Append(context.Background(), "@alice:test", RoleUser, "A. B. C. D. E.", now)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.FloorHit {
		t.Error("expected FloorHit when a lone utterance exceeds budget")
	}
	if m.Len() != 1 {
		t.Fatalf("floor broken: %d utterances retained", m.Len())
	}
	if m.TotalCost() != 5 {
		t.Errorf("TotalCost() = %d, want 5", m.TotalCost())
	}

	res, err = m.Append(context.Background(), "@bot:test", RoleAgent, "Ok.", now.Add(time.Second))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if res.FloorHit {
		t.Error("floor should clear once the oversized turn is evictable")
	}
	if len(res.Evicted) != 1 || res.Evicted[0].Cost() != 5 {
		t.Fatalf("expected the oversized turn evicted, got %+v", res.Evicted)
	}
	if m.TotalCost() != 1 {
		t.Errorf("TotalCost() = %d, want 1", m.TotalCost())
	}
}

func TestConversationMemory_FIFOEvictionOrder(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(3))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	var evicted []Utterance
	for i := range 6 {
		res, err := m.Append(context.Background(), "@alice:test", RoleUser,
			fmt.Sprintf("Turn %d.", i), now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		evicted = append(evicted, res.Evicted...)
	}

	// Evictions must be the chronologically oldest turns, in order.
	for i, u := range evicted {
		want := fmt.Sprintf("Turn %d.", i)
		if u.Text != want {
			t.Errorf("eviction %d = %q, want %q", i, u.Text, want)
		}
	}

	// The retained window must be a contiguous chronological suffix.
	snap := m.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("snapshot out of order at %d", i)
		}
	}
	if got := len(evicted) + len(snap); got != 6 {
		t.Errorf("evicted+retained = %d, want 6", got)
	}
}

func TestConversationMemory_CycleIdempotent(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(2))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	for i := range 4 {
		if _, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.",
			now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	before := m.Snapshot()
	res := m.Cycle()
	if len(res.Evicted) != 0 {
		t.Errorf("second cycle evicted %d utterances, want 0", len(res.Evicted))
	}
	after := m.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("cycle changed buffer: %d → %d", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("cycle reordered buffer at %d", i)
		}
	}
}

func TestConversationMemory_OutOfOrderAppend(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(10))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	if _, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.", now); err != nil {
		t.Fatalf("append: %v", err)
	}
	_, err := m.Append(context.Background(), "@bob:test", RoleUser, "Earlier.", now.Add(-time.Second))
	if !errors.Is(err, ErrOutOfOrderAppend) {
		t.Fatalf("expected ErrOutOfOrderAppend, got %v", err)
	}
	// The regressing turn must not have been recorded.
	if m.Len() != 1 {
		t.Errorf("buffer mutated by rejected append: len=%d", m.Len())
	}

	// Equal timestamps are allowed (ties broken by insertion order).
	if _, err := m.Append(context.Background(), "@bob:test", RoleUser, "Same instant.", now); err != nil {
		t.Errorf("equal-timestamp append should succeed: %v", err)
	}
}

func TestConversationMemory_SetMeasureRescoresAndCycles(t *testing.T) {
	// Under the sentence measure both turns fit; under a token measure the
	// same budget forces an eviction.
	m := mustMemory(t, "!room:test", Options{Budget: 20, Measure: SentenceMeasure{}})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	texts := []string{"A fairly long first turn here.", "Shorter second."}
	for i, text := range texts {
		if _, err := m.Append(context.Background(), "@alice:test", RoleUser, text,
			now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if m.TotalCost() != 2 {
		t.Fatalf("sentence TotalCost() = %d, want 2", m.TotalCost())
	}

	res, err := m.SetMeasure(context.Background(), NewTokenMeasure(stubCounter{perChar: 1}))
	if err != nil {
		t.Fatalf("SetMeasure: %v", err)
	}
	if m.MeasureKind() != MeasureToken {
		t.Errorf("MeasureKind() = %q after switch", m.MeasureKind())
	}

	// "Shorter second." is 15 chars → cost 15 ≤ 20; the first turn (30 chars)
	// must have been evicted to get back under budget.
	if len(res.Evicted) != 1 {
		t.Fatalf("expected 1 eviction after measure switch, got %d", len(res.Evicted))
	}
	snap := m.Snapshot()
	if len(snap) != 1 || snap[0].Text != "Shorter second." {
		t.Fatalf("unexpected snapshot after switch: %+v", snap)
	}
	if snap[0].Cost() != len("Shorter second.") {
		t.Errorf("cost not rescored: %d", snap[0].Cost())
	}
	if m.TotalCost() > 20 {
		t.Errorf("over budget after SetMeasure: %d", m.TotalCost())
	}
}

func TestConversationMemory_SetMeasureFailureLeavesStateIntact(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(10))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	if _, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi there.", now); err != nil {
		t.Fatalf("append: %v", err)
	}

	broken := NewTokenMeasure(stubCounter{err: errors.New("tokenizer down")})
	_, err := m.SetMeasure(context.Background(), broken)
	if !errors.Is(err, ErrMeasurementUnavailable) {
		t.Fatalf("expected ErrMeasurementUnavailable, got %v", err)
	}

	// Old measure and costs stay in place.
	if m.MeasureKind() != MeasureSentence {
		t.Errorf("measure switched despite failure: %q", m.MeasureKind())
	}
	if snap := m.Snapshot(); snap[0].Cost() != 1 {
		t.Errorf("cost changed despite failure: %d", snap[0].Cost())
	}
}

func TestConversationMemory_AppendMeasurementFailureMutatesNothing(t *testing.T) {
	m := mustMemory(t, "!room:test", Options{
		Budget:  10,
		Measure: NewTokenMeasure(stubCounter{err: errors.New("tokenizer down")}),
	})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	_, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.", now)
	if !errors.Is(err, ErrMeasurementUnavailable) {
		t.Fatalf("expected ErrMeasurementUnavailable, got %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("failed append left %d utterances", m.Len())
	}
	if got := m.Participants(); len(got) != 0 {
		t.Errorf("failed append recorded participants: %v", got)
	}
}

func TestConversationMemory_Participants(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(10))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	speakers := []string{"@carol:test", "@alice:test", "@bob:test", "@alice:test"}
	for i, sp := range speakers {
		if _, err := m.Append(context.Background(), sp, RoleUser, "Hi.",
			now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got := m.Participants()
	want := []string{"@alice:test", "@bob:test", "@carol:test"}
	if len(got) != len(want) {
		t.Fatalf("Participants() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Participants() = %v, want %v", got, want)
		}
	}

	m.Clear()
	if got := m.Participants(); len(got) != 0 {
		t.Errorf("participants not reset by Clear: %v", got)
	}
	if m.Len() != 0 {
		t.Errorf("buffer not emptied by Clear: %d", m.Len())
	}
}

func TestConversationMemory_PinnedPromptSurvivesCyclingAndClear(t *testing.T) {
	m := mustMemory(t, "!room:test", Options{
		Budget:  3,
		Measure: SentenceMeasure{},
		Prompt:  "You are Nyssa, a sardonic librarian.",
	})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	// Prompt costs 1; budget 3 leaves room for 2 more sentences.
	for i := range 5 {
		if _, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.",
			now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	snap := m.Snapshot()
	if snap[0].Role != RoleSystem {
		t.Fatalf("pinned prompt missing from snapshot head: %+v", snap[0])
	}
	if m.TotalCost() > 3 {
		t.Errorf("over budget with pin: %d", m.TotalCost())
	}

	m.Clear()
	snap = m.Snapshot()
	if len(snap) != 1 || snap[0].Role != RoleSystem {
		t.Fatalf("prompt should survive Clear, snapshot: %+v", snap)
	}
}

func TestConversationMemory_PromptOverBudgetReported(t *testing.T) {
	m := mustMemory(t, "!room:test", Options{
		Budget:  2,
		Measure: SentenceMeasure{},
		Prompt:  "One. Two. Three. Four.",
	})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	res, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.", now)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.PromptOverBudget {
		t.Error("expected PromptOverBudget when the pin alone exceeds budget")
	}
	// The non-pinned floor still holds: the user's turn is retained.
	if m.Len() != 1 {
		t.Errorf("expected the user turn retained, len=%d", m.Len())
	}
}

func TestConversationMemory_HeadroomTightensTrimTarget(t *testing.T) {
	m := mustMemory(t, "!room:test", Options{
		Budget:   5,
		Headroom: 2,
		Measure:  SentenceMeasure{},
	})
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	// Effective budget is 3: the fourth cost-1 turn must force an eviction.
	var evictions int
	for i := range 4 {
		res, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.",
			now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		evictions += len(res.Evicted)
	}
	if evictions != 1 {
		t.Errorf("expected 1 eviction under headroom, got %d", evictions)
	}
	if m.TotalCost() > 3 {
		t.Errorf("TotalCost() = %d exceeds effective budget 3", m.TotalCost())
	}
}

func TestConversationMemory_OptionValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{name: "zero budget", opts: Options{Budget: 0, Measure: SentenceMeasure{}}},
		{name: "negative budget", opts: Options{Budget: -3, Measure: SentenceMeasure{}}},
		{name: "headroom eats budget", opts: Options{Budget: 5, Headroom: 5, Measure: SentenceMeasure{}}},
		{name: "negative headroom", opts: Options{Budget: 5, Headroom: -1, Measure: SentenceMeasure{}}},
		{name: "missing measure", opts: Options{Budget: 5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewConversationMemory(context.Background(), "s", tt.opts); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestConversationMemory_SnapshotIsACopy(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(10))
	now := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	if _, err := m.Append(context.Background(), "@alice:test", RoleUser, "Hi.", now); err != nil {
		t.Fatalf("append: %v", err)
	}

	snap := m.Snapshot()
	snap[0].Text = "mutated"
	if m.Snapshot()[0].Text != "Hi." {
		t.Error("snapshot mutation leaked into the buffer")
	}
}

func TestConversationMemory_ConcurrentAppendsStayConsistent(t *testing.T) {
	m := mustMemory(t, "!room:test", sentenceOpts(10))
	base := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range 50 {
				// Same timestamp for all goroutines at each step keeps the
				// ordering check trivially satisfiable under concurrency.
				ts := base.Add(time.Duration(i) * time.Hour)
				_, err := m.Append(context.Background(),
					fmt.Sprintf("@g%d:test", g), RoleUser, "Hi.", ts)
				if err != nil && !errors.Is(err, ErrOutOfOrderAppend) {
					t.Errorf("append: %v", err)
				}
			}
		}(g)
	}
	wg.Wait()

	if m.TotalCost() > 10 {
		t.Errorf("budget invariant violated under concurrency: %d", m.TotalCost())
	}
	snap := m.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i].Timestamp.Before(snap[i-1].Timestamp) {
			t.Fatalf("ordering invariant violated at %d", i)
		}
	}
}
