package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netherbot/netherworld/common/trace"
	"github.com/netherbot/netherworld/common/version"
	"github.com/netherbot/netherworld/internal/netherworld/memory"
)

// Handlers holds all command handlers and dependencies
type Handlers struct {
	store   *memory.Store
	counter memory.TokenCounter
}

// NewHandlers creates a new Handlers instance. counter is used when a session
// switches to the token measure and may be nil if only the sentence measure
// is configured.
func NewHandlers(s *memory.Store, counter memory.TokenCounter) *Handlers {
	return &Handlers{store: s, counter: counter}
}

// RegisterAll wires every handler into the router.
func (h *Handlers) RegisterAll(r *Router) {
	r.Register("help", h.HandleHelp)
	r.Register("version", h.HandleVersion)
	r.Register("ping", h.HandlePing)
	r.Register("memory.show", h.HandleMemoryShow)
	r.Register("memory.clear", h.HandleMemoryClear)
	r.Register("memory.measure", h.HandleMemoryMeasure)
	r.Register("memory.stats", h.HandleMemoryStats)
}

// HandleHelp shows available commands
func (h *Handlers) HandleHelp(ctx context.Context, cmd *Command, req *Request) (string, error) {
	help := `**Netherworld**

**General Commands:**
• /nether help - Show this help message
• /nether version - Show version information
• /nether ping - Health check

**Memory Commands:**
• /nether memory show - Show the retained turns for this conversation
• /nether memory clear - Forget the retained turns for this conversation
• /nether memory measure <sentence|token> - Switch the cost measure
• /nether memory stats - Show budget, cost, and participants
`
	return help, nil
}

// HandleVersion shows version information
func (h *Handlers) HandleVersion(ctx context.Context, cmd *Command, req *Request) (string, error) {
	return fmt.Sprintf("**Netherworld**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

// HandlePing responds with a health check
func (h *Handlers) HandlePing(ctx context.Context, cmd *Command, req *Request) (string, error) {
	return fmt.Sprintf("🏓 Pong! (trace: %s)", trace.GenerateID()), nil
}

// HandleMemoryShow lists the retained turns for the caller's session.
func (h *Handlers) HandleMemoryShow(ctx context.Context, cmd *Command, req *Request) (string, error) {
	snapshot, err := h.store.Inspect(req.SessionID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return "No memories yet for this conversation.", nil
		}
		return "", fmt.Errorf("failed to inspect memory: %w", err)
	}
	if len(snapshot) == 0 {
		return "No memories yet for this conversation.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Memories (%d)**\n\n", len(snapshot)))
	for i, u := range snapshot {
		sb.WriteString(fmt.Sprintf("%d. `%s` **%s** (%s, cost %d)\n   %s\n",
			i+1,
			u.Timestamp.Format(time.RFC3339),
			u.SpeakerID,
			u.Role,
			u.Cost(),
			u.Text,
		))
	}
	return sb.String(), nil
}

// HandleMemoryClear forgets the retained turns for the caller's session.
func (h *Handlers) HandleMemoryClear(ctx context.Context, cmd *Command, req *Request) (string, error) {
	if err := h.store.Clear(req.SessionID); err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return "Nothing to forget for this conversation.", nil
		}
		return "", fmt.Errorf("failed to clear memory: %w", err)
	}
	return "🧹 Memories cleared for this conversation.", nil
}

// HandleMemoryMeasure switches the cost measure for the caller's session and
// reports what the rescore evicted.
func (h *Handlers) HandleMemoryMeasure(ctx context.Context, cmd *Command, req *Request) (string, error) {
	kindArg, ok := cmd.GetArg(0)
	if !ok {
		return "", fmt.Errorf("usage: /nether memory measure <sentence|token>")
	}
	kind, err := memory.ParseMeasureKind(kindArg)
	if err != nil {
		return "", err
	}

	conv, err := h.store.Get(req.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to get memory: %w", err)
	}

	var m memory.Measure
	switch kind {
	case memory.MeasureSentence:
		m = memory.SentenceMeasure{}
	case memory.MeasureToken:
		if h.counter == nil {
			return "", fmt.Errorf("token measure is not available: no tokenizer configured")
		}
		m = memory.NewTokenMeasure(h.counter)
	}

	result, err := conv.SetMeasure(ctx, m)
	if err != nil {
		return "", fmt.Errorf("failed to switch measure: %w", err)
	}

	msg := fmt.Sprintf("Measure switched to **%s**.", kind)
	if n := len(result.Evicted); n > 0 {
		msg += fmt.Sprintf(" Rescoring evicted %d turn(s).", n)
	}
	if result.FloorHit {
		msg += " The oldest remaining turn alone exceeds the budget."
	}
	return msg, nil
}

// HandleMemoryStats reports budget and occupancy for the caller's session.
func (h *Handlers) HandleMemoryStats(ctx context.Context, cmd *Command, req *Request) (string, error) {
	conv, err := h.store.Get(req.SessionID)
	if err != nil {
		if errors.Is(err, memory.ErrNotFound) {
			return "No memories yet for this conversation.", nil
		}
		return "", fmt.Errorf("failed to get memory: %w", err)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Memory stats for %s**\n\n", conv.SessionID()))
	sb.WriteString(fmt.Sprintf("Measure: %s\n", conv.MeasureKind()))
	sb.WriteString(fmt.Sprintf("Budget: %d\n", conv.Budget()))
	sb.WriteString(fmt.Sprintf("Total cost: %d\n", conv.TotalCost()))
	sb.WriteString(fmt.Sprintf("Turns retained: %d\n", conv.Len()))
	if participants := conv.Participants(); len(participants) > 0 {
		sb.WriteString(fmt.Sprintf("Participants: %s\n", strings.Join(participants, ", ")))
	}
	return sb.String(), nil
}
