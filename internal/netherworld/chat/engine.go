// Package chat runs conversation turns: it owns the glue between the
// per-session memory, the serializer, and the inference backend. Providers
// (terminal, Matrix) hand it raw user messages and get reply text back.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/netherbot/netherworld/common/trace"
	"github.com/netherbot/netherworld/internal/netherworld/backend"
	"github.com/netherbot/netherworld/internal/netherworld/memory"
)

// Generator is the slice of the backend client the engine needs.
type Generator interface {
	Generate(ctx context.Context, req backend.GenerateRequest) ([]byte, error)
}

// Config configures the turn engine.
type Config struct {
	// AgentID names the agent speaker on replies, typically the persona name.
	AgentID string

	// Encoding selects the wire framing for the retained window.
	Encoding backend.PayloadEncoding

	// Generation is passed through to the backend on every turn.
	Generation map[string]any

	// MemoryOptions is the template applied when a session is first seen.
	MemoryOptions memory.Options
}

// Engine dispatches conversation turns. Safe for concurrent use across
// sessions; per-session ordering is the caller's concern.
type Engine struct {
	store      *memory.Store
	gen        Generator
	tokenizer  backend.Tokenizer
	serializer memory.Serializer
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewEngine builds a turn engine. tokenizer is required for the tokens
// encoding and may be nil otherwise.
func NewEngine(store *memory.Store, gen Generator, tokenizer backend.Tokenizer, cfg Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("chat: memory store is required")
	}
	if gen == nil {
		return nil, errors.New("chat: generator is required")
	}
	if cfg.AgentID == "" {
		return nil, errors.New("chat: agent ID is required")
	}
	if cfg.Encoding == "" {
		cfg.Encoding = backend.EncodingMessages
	}
	if cfg.Encoding == backend.EncodingTokens && tokenizer == nil {
		return nil, errors.New("chat: tokens encoding requires a tokenizer")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     store,
		gen:       gen,
		tokenizer: tokenizer,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Turn is the outcome of one user message.
type Turn struct {
	// Reply is the agent's reply text.
	Reply string
	// Evicted counts turns forgotten while fitting this exchange under the
	// budget.
	Evicted int
	// FloorHit reports that a single retained turn alone exceeds the budget.
	FloorHit bool
	// PromptOverBudget reports that the pinned persona prompt alone exceeds
	// the budget.
	PromptOverBudget bool
}

// HandleTurn appends the user message to the session's memory, ships the
// retained window to the backend, and appends the reply. The user message
// stays in memory even when the backend call fails, so a retried turn does
// not lose what the user said.
func (e *Engine) HandleTurn(ctx context.Context, sessionID, speakerID, text string) (*Turn, error) {
	traceID := trace.GenerateID()
	logger := e.logger.With("trace", traceID, "session", sessionID)

	conv, err := e.store.GetOrCreate(ctx, sessionID, e.cfg.MemoryOptions)
	if err != nil {
		return nil, fmt.Errorf("chat: open session: %w", err)
	}

	turn := &Turn{}
	result, err := conv.Append(ctx, speakerID, memory.RoleUser, text, e.now())
	if err != nil {
		return nil, fmt.Errorf("chat: append user turn: %w", err)
	}
	turn.absorb(result)

	req := backend.GenerateRequest{Generation: e.cfg.Generation}
	payload := e.serializer.ToPayload(conv.Snapshot())
	switch e.cfg.Encoding {
	case backend.EncodingTokens:
		tokens, err := e.tokenizer.Encode(ctx, renderTranscript(payload))
		if err != nil {
			return nil, fmt.Errorf("chat: tokenize window: %w", err)
		}
		req.ChatHistory = memory.EncodeTokenStream(tokens)
	default:
		req.Messages = payload
	}

	raw, err := e.gen.Generate(ctx, req)
	if err != nil {
		logger.Warn("backend generate failed", "error", err)
		return nil, err
	}

	reply, err := e.parseReply(ctx, raw)
	if err != nil {
		logger.Warn("backend reply rejected", "error", err)
		return nil, err
	}

	result, err = conv.Append(ctx, reply.SpeakerID, reply.Role, reply.Text, e.now())
	if err != nil {
		return nil, fmt.Errorf("chat: append reply: %w", err)
	}
	turn.absorb(result)
	turn.Reply = reply.Text

	if turn.Evicted > 0 || turn.FloorHit || turn.PromptOverBudget {
		logger.Info("memory cycled",
			"evicted", turn.Evicted,
			"floor_hit", turn.FloorHit,
			"prompt_over_budget", turn.PromptOverBudget,
			"total_cost", conv.TotalCost(),
			"budget", conv.Budget(),
		)
	}
	return turn, nil
}

// parseReply reduces a raw backend response to an appendable reply under the
// configured encoding.
func (e *Engine) parseReply(ctx context.Context, raw []byte) (memory.Reply, error) {
	if e.cfg.Encoding != backend.EncodingTokens {
		reply, err := e.serializer.FromResponse(raw)
		if err != nil {
			return memory.Reply{}, err
		}
		if reply.SpeakerID == "" {
			reply.SpeakerID = e.cfg.AgentID
		}
		return reply, nil
	}

	var resp struct {
		Tokens string `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return memory.Reply{}, fmt.Errorf("%w: %v", memory.ErrDeserialization, err)
	}
	if resp.Tokens == "" {
		return memory.Reply{}, fmt.Errorf("%w: missing tokens field", memory.ErrDeserialization)
	}
	tokens, err := memory.DecodeTokenStream(resp.Tokens)
	if err != nil {
		return memory.Reply{}, err
	}
	text, err := e.tokenizer.Decode(ctx, tokens)
	if err != nil {
		return memory.Reply{}, fmt.Errorf("chat: detokenize reply: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		return memory.Reply{}, fmt.Errorf("%w: empty detokenized reply", memory.ErrDeserialization)
	}
	return memory.Reply{SpeakerID: e.cfg.AgentID, Role: memory.RoleAgent, Text: text}, nil
}

func (t *Turn) absorb(r memory.CycleResult) {
	t.Evicted += len(r.Evicted)
	t.FloorHit = t.FloorHit || r.FloorHit
	t.PromptOverBudget = t.PromptOverBudget || r.PromptOverBudget
}

// renderTranscript flattens the window into the plain-text form the
// tokenizer consumes. The pinned system prompt keeps its own paragraph; user
// and agent turns are prefixed with the speaker name the way the persona's
// example conversation is written.
func renderTranscript(msgs []memory.PayloadMessage) string {
	var sb strings.Builder
	for _, m := range msgs {
		if m.Role == memory.RoleSystem {
			sb.WriteString(m.Text)
			sb.WriteString("\n\n")
			continue
		}
		sb.WriteString(m.SpeakerID)
		sb.WriteString(": ")
		sb.WriteString(m.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Warnings renders the user-facing notices for this turn. Providers print
// these after the reply, mirroring the trim warnings the terminal front end
// always showed.
func (t *Turn) Warnings() []string {
	var out []string
	if t.Evicted > 0 {
		out = append(out, fmt.Sprintf("(forgot %d older turn(s) to stay within memory)", t.Evicted))
	}
	if t.FloorHit {
		out = append(out, "(a single turn exceeds the memory budget; keeping it anyway)")
	}
	if t.PromptOverBudget {
		out = append(out, "(persona prompt alone exceeds the memory budget)")
	}
	return out
}
