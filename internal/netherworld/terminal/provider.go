// Package terminal provides the interactive REPL front end.
package terminal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/netherbot/netherworld/internal/netherworld/chat"
	"github.com/netherbot/netherworld/internal/netherworld/commands"
)

// quitWord ends the session, matching the classic REPL escape hatch.
const quitWord = "!quit"

// TurnRunner is the slice of the chat engine the REPL needs.
type TurnRunner interface {
	HandleTurn(ctx context.Context, sessionID, speakerID, text string) (*chat.Turn, error)
}

// Config configures the REPL provider.
type Config struct {
	// UserName labels the human side of the prompt.
	UserName string
	// AgentName labels the agent side of the prompt.
	AgentName string
	// Greeting is printed once at startup, if set.
	Greeting string
	// In and Out default to the process's stdio when nil.
	In  io.Reader
	Out io.Writer
}

// Provider runs a read-eval-print loop against the turn engine. A terminal
// session is single-user, so the whole run shares one memory session.
type Provider struct {
	engine TurnRunner
	router *commands.Router
	cfg    Config
	logger *slog.Logger
}

// New creates a terminal provider.
func New(engine TurnRunner, router *commands.Router, cfg Config, logger *slog.Logger) (*Provider, error) {
	if engine == nil {
		return nil, errors.New("terminal: turn runner is required")
	}
	if router == nil {
		return nil, errors.New("terminal: command router is required")
	}
	if cfg.UserName == "" {
		return nil, errors.New("terminal: user name is required")
	}
	if cfg.AgentName == "" {
		return nil, errors.New("terminal: agent name is required")
	}
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{engine: engine, router: router, cfg: cfg, logger: logger}, nil
}

// SessionID returns the memory session key for this run.
func (p *Provider) SessionID() string {
	return "terminal:" + p.cfg.UserName
}

// Run reads lines until the input closes, the user types !quit, or the
// context is canceled.
func (p *Provider) Run(ctx context.Context) error {
	in, out := p.cfg.In, p.cfg.Out

	if p.cfg.Greeting != "" {
		fmt.Fprintf(out, "%s: %s\n", p.cfg.AgentName, p.cfg.Greeting)
	}

	// Reading stdin blocks with no cancelation hook, so a goroutine feeds a
	// channel and the loop selects against ctx.
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	req := &commands.Request{SessionID: p.SessionID(), SenderID: p.cfg.UserName}
	for {
		fmt.Fprintf(out, "%s: ", p.cfg.UserName)

		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return ctx.Err()
		case line, ok = <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("terminal: read input: %w", err)
					}
				default:
				}
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == quitWord {
			fmt.Fprintf(out, "%s: Farewell.\n", p.cfg.AgentName)
			return nil
		}

		if p.handleLine(ctx, line, req, out) {
			return nil
		}
	}
}

// handleLine processes one input line. It returns true when the loop should
// stop (context canceled mid-turn).
func (p *Provider) handleLine(ctx context.Context, line string, req *commands.Request, out io.Writer) bool {
	reply, err := p.router.Route(ctx, line, req)
	switch {
	case err == nil:
		fmt.Fprintln(out, reply)
		return false
	case !errors.Is(err, commands.ErrNotACommand):
		fmt.Fprintf(out, "error: %v\n", err)
		return false
	}

	turn, err := p.engine.HandleTurn(ctx, req.SessionID, p.cfg.UserName, line)
	if err != nil {
		if ctx.Err() != nil {
			return true
		}
		p.logger.Warn("turn failed", "error", err)
		fmt.Fprintf(out, "%s is lost for words right now (%v)\n", p.cfg.AgentName, err)
		return false
	}

	fmt.Fprintf(out, "%s: %s\n", p.cfg.AgentName, turn.Reply)
	for _, warning := range turn.Warnings() {
		fmt.Fprintln(out, warning)
	}
	return false
}
