package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/netherbot/netherworld/internal/netherworld/chat"
	"github.com/netherbot/netherworld/internal/netherworld/commands"
)

// typingTimeout is how long the typing indicator stays up while a reply is
// generating. Generation on a CPU backend can be slow.
const typingTimeout = 30 * time.Second

// TurnRunner is the slice of the chat engine the Matrix front end needs.
type TurnRunner interface {
	HandleTurn(ctx context.Context, sessionID, speakerID, text string) (*chat.Turn, error)
}

// Sender is the slice of the Matrix client the provider sends through,
// narrowed so tests can substitute a recorder.
type Sender interface {
	SendFormattedMessage(roomID, html, plaintext string) error
	SendNotice(roomID, message string) error
	SetTyping(roomID string, typing bool, timeout time.Duration) error
}

// Provider turns Matrix room messages into conversation turns. A room is one
// memory session shared by everyone in it, so the bot follows the whole
// room's thread rather than keeping a private window per sender.
type Provider struct {
	engine TurnRunner
	router *commands.Router
	sender Sender
	logger *slog.Logger
}

// NewProvider creates the Matrix message handler.
func NewProvider(engine TurnRunner, router *commands.Router, sender Sender, logger *slog.Logger) (*Provider, error) {
	if engine == nil {
		return nil, errors.New("matrix: turn runner is required")
	}
	if router == nil {
		return nil, errors.New("matrix: command router is required")
	}
	if sender == nil {
		return nil, errors.New("matrix: sender is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{engine: engine, router: router, sender: sender, logger: logger}, nil
}

// HandleEvent processes one incoming room message. It satisfies
// MessageHandler; the client has already filtered out non-text events, our
// own messages, and unconfigured rooms.
func (p *Provider) HandleEvent(ctx context.Context, evt *event.Event) {
	msgContent := evt.Content.AsMessage()
	if msgContent == nil {
		return
	}

	roomID := evt.RoomID.String()
	text := msgContent.Body
	req := &commands.Request{SessionID: roomID, SenderID: evt.Sender.String()}

	response, err := p.router.Route(ctx, text, req)
	switch {
	case err == nil:
		if err := p.sender.SendFormattedMessage(roomID, markdownToHTML(response), response); err != nil {
			p.logger.Error("failed to send command response", "room", roomID, "err", err)
		}
		return
	case !errors.Is(err, commands.ErrNotACommand):
		if err2 := p.sender.SendNotice(roomID, fmt.Sprintf("❌ Error: %s", err)); err2 != nil {
			p.logger.Error("failed to send command error", "room", roomID, "err", err2)
		}
		return
	}

	// Ordinary chat. Typing indicator is best effort.
	if err := p.sender.SetTyping(roomID, true, typingTimeout); err != nil {
		p.logger.Debug("failed to set typing indicator", "room", roomID, "err", err)
	}
	turn, err := p.engine.HandleTurn(ctx, roomID, req.SenderID, text)
	if err2 := p.sender.SetTyping(roomID, false, 0); err2 != nil {
		p.logger.Debug("failed to clear typing indicator", "room", roomID, "err", err2)
	}
	if err != nil {
		p.logger.Warn("turn failed", "room", roomID, "err", err)
		if err2 := p.sender.SendNotice(roomID, "I am lost for words right now; please try again."); err2 != nil {
			p.logger.Error("failed to send failure notice", "room", roomID, "err", err2)
		}
		return
	}

	if err := p.sender.SendFormattedMessage(roomID, markdownToHTML(turn.Reply), turn.Reply); err != nil {
		p.logger.Error("failed to send reply", "room", roomID, "err", err)
	}
	for _, warning := range turn.Warnings() {
		if err := p.sender.SendNotice(roomID, warning); err != nil {
			p.logger.Error("failed to send memory warning", "room", roomID, "err", err)
		}
	}
}

// markdownToHTML converts the small subset of Markdown produced by command
// handlers into HTML suitable for a Matrix m.text event with
// format=org.matrix.custom.html.
//
// Supported constructs (in order of processing):
//   - Fenced code blocks  ```…```  → <pre><code>…</code></pre>
//   - Inline code  `…`             → <code>…</code>
//   - Bold  **…**                  → <strong>…</strong>
//   - Newlines                     → <br/>
func markdownToHTML(md string) string {
	// Process fenced code blocks first so their content is not touched by
	// subsequent inline passes.
	var out strings.Builder
	lines := strings.Split(md, "\n")
	inCode := false
	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			if !inCode {
				out.WriteString("<pre><code>")
				inCode = true
			} else {
				out.WriteString("</code></pre>")
				inCode = false
			}
			continue
		}
		if inCode {
			// Escape HTML entities inside code blocks.
			escaped := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(line)
			out.WriteString(escaped)
			out.WriteString("\n")
		} else {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	result := out.String()

	// Inline code: `…`
	result = replaceDelimited(result, "`", "<code>", "</code>")

	// Bold: **…**
	result = replaceDelimited(result, "**", "<strong>", "</strong>")

	// Convert bare newlines to <br/>.
	result = strings.ReplaceAll(result, "\n", "<br/>")

	return result
}

// replaceDelimited replaces occurrences of delim…delim with open+content+close.
// Only complete pairs are replaced; an unmatched opener is left as-is.
func replaceDelimited(s, delim, open, close string) string {
	var b strings.Builder
	for {
		start := strings.Index(s, delim)
		if start == -1 {
			b.WriteString(s)
			break
		}
		end := strings.Index(s[start+len(delim):], delim)
		if end == -1 {
			b.WriteString(s)
			break
		}
		end += start + len(delim) // absolute index of closing delim
		b.WriteString(s[:start])
		b.WriteString(open)
		b.WriteString(s[start+len(delim) : end])
		b.WriteString(close)
		s = s[end+len(delim):]
	}
	return b.String()
}
