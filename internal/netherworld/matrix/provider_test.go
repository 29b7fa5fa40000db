package matrix

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/netherbot/netherworld/internal/netherworld/chat"
	"github.com/netherbot/netherworld/internal/netherworld/commands"
)

type stubRunner struct {
	sessions []string
	speakers []string
	turn     *chat.Turn
	err      error
}

func (r *stubRunner) HandleTurn(_ context.Context, sessionID, speakerID, text string) (*chat.Turn, error) {
	r.sessions = append(r.sessions, sessionID)
	r.speakers = append(r.speakers, speakerID)
	if r.err != nil {
		return nil, r.err
	}
	if r.turn != nil {
		return r.turn, nil
	}
	return &chat.Turn{Reply: "echo: " + text}, nil
}

type sentMessage struct {
	kind string // "formatted" or "notice"
	body string
}

type stubSender struct {
	sent   []sentMessage
	typing []bool
}

func (s *stubSender) SendFormattedMessage(roomID, html, plaintext string) error {
	s.sent = append(s.sent, sentMessage{kind: "formatted", body: plaintext})
	return nil
}

func (s *stubSender) SendNotice(roomID, message string) error {
	s.sent = append(s.sent, sentMessage{kind: "notice", body: message})
	return nil
}

func (s *stubSender) SetTyping(roomID string, typing bool, timeout time.Duration) error {
	s.typing = append(s.typing, typing)
	return nil
}

func textEvent(sender, roomID, body string) *event.Event {
	return &event.Event{
		Sender: id.UserID(sender),
		RoomID: id.RoomID(roomID),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body},
		},
	}
}

func newTestProvider(t *testing.T, runner TurnRunner) (*Provider, *stubSender) {
	t.Helper()
	router := commands.NewRouter(commands.DefaultPrefix)
	router.Register("ping", func(context.Context, *commands.Command, *commands.Request) (string, error) {
		return "**pong**", nil
	})
	sender := &stubSender{}
	p, err := NewProvider(runner, router, sender, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	return p, sender
}

func TestHandleEventChat(t *testing.T) {
	runner := &stubRunner{}
	p, sender := newTestProvider(t, runner)

	p.HandleEvent(context.Background(), textEvent("@alice:example.org", "!room:example.org", "Hello there."))

	if len(runner.sessions) != 1 || runner.sessions[0] != "!room:example.org" {
		t.Errorf("sessions = %v, want room ID as session", runner.sessions)
	}
	if runner.speakers[0] != "@alice:example.org" {
		t.Errorf("speaker = %q", runner.speakers[0])
	}
	if len(sender.sent) != 1 || sender.sent[0].body != "echo: Hello there." {
		t.Errorf("sent = %+v", sender.sent)
	}
	// Typing turned on, then off.
	if len(sender.typing) != 2 || !sender.typing[0] || sender.typing[1] {
		t.Errorf("typing = %v", sender.typing)
	}
}

func TestHandleEventCommand(t *testing.T) {
	runner := &stubRunner{}
	p, sender := newTestProvider(t, runner)

	p.HandleEvent(context.Background(), textEvent("@alice:example.org", "!room:example.org", "/nether ping"))

	if len(runner.sessions) != 0 {
		t.Errorf("command reached the engine: %v", runner.sessions)
	}
	if len(sender.sent) != 1 || sender.sent[0].kind != "formatted" {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if sender.sent[0].body != "**pong**" {
		t.Errorf("plaintext = %q", sender.sent[0].body)
	}
}

func TestHandleEventCommandError(t *testing.T) {
	runner := &stubRunner{}
	p, sender := newTestProvider(t, runner)

	p.HandleEvent(context.Background(), textEvent("@alice:example.org", "!room:example.org", "/nether nosuch"))

	if len(sender.sent) != 1 || sender.sent[0].kind != "notice" {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if !strings.Contains(sender.sent[0].body, "unknown command") {
		t.Errorf("notice = %q", sender.sent[0].body)
	}
}

func TestHandleEventTurnFailure(t *testing.T) {
	runner := &stubRunner{err: errors.New("backend down")}
	p, sender := newTestProvider(t, runner)

	p.HandleEvent(context.Background(), textEvent("@alice:example.org", "!room:example.org", "hi"))

	if len(sender.sent) != 1 || sender.sent[0].kind != "notice" {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if !strings.Contains(sender.sent[0].body, "lost for words") {
		t.Errorf("notice = %q", sender.sent[0].body)
	}
}

func TestHandleEventWarningsAsNotices(t *testing.T) {
	runner := &stubRunner{turn: &chat.Turn{Reply: "hi", Evicted: 2, FloorHit: true}}
	p, sender := newTestProvider(t, runner)

	p.HandleEvent(context.Background(), textEvent("@alice:example.org", "!room:example.org", "hi"))

	if len(sender.sent) != 3 {
		t.Fatalf("sent = %+v", sender.sent)
	}
	if sender.sent[0].kind != "formatted" {
		t.Errorf("reply kind = %q", sender.sent[0].kind)
	}
	if sender.sent[1].kind != "notice" || !strings.Contains(sender.sent[1].body, "forgot 2") {
		t.Errorf("warning 1 = %+v", sender.sent[1])
	}
	if sender.sent[2].kind != "notice" || !strings.Contains(sender.sent[2].body, "exceeds the memory budget") {
		t.Errorf("warning 2 = %+v", sender.sent[2])
	}
}

func TestMarkdownToHTML(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{
			name: "bold",
			md:   "**Memories (2)**",
			want: "<strong>Memories (2)</strong><br/>",
		},
		{
			name: "inline code",
			md:   "use `memory show`",
			want: "use <code>memory show</code><br/>",
		},
		{
			name: "code block escapes html",
			md:   "```\na < b\n```",
			want: "<pre><code>a &lt; b<br/></code></pre>",
		},
		{
			name: "unmatched bold left alone",
			md:   "two ** stars",
			want: "two ** stars<br/>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToHTML(tt.md); got != tt.want {
				t.Errorf("markdownToHTML(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestIsConfiguredRoom(t *testing.T) {
	c := &Client{config: &Config{Rooms: []string{"!a:x", "!b:x"}}}
	if !c.IsConfiguredRoom("!a:x") {
		t.Error("configured room not recognized")
	}
	if c.IsConfiguredRoom("!c:x") {
		t.Error("unconfigured room accepted")
	}
}
