// Package app assembles and runs the Netherworld application: settings,
// persona, backend client, conversation memory, and the configured front end.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/netherbot/netherworld/common/redact"
	"github.com/netherbot/netherworld/internal/netherworld/backend"
	"github.com/netherbot/netherworld/internal/netherworld/chat"
	"github.com/netherbot/netherworld/internal/netherworld/commands"
	"github.com/netherbot/netherworld/internal/netherworld/config"
	"github.com/netherbot/netherworld/internal/netherworld/matrix"
	"github.com/netherbot/netherworld/internal/netherworld/memory"
	"github.com/netherbot/netherworld/internal/netherworld/persona"
	"github.com/netherbot/netherworld/internal/netherworld/store"
	"github.com/netherbot/netherworld/internal/netherworld/terminal"
)

// App is the assembled Netherworld application
type App struct {
	settings *config.Settings
	persona  *persona.Persona
	backend  *backend.Client
	memories *memory.Store
	engine   *chat.Engine
	router   *commands.Router

	// Exactly one provider is active, selected by settings.Provider.Type.
	terminal *terminal.Provider
	matrix   *matrix.Client
	matrixP  *matrix.Provider
	store    *store.Store // nil for the terminal provider
}

// New assembles the application from validated settings.
func New(settings *config.Settings) (*App, error) {
	p, err := persona.Load(settings.PersonaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load persona: %w", err)
	}
	slog.Info("persona loaded", "name", p.Name)

	client, err := backend.New(backend.Config{
		BaseURL: settings.Backend.URL,
		Timeout: settings.Backend.Timeout(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize backend client: %w", err)
	}

	// The remote tokenizer serves both the token measure and the tokens
	// payload encoding. The sentence measure with the messages encoding
	// needs neither, so the commands layer falls back to a heuristic
	// counter for /nether memory measure token.
	var tokenizer backend.Tokenizer
	var counter memory.TokenCounter = backend.HeuristicCounter{}
	if settings.MeasureKind() == memory.MeasureToken || settings.Encoding() == backend.EncodingTokens {
		remote := backend.NewRemoteTokenizer(client)
		tokenizer = remote
		counter = remote
	}

	var measure memory.Measure
	switch settings.MeasureKind() {
	case memory.MeasureToken:
		measure = memory.NewTokenMeasure(counter)
	default:
		measure = memory.SentenceMeasure{}
	}

	memories := memory.NewStore()
	engine, err := chat.NewEngine(memories, client, tokenizer, chat.Config{
		AgentID:    p.Name,
		Encoding:   settings.Encoding(),
		Generation: settings.Generation,
		MemoryOptions: memory.Options{
			Budget:          settings.Memory.Budget,
			Headroom:        settings.Memory.ExtraBudget,
			Measure:         measure,
			Prompt:          p.PinnedPrompt(),
			PromptSpeakerID: p.Name,
		},
	}, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize turn engine: %w", err)
	}

	router := commands.NewRouter(commands.DefaultPrefix)
	commands.NewHandlers(memories, counter).RegisterAll(router)

	a := &App{
		settings: settings,
		persona:  p,
		backend:  client,
		memories: memories,
		engine:   engine,
		router:   router,
	}

	switch settings.Provider.Type {
	case config.ProviderTerminal:
		term, err := terminal.New(engine, router, terminal.Config{
			UserName:  settings.Provider.UserName,
			AgentName: p.Name,
			Greeting:  p.Greeting,
		}, slog.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize terminal provider: %w", err)
		}
		a.terminal = term

	case config.ProviderMatrix:
		slog.Info("opening database", "path", settings.DatabasePath)
		db, err := store.New(settings.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}

		m := settings.Provider.Matrix
		slog.Info("connecting to Matrix", "homeserver", m.Homeserver)
		matrixClient, err := matrix.New(&matrix.Config{
			Homeserver:  m.Homeserver,
			UserID:      m.UserID,
			AccessToken: m.AccessToken,
			Rooms:       m.Rooms,
			DB:          db.DB(),
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize Matrix client: %w", err)
		}

		provider, err := matrix.NewProvider(engine, router, matrixClient, slog.Default())
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize Matrix provider: %w", err)
		}
		a.store = db
		a.matrix = matrixClient
		a.matrixP = provider

	default:
		return nil, fmt.Errorf("unknown provider type %q", settings.Provider.Type)
	}

	return a, nil
}

// Run loads the model on the backend and serves the configured provider
// until the context is canceled or the provider finishes.
func (a *App) Run(ctx context.Context) error {
	slog.Info("loading model on backend",
		"model", a.settings.Model.Model,
		"device", a.settings.Model.Device,
		"generation", redact.Map(a.settings.Generation),
	)
	if err := a.backend.Load(ctx, backend.LoadRequest{
		Model:  a.settings.Model.Model,
		Device: a.settings.Model.Device,
	}); err != nil {
		// No loaded model means no conversation can ever succeed.
		return err
	}
	slog.Info("model loaded")

	if a.terminal != nil {
		return a.terminal.Run(ctx)
	}

	slog.Info("starting Matrix sync")
	if err := a.matrix.Start(ctx, a.matrixP.HandleEvent); err != nil {
		return fmt.Errorf("failed to start Matrix client: %w", err)
	}

	if a.persona.Greeting != "" {
		for _, roomID := range a.settings.Provider.Matrix.Rooms {
			if err := a.matrix.SendMessage(roomID, a.persona.Greeting); err != nil {
				slog.Warn("failed to send greeting", "room", roomID, "err", err)
			}
		}
	}

	slog.Info("Netherworld is running; press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	return nil
}

// Stop releases everything the app holds.
func (a *App) Stop() {
	if a.matrix != nil {
		slog.Info("stopping Matrix client")
		a.matrix.Stop()
	}
	if a.store != nil {
		slog.Info("closing database")
		a.store.Close()
	}
	a.memories.Teardown()
}
