// Package config loads and validates the Netherworld settings file. The
// settings document is JSON, checked against an embedded JSON Schema before
// decoding so malformed files fail with a precise path instead of a zero
// value surfacing much later.
//
// The Matrix access token may be supplied via NETHERWORLD_MATRIX_ACCESS_TOKEN
// instead of the settings file, so credentials can stay out of config that
// gets committed or shared.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/netherbot/netherworld/common/environment"
	"github.com/netherbot/netherworld/internal/netherworld/backend"
	"github.com/netherbot/netherworld/internal/netherworld/memory"
)

//go:embed schema.json
var schemaJSON []byte

// ProviderType selects the user-facing front end.
type ProviderType string

const (
	// ProviderTerminal runs the interactive REPL.
	ProviderTerminal ProviderType = "terminal"
	// ProviderMatrix connects to a Matrix homeserver.
	ProviderMatrix ProviderType = "matrix"
)

// MatrixSettings configures the Matrix provider.
type MatrixSettings struct {
	Homeserver  string   `json:"homeserver"`
	UserID      string   `json:"user_id"`
	AccessToken string   `json:"access_token,omitempty"`
	Rooms       []string `json:"rooms"`
}

// ProviderSettings selects and configures the front end.
type ProviderSettings struct {
	Type     ProviderType    `json:"provider_type"`
	UserName string          `json:"user_name"`
	Matrix   *MatrixSettings `json:"matrix,omitempty"`
}

// BackendSettings configures the inference backend client.
type BackendSettings struct {
	URL             string `json:"url"`
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	PayloadEncoding string `json:"payload_encoding,omitempty"`
}

// Timeout returns the configured HTTP timeout, or zero for the client
// default.
func (b BackendSettings) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// MemorySettings configures the short-term memory cycler.
type MemorySettings struct {
	// Budget is the maximum total cost of retained turns per session.
	Budget int `json:"budget"`
	// Measure is "sentence" or "token".
	Measure string `json:"measure"`
	// ExtraBudget reserves wiggle room under the budget so the backend has
	// space to generate new tokens.
	ExtraBudget int `json:"extra_budget,omitempty"`
}

// ModelSettings is shipped to the backend's /load endpoint at startup.
type ModelSettings struct {
	Model  string `json:"model"`
	Device string `json:"device,omitempty"`
}

// Settings is the decoded settings document.
type Settings struct {
	Provider     ProviderSettings `json:"provider_settings"`
	Backend      BackendSettings  `json:"backend_settings"`
	Memory       MemorySettings   `json:"memory_settings"`
	Model        ModelSettings    `json:"model_settings"`
	Generation   map[string]any   `json:"generation_settings,omitempty"`
	PersonaFile  string           `json:"persona_file"`
	DatabasePath string           `json:"database_path,omitempty"`
}

// Load reads, schema-validates, and decodes the settings file at path, then
// applies environment overrides and semantic validation.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return s, nil
}

// Parse validates raw settings JSON against the schema and decodes it.
func Parse(data []byte) (*Settings, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	// Credentials prefer the environment over the settings file.
	if s.Provider.Matrix != nil {
		s.Provider.Matrix.AccessToken = environment.StringOr(
			"NETHERWORLD_MATRIX_ACCESS_TOKEN", s.Provider.Matrix.AccessToken)
	}
	if s.DatabasePath == "" {
		s.DatabasePath = environment.StringOr("NETHERWORLD_DATABASE_PATH", "./netherworld.db")
	}

	if err := s.validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// validateSchema checks the raw document against the embedded JSON Schema.
func validateSchema(data []byte) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.schema.json", bytes.NewReader(schemaJSON)); err != nil {
		return fmt.Errorf("load embedded schema: %w", err)
	}
	schema, err := compiler.Compile("settings.schema.json")
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	return nil
}

// validate applies the semantic checks the schema cannot express.
func (s *Settings) validate() error {
	if _, err := memory.ParseMeasureKind(s.Memory.Measure); err != nil {
		return err
	}
	if s.Memory.Budget <= 0 {
		return fmt.Errorf("config: memory budget must be positive, got %d", s.Memory.Budget)
	}
	if s.Memory.ExtraBudget < 0 || s.Memory.ExtraBudget >= s.Memory.Budget {
		return fmt.Errorf("config: extra_budget must be in [0, budget), got %d with budget %d",
			s.Memory.ExtraBudget, s.Memory.Budget)
	}
	if s.Model.Model == "" {
		return fmt.Errorf("config: model_settings.model is required")
	}
	if s.Backend.PayloadEncoding != "" {
		if _, err := backend.ParsePayloadEncoding(s.Backend.PayloadEncoding); err != nil {
			return err
		}
	}
	switch s.Provider.Type {
	case ProviderTerminal:
		// No extra requirements.
	case ProviderMatrix:
		m := s.Provider.Matrix
		if m == nil {
			return fmt.Errorf("config: matrix settings are required for the matrix provider")
		}
		if m.AccessToken == "" {
			return fmt.Errorf("config: matrix access token is required (settings file or NETHERWORLD_MATRIX_ACCESS_TOKEN)")
		}
	default:
		return fmt.Errorf("config: unknown provider type %q", s.Provider.Type)
	}
	return nil
}

// Encoding returns the configured payload encoding, defaulting to messages.
func (s *Settings) Encoding() backend.PayloadEncoding {
	if s.Backend.PayloadEncoding == "" {
		return backend.EncodingMessages
	}
	return backend.PayloadEncoding(s.Backend.PayloadEncoding)
}

// MeasureKind returns the validated measure kind.
func (s *Settings) MeasureKind() memory.MeasureKind {
	return memory.MeasureKind(s.Memory.Measure)
}
