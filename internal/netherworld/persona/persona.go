// Package persona loads and validates persona documents: the YAML files
// that define who the bot is. The persona prompt is pinned at the head of
// every session's memory — it is configuration, not conversation, and it is
// what keeps the bot's personality stable across memory cycling.
package persona

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona is one parsed persona document.
type Persona struct {
	// Name is the bot's display name, used to label its turns.
	Name string `yaml:"name"`

	// Prompt is the persona description fed to the model as the pinned
	// system prompt.
	Prompt string `yaml:"prompt"`

	// ExampleConversation is an optional sample exchange appended to the
	// prompt so the model picks up the intended speaking style.
	ExampleConversation string `yaml:"example_conversation,omitempty"`

	// Greeting is an optional line the bot sends when a provider starts.
	Greeting string `yaml:"greeting,omitempty"`
}

// Load reads and parses the persona document at path.
func Load(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("persona: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("persona: %s: %w", path, err)
	}
	return p, nil
}

// Parse decodes a persona YAML document and validates it. It is the
// canonical entry point for loading personas.
func Parse(data []byte) (*Persona, error) {
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks a persona for structural correctness. It returns the
// first validation error encountered, or nil if the persona is valid.
func Validate(p *Persona) error {
	if p == nil {
		return fmt.Errorf("persona must not be nil")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("name must not be empty")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return fmt.Errorf("prompt must not be empty")
	}
	return nil
}

// PinnedPrompt returns the full text pinned into session memory: the
// persona prompt with the example conversation (when present) concatenated
// after it.
func (p *Persona) PinnedPrompt() string {
	if p.ExampleConversation == "" {
		return p.Prompt
	}
	prompt := p.Prompt
	if !strings.HasSuffix(prompt, "\n") {
		prompt += "\n"
	}
	return prompt + p.ExampleConversation
}
