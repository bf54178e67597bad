// Package persona turns identity and template documents into compiled
// personas and publishes them as an atomically swapped roster.
package persona

import (
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrInvalidDocument marks a source document that cannot be compiled.
var ErrInvalidDocument = errors.New("invalid persona document")

// Persona is a compiled character. It is never mutated after Compile
// returns; a reload produces a new instance.
type Persona struct {
	ID                   string              `json:"id"`
	DisplayName          string              `json:"display_name"`
	SystemPrompt         string              `json:"system_prompt"`
	RequiredCapabilities []string            `json:"required_capabilities,omitempty"`
	KnowledgeFilter      []string            `json:"knowledge_filter,omitempty"`
	Interests            []string            `json:"interests,omitempty"`
	Rivalries            map[string][]string `json:"rivalries,omitempty"`
	Template             string              `json:"template"`
	CreatedAt            time.Time           `json:"created_at"`
	SourceHash           string              `json:"source_hash"`
}

// FirstName is the first word of the display name.
func (p *Persona) FirstName() string {
	name, _, _ := strings.Cut(strings.TrimSpace(p.DisplayName), " ")
	return name
}

// HasCapability reports whether the persona requires tag.
func (p *Persona) HasCapability(tag string) bool {
	return slices.Contains(p.RequiredCapabilities, tag)
}

// Identity is the character document.
type Identity struct {
	ID                   string              `yaml:"id"`
	Name                 string              `yaml:"name"`
	Template             string              `yaml:"template"`
	Description          string              `yaml:"description"`
	Personality          string              `yaml:"personality"`
	ExampleDialogue      []DialogueLine      `yaml:"example_dialogue"`
	RestrictedCategories []string            `yaml:"restricted_categories"`
	Capabilities         []string            `yaml:"capabilities"`
	Interests            []string            `yaml:"interests"`
	Rivalries            map[string][]string `yaml:"rivalries"`
}

// DialogueLine is one example exchange.
type DialogueLine struct {
	User  string `yaml:"user"`
	Reply string `yaml:"reply"`
}

// Template is the behavioral document shared by many personas.
type Template struct {
	Name           string   `yaml:"name"`
	ResponseLength string   `yaml:"response_length"` // short, medium, long
	Tone           string   `yaml:"tone"`
	Capabilities   []string `yaml:"capabilities"`
	Rules          []string `yaml:"rules"`
}

// validate rejects documents the compiler cannot use.
func (id *Identity) validate() error {
	switch {
	case strings.TrimSpace(id.ID) == "":
		return errors.Join(ErrInvalidDocument, errors.New("missing id"))
	case strings.ContainsAny(id.ID, " _/"):
		return errors.Join(ErrInvalidDocument, errors.New("id must not contain spaces, '_' or '/'"))
	case strings.TrimSpace(id.Name) == "":
		return errors.Join(ErrInvalidDocument, errors.New("missing name"))
	case utf8.RuneCountInString(id.Description+id.Personality) == 0:
		return errors.Join(ErrInvalidDocument, errors.New("description or personality is required"))
	}
	return nil
}
