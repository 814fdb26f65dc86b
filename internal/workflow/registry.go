// Package workflow resolves natural-language requests to registered
// automations by embedding similarity.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Entry is one named automation in the registry.
type Entry struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Run         string   `yaml:"run" json:"run"`
	Args        []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// EmbeddingText is the string the resolver embeds for this entry. Changing
// the description therefore invalidates the cached vector.
func (e *Entry) EmbeddingText() string {
	return e.Name + ": " + e.Description
}

// LoadRegistry reads the registry file. A missing file is not an error; it
// yields an empty registry (log-and-continue is the caller's policy).
func LoadRegistry(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read workflow registry: %w", err)
	}

	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse workflow registry: %w", err)
	}
	return entries, nil
}
