// Package credentials assembles the secret bundle streamed to a worker at
// start time. Secrets travel only over the worker's stdin; they are never
// written to a mounted path or stored in container env.
package credentials

import (
	"context"
	"os"
	"strings"
)

// knownSecretKeys are environment variables forwarded to workers when set.
var knownSecretKeys = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"TELEGRAM_BOT_TOKEN",
	"ELEVENLABS_API_KEY",
	"GITHUB_TOKEN",
}

// Provider supplies the secret bundle for one worker invocation.
type Provider interface {
	Bundle(ctx context.Context) (map[string]string, error)
}

// EnvProvider reads secrets from the host environment.
type EnvProvider struct {
	prefix string // optional prefix filter (e.g., "WARREN_")
}

// NewEnvProvider creates an environment-backed provider.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

// Bundle collects the known secret variables, trying the bare name first and
// the prefixed name second.
func (p *EnvProvider) Bundle(ctx context.Context) (map[string]string, error) {
	bundle := make(map[string]string)
	for _, key := range knownSecretKeys {
		if value := os.Getenv(key); value != "" {
			bundle[key] = value
			continue
		}
		if p.prefix != "" {
			if value := os.Getenv(p.prefix + key); value != "" {
				bundle[key] = value
			}
		}
	}

	// Pick up any additional prefixed secret-looking variables.
	if p.prefix != "" {
		for _, env := range os.Environ() {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) != 2 || parts[1] == "" {
				continue
			}
			key := parts[0]
			if !strings.HasPrefix(key, p.prefix) {
				continue
			}
			bare := strings.TrimPrefix(key, p.prefix)
			lower := strings.ToLower(bare)
			if strings.Contains(lower, "api_key") || strings.Contains(lower, "token") || strings.Contains(lower, "secret") {
				if _, exists := bundle[bare]; !exists {
					bundle[bare] = parts[1]
				}
			}
		}
	}
	return bundle, nil
}

// StaticProvider returns a fixed bundle. Used in tests and for workers that
// re-issue sub-invocations.
type StaticProvider struct {
	secrets map[string]string
}

// NewStaticProvider creates a provider over a fixed secret map.
func NewStaticProvider(secrets map[string]string) *StaticProvider {
	return &StaticProvider{secrets: secrets}
}

// Bundle returns a copy of the fixed bundle.
func (p *StaticProvider) Bundle(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(p.secrets))
	for k, v := range p.secrets {
		out[k] = v
	}
	return out, nil
}
