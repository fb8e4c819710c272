// Package providers implements the streaming LLM backends behind the agent
// loop: OpenAI-compatible chat endpoints and Anthropic.
package providers

import (
	"github.com/haasonsaas/cortex/internal/agent"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Credentials carries API keys and base-URL overrides from the environment.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// New resolves an agent's LLM config to a provider.
func New(cfg models.LLMConfig, creds Credentials) (agent.LLMProvider, error) {
	switch cfg.Provider {
	case "openai", "":
		return NewOpenAI(cfg, creds), nil
	case "anthropic":
		return NewAnthropic(cfg, creds), nil
	default:
		return nil, errs.InvalidArgumentf("unknown llm provider %q", cfg.Provider)
	}
}
