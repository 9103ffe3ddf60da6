package agent

import (
	"context"
	"fmt"

	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// LLMProvider is an LLM API client.
type LLMProvider interface {
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)
	Provider() string
}

// LLMRequest contains the request parameters for an LLM call.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []session.Message
	Tools        []toolexecutor.ToolSpec
	Temperature  float64
	MaxTokens    int
}

// LLMResponse is the model's reply to one call.
type LLMResponse struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     *TokenUsage
}

// ProviderCreator creates LLM providers from auth profiles.
type ProviderCreator interface {
	NewProvider(profile AuthProfile) (LLMProvider, error)
}

// ProviderFactory builds the SDK-backed providers.
type ProviderFactory struct{}

// NewProvider creates a provider for profile.
func (f *ProviderFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	if profile.APIKey == "" {
		return nil, fmt.Errorf("profile %s has no api key", profile.ID)
	}
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicProvider(profile.APIKey, profile.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(profile.APIKey, profile.BaseURL), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// historyForProvider drops system messages and leading tool results whose
// assistant call was consolidated away.
func historyForProvider(msgs []session.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	start := 0
	for start < len(msgs) && msgs[start].Role == session.RoleTool {
		start++
	}
	for _, m := range msgs[start:] {
		if m.Role == session.RoleSystem {
			continue
		}
		out = append(out, m)
	}
	return out
}
