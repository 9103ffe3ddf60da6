package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/switchboard/pkg/session"
	"github.com/harun/switchboard/pkg/toolexecutor"
)

// AnthropicProvider implements LLMProvider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey, baseURL string) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Provider returns the provider name.
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// Call makes an API call to Anthropic Claude.
func (p *AnthropicProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  anthropicMessages(request.Messages),
		MaxTokens: int64(request.MaxTokens),
	}
	if request.SystemPrompt != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: request.SystemPrompt}}
	}
	if request.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(request.Temperature)
	}
	if len(request.Tools) > 0 {
		reqParams.Tools = anthropicTools(request.Tools)
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, newTransportError(p.Provider(), status, err)
	}

	content := ""
	var toolCalls []session.ToolCall
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			content += b.Text
		case anthropic.ToolUseBlock:
			args := json.RawMessage(b.JSON.Input.Raw())
			if !json.Valid(args) {
				return nil, newTransportError(p.Provider(), 0, fmt.Errorf("invalid tool input for %s", b.Name))
			}
			toolCalls = append(toolCalls, session.ToolCall{ID: b.ID, Name: b.Name, Arguments: args})
		}
	}

	return &LLMResponse{
		Content:   content,
		ToolCalls: toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}, nil
}

// anthropicMessages converts the session log. Tool results travel in user
// turns, and consecutive messages of the same role are merged.
func anthropicMessages(msgs []session.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks []anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range historyForProvider(msgs) {
		var blocks []anthropic.ContentBlockParamUnion
		for _, part := range msg.Parts {
			switch part.Type {
			case session.PartText:
				if part.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			case session.PartImage:
				if block, ok := anthropicImage(part.ImageRef); ok {
					blocks = append(blocks, block)
				} else if part.ImageRef != "" {
					blocks = append(blocks, anthropic.NewTextBlock(fmt.Sprintf("[image: %s]", filepath.Base(part.ImageRef))))
				}
			case session.PartToolCall:
				if tc := part.ToolCall; tc != nil {
					blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolArguments(tc.Arguments), tc.Name))
				}
			case session.PartToolResult:
				if tr := part.ToolResult; tr != nil {
					blocks = append(blocks, anthropic.NewToolResultBlock(tr.CallID, toolResultText(*tr), tr.Status == session.ToolStatusError))
				}
			}
		}

		if msg.Role == session.RoleAssistant {
			push(anthropic.MessageParamRoleAssistant, blocks)
		} else {
			push(anthropic.MessageParamRoleUser, blocks)
		}
	}
	return out
}

func anthropicImage(path string) (anthropic.ContentBlockParamUnion, bool) {
	if path == "" {
		return anthropic.ContentBlockParamUnion{}, false
	}
	mediaType := mime.TypeByExtension(filepath.Ext(path))
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		return anthropic.ContentBlockParamUnion{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return anthropic.ContentBlockParamUnion{}, false
	}
	return anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)), true
}

func anthropicTools(specs []toolexecutor.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		toolParam := anthropic.ToolParam{
			Name:        spec.Name,
			Description: anthropic.String(spec.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: spec.InputSchema["properties"],
			},
		}
		if required, ok := spec.InputSchema["required"].([]string); ok {
			toolParam.InputSchema.Required = required
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

func toolArguments(raw json.RawMessage) map[string]interface{} {
	args := map[string]interface{}{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	return args
}

func toolResultText(tr session.ToolResult) string {
	if tr.Status == session.ToolStatusError {
		if tr.Error != "" {
			return "Error: " + tr.Error
		}
		return "Error: tool failed"
	}
	if tr.Payload == "" {
		return "(no output)"
	}
	return tr.Payload
}
