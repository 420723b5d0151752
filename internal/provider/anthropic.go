package provider

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/Anteroom/Anteroom/internal/errs"
)

// AnthropicProvider implements LLMProvider using the Anthropic Messages API.
//
// The Messages API differs from the OpenAI shape in three ways that this
// adapter hides: the system prompt is a separate parameter, tool calls are
// assistant content blocks, and tool results travel in user messages.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(apiKey, defaultModel string) *AnthropicProvider {
	if defaultModel == "" {
		defaultModel = string(anthropic.ModelClaudeSonnet4_5_20250929)
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

// DefaultModel returns the configured default model.
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Chat sends a completion request to the Messages API.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	system, messages := p.convertMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = p.convertTools(req.Tools)
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	return p.parseResponse(resp), nil
}

// convertMessages splits out the system prompt and folds tool-call and
// tool-result messages into the block structure the API expects.
func (p *AnthropicProvider) convertMessages(messages []Message) (string, []anthropic.MessageParam) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}
		case "user":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				}},
			})
		case "assistant":
			content := make([]anthropic.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				content = append(content, anthropic.ContentBlockParamUnion{
					OfText: &anthropic.TextBlockParam{Text: msg.Content},
				})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						ID:    tc.ID,
						Name:  tc.Name,
						Input: input,
					},
				})
			}
			if len(content) > 0 {
				out = append(out, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: content,
				})
			}
		case "tool":
			out = append(out, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{Text: msg.Content},
						}},
					},
				}},
			})
		}
	}

	return system, out
}

func (p *AnthropicProvider) convertTools(tools []ToolDefinition) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, td := range tools {
		schema := anthropic.ToolInputSchemaParam{}
		if props, ok := td.Function.Parameters["properties"].(map[string]any); ok {
			schema.Properties = props
		}
		if req, ok := td.Function.Parameters["required"].([]string); ok {
			schema.Required = req
		} else if reqAny, ok := td.Function.Parameters["required"].([]any); ok {
			required := make([]string, 0, len(reqAny))
			for _, r := range reqAny {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
			schema.Required = required
		}
		out = append(out, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        td.Function.Name,
				Description: anthropic.String(td.Function.Description),
				InputSchema: schema,
			},
		})
	}
	return out
}

func (p *AnthropicProvider) parseResponse(resp *anthropic.Message) *ChatResponse {
	result := &ChatResponse{
		ResponseID: resp.ID,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.AsText().Text
		case "tool_use":
			tu := block.AsToolUse()
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        tu.ID,
				Name:      tu.Name,
				Arguments: toolUseInput(tu.Input),
			})
		}
	}

	switch resp.StopReason {
	case anthropic.StopReasonToolUse:
		result.FinishReason = "tool_calls"
	case anthropic.StopReasonMaxTokens:
		result.FinishReason = "length"
	default:
		result.FinishReason = "stop"
	}

	return result
}

// toolUseInput decodes a tool_use input payload into argument form.
func toolUseInput(input any) map[string]any {
	raw, err := json.Marshal(input)
	if err != nil || len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"_raw": string(raw)}
	}
	return args
}

// classifyAnthropicError maps SDK errors onto the model error kinds.
func classifyAnthropicError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "context_length") || strings.Contains(msg, "too many tokens"):
		return errs.Wrap(errs.KindModel, "anthropic.chat", errs.ErrContextLength)
	case strings.Contains(msg, "rate_limit") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "overloaded"):
		return errs.Wrap(errs.KindModel, "anthropic.chat", errs.ErrRateLimit)
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "api key"):
		return errs.Wrap(errs.KindModel, "anthropic.chat", errs.ErrAuth)
	default:
		return errs.Wrap(errs.KindModel, "anthropic.chat", err)
	}
}
