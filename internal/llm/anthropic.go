package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/askdb/internal/models"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

// AnthropicOracle decides through the Anthropic Messages API using tool use.
type AnthropicOracle struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

// NewAnthropicOracle creates an oracle with the given API key and model.
// SDK-level retries are disabled; the agent owns the retry budget.
func NewAnthropicOracle(apiKey, model string, maxTokens int64, extra ...option.RequestOption) *AnthropicOracle {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	opts = append(opts, extra...)
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicOracle{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
	}
}

// Decide sends the trace and tool specs and parses the first tool_use block,
// or the text, of the response.
func (o *AnthropicOracle) Decide(ctx context.Context, req Request) (Decision, error) {
	argNames := make(map[string]string, len(req.Tools))
	for _, t := range req.Tools {
		argNames[t.Name] = t.ArgName
	}

	msg, err := o.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: req.System},
		},
		Messages: buildMessages(req.Trace, argNames),
		Tools:    buildTools(req.Tools),
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: anthropic API call: %w", ErrOracle, err)
	}

	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			return Decision{
				Kind:      KindToolCall,
				Tool:      block.Name,
				Arguments: extractArgument(block.Input, argNames[block.Name]),
				CallID:    block.ID,
				Text:      strings.TrimSpace(strings.Join(text, "\n")),
			}, nil
		case "text":
			text = append(text, block.Text)
		}
	}

	answer := strings.TrimSpace(strings.Join(text, "\n"))
	if answer == "" {
		return Decision{}, fmt.Errorf("%w: empty response (stop reason %q)", ErrOracle, msg.StopReason)
	}
	return Answer(answer), nil
}

func buildTools(specs []models.ToolSpec) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		var required []string
		if s.ArgRequired {
			required = []string{s.ArgName}
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        s.Name,
				Description: anthropic.String(s.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: map[string]any{
						s.ArgName: map[string]any{
							"type":        "string",
							"description": s.ArgDescription,
						},
					},
					Required: required,
				},
			},
		})
	}
	return tools
}

// buildMessages maps the trace onto Anthropic messages. Tool turns become
// tool_result blocks in a user message, paired by CallID with the
// assistant's tool_use block.
func buildMessages(trace []models.ConversationTurn, argNames map[string]string) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(trace))
	for _, turn := range trace {
		switch turn.Role {
		case models.RoleUser:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case models.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if strings.TrimSpace(turn.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			if turn.ToolName != "" {
				argName := argNames[turn.ToolName]
				if argName == "" {
					argName = "input"
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(turn.CallID, map[string]string{argName: turn.ToolArgs}, turn.ToolName))
			}
			if len(blocks) > 0 {
				msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			content := turn.Content
			if content == "" {
				content = "(empty)"
			}
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(turn.CallID, content, turn.IsError)))
		}
	}
	return msgs
}

// extractArgument pulls the single string argument out of a tool_use input.
func extractArgument(raw json.RawMessage, argName string) string {
	if len(raw) == 0 {
		return ""
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return string(raw)
	}
	if v, ok := input[argName]; ok {
		return stringify(v)
	}
	switch len(input) {
	case 0:
		return ""
	case 1:
		for _, v := range input {
			return stringify(v)
		}
	}
	return string(raw)
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case []any:
		parts := make([]string, 0, len(val))
		for _, p := range val {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, ", ")
	case nil:
		return ""
	default:
		return fmt.Sprint(val)
	}
}
