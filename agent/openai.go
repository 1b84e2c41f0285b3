package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"

	"github.com/emberward/residentd/interfaces"
)

// DefaultModel is used when a resident's preferences name no model.
const DefaultModel = "gpt-4o-mini"

// OpenAIClient is the production interfaces.CompletionClient, backed by an
// OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client *openai.Client
	log    *slog.Logger
}

// OpenAIConfig configures the completion client. BaseURL is optional and
// allows pointing at any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
}

// NewOpenAIClient creates a completion client.
func NewOpenAIClient(cfg OpenAIConfig, log *slog.Logger) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("completion API key is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientCfg),
		log:    log,
	}, nil
}

// Complete runs one model turn. Tool calls come back in the order the model
// requested them; malformed tool definitions fail the whole call rather than
// being silently dropped.
func (c *OpenAIClient) Complete(ctx context.Context, req *interfaces.CompletionRequest) (*interfaces.CompletionResult, error) {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	tools, err := convertTools(req.Tools)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Tools:       tools,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("completion request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion returned no choices")
	}

	choice := resp.Choices[0]
	result := &interfaces.CompletionResult{
		Text:       choice.Message.Content,
		TokensUsed: int64(resp.Usage.TotalTokens),
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, interfaces.ToolCall{
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	c.log.Debug("Completion finished",
		slog.String("model", model),
		slog.String("finishReason", string(choice.FinishReason)),
		slog.Int("totalTokens", resp.Usage.TotalTokens),
		slog.Int("toolCalls", len(result.ToolCalls)))

	return result, nil
}

func convertTools(defs []interfaces.ToolDefinition) ([]openai.Tool, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	tools := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		params, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, fmt.Errorf("tool %q has unmarshalable parameters: %w", d.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}
