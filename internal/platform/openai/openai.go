// Package openai implements the platform.Platform contract for any
// OpenAI-compatible chat completions endpoint, via the go-openai client.
package openai

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"wxorc/internal/errs"
	"wxorc/internal/platform"
)

// RegisterOn wires the openai factory into a platform.Registry.
func RegisterOn(reg *platform.Registry) {
	reg.RegisterKind("openai", New)
}

// Platform implements platform.Platform for OpenAI-compatible backends.
// Conversation state is intentionally stateless per-call: no multi-turn
// memory is stored by the core for this kind.
type Platform struct {
	id, name     string
	client       *openai.Client
	model        string
	temperature  float32
	systemPrompt string
	maxTokens    int
}

// New constructs an OpenAI platform worker from its config blob.
func New(id, name string, config map[string]interface{}) (platform.Platform, error) {
	apiBase, _ := config["api_base"].(string)
	apiKey, _ := config["api_key"].(string)
	model, _ := config["model"].(string)
	systemPrompt, _ := config["system_prompt"].(string)
	temperature, _ := toFloat32(config["temperature"])
	maxTokens, _ := toInt(config["max_tokens"])

	if apiBase == "" {
		return nil, errs.ProgrammerError(fmt.Sprintf("openai platform %s: api_base is required", id), nil)
	}
	if model == "" {
		model = "gpt-4o-mini"
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = apiBase

	return &Platform{
		id: id, name: name,
		client:       openai.NewClientWithConfig(cfg),
		model:        model,
		temperature:  temperature,
		systemPrompt: systemPrompt,
		maxTokens:    maxTokens,
	}, nil
}

func (p *Platform) ID() string     { return p.id }
func (p *Platform) Name() string   { return p.name }
func (p *Platform) Kind() string   { return "openai" }
func (p *Platform) Init() error    { return nil }
func (p *Platform) Cleanup() error { return nil }

func (p *Platform) TestConnection(ctx context.Context) error {
	_, err := p.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("openai test connection: %w", err)
	}
	return nil
}

func (p *Platform) ProcessMessage(ctx context.Context, msg *platform.InboundMessage) *platform.Result {
	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if p.systemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: p.systemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
	})
	if err != nil {
		return &platform.Result{Err: fmt.Errorf("openai chat completion: %w", err)}
	}
	if len(resp.Choices) == 0 {
		return &platform.Result{ShouldReply: false}
	}
	return &platform.Result{Content: resp.Choices[0].Message.Content, ShouldReply: true, Raw: resp}
}

func toFloat32(v interface{}) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case float64:
		return float32(n), true
	default:
		return 0, false
	}
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
