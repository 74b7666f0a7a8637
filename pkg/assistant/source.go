package assistant

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"
)

// Source produces a streamed assistant reply. onChunk is called for every
// chunk in order; returning an error from it aborts the stream.
type Source interface {
	Stream(ctx context.Context, prompt string, onChunk func(chunk []byte) error) error
}

type LLMConfig struct {
	Model       string
	Token       string
	BaseURL     string
	System      string
	Temperature float64
}

// LLMSource streams replies from a langchaingo model.
type LLMSource struct {
	model       llms.Model
	system      string
	temperature float64
}

func NewLLMSource(model llms.Model, system string, temperature float64) *LLMSource {
	return &LLMSource{model: model, system: system, temperature: temperature}
}

// NewOpenAISource builds a source backed by an OpenAI compatible endpoint.
func NewOpenAISource(cfg LLMConfig) (*LLMSource, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.Token),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("init assistant model: %w", err)
	}
	return NewLLMSource(model, cfg.System, cfg.Temperature), nil
}

func (s *LLMSource) Stream(ctx context.Context, prompt string, onChunk func(chunk []byte) error) error {
	var messages []llms.MessageContent
	if s.system != "" {
		messages = append(messages, llms.TextParts(schema.ChatMessageTypeSystem, s.system))
	}
	messages = append(messages, llms.TextParts(schema.ChatMessageTypeHuman, prompt))

	opts := []llms.CallOption{
		llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
			return onChunk(chunk)
		}),
	}
	if s.temperature > 0 {
		opts = append(opts, llms.WithTemperature(s.temperature))
	}

	if _, err := s.model.GenerateContent(ctx, messages, opts...); err != nil {
		return fmt.Errorf("assistant stream: %w", err)
	}
	return nil
}
