package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"

	"github.com/OFFIS-RIT/kiwi/linker/pkg/ai"
	"github.com/OFFIS-RIT/kiwi/linker/pkg/logger"

	"github.com/ollama/ollama/api"
	"github.com/pkoukk/tiktoken-go"
)

const (
	defaultContextTokens = 4096
	responseTokenReserve = 512
)

// GenerateCompletionWithFormat asks the scoring model for a response
// matching the JSON schema of out and unmarshals it into out. The context
// window is enlarged for prompts that would not fit the default.
func (c *LinkerOllamaClient) GenerateCompletionWithFormat(
	ctx context.Context,
	name string,
	description string,
	prompt string,
	out any,
	opts ...ai.GenerateOption,
) error {
	if out == nil {
		return errors.New("out must be a non-nil pointer")
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return errors.New("out must be a non-nil pointer")
	}

	formatBytes, err := json.Marshal(ai.GenerateSchema(out))
	if err != nil {
		return err
	}

	options := ai.GenerateOptions{
		Model:       c.scoringModel,
		Temperature: 0,
	}
	for _, o := range opts {
		o(&options)
	}

	messages := make([]api.Message, 0, len(options.SystemPrompts)+1)
	for _, sp := range options.SystemPrompts {
		messages = append(messages, api.Message{Role: "system", Content: sp})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	stream := false
	req := &api.ChatRequest{
		Model:    options.Model,
		Messages: messages,
		Stream:   &stream,
		Format:   json.RawMessage(formatBytes),
		Options:  map[string]any{"temperature": options.Temperature},
	}
	if n := promptTokens(prompt); n+responseTokenReserve > defaultContextTokens {
		req.Options["num_ctx"] = n + responseTokenReserve
	}

	if err := c.reqLock.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.reqLock.Release(1)

	var final api.ChatResponse
	if err := c.Client.Chat(ctx, req, func(cr api.ChatResponse) error {
		final.Message.Content += cr.Message.Content
		if cr.Done {
			final.Done = true
			final.Metrics = cr.Metrics
		}
		return nil
	}); err != nil {
		return err
	}

	c.modifyMetrics(ai.ModelMetrics{
		InputTokens:  final.Metrics.PromptEvalCount,
		OutputTokens: final.Metrics.EvalCount,
		TotalTokens:  final.Metrics.PromptEvalCount + final.Metrics.EvalCount,
		DurationMs:   final.Metrics.TotalDuration.Milliseconds(),
	})
	logger.Debug("[Ollama] Structured completion", "name", name, "description", description)

	return ai.UnmarshalFlexible(final.Message.Content, out)
}

// promptTokens estimates the prompt size with the o200k encoding. It
// returns 0 if the encoding cannot be loaded. A token is at least one byte,
// so short prompts are not encoded at all.
func promptTokens(prompt string) int {
	if len(prompt)+responseTokenReserve <= defaultContextTokens {
		return len(prompt)
	}
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		logger.Debug("[Ollama] Token estimate unavailable", "err", err)
		return 0
	}
	return len(enc.Encode(prompt, nil, nil))
}
