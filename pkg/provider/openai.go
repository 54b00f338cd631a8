package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI streams chat completions from OpenAI or any compatible API.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI creates an OpenAI-compatible generator. baseURL may be empty.
func NewOpenAI(apiKey, baseURL string) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAI{client: openai.NewClient(opts...)}
}

// Stream implements Generator.
func (o *OpenAI) Stream(ctx context.Context, req Request, onDelta DeltaFunc) (Result, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(req.Model),
		Messages:  openaiMessages(req.System, req.Messages),
		MaxTokens: openai.Int(maxTokens),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	var (
		text  strings.Builder
		usage Usage
	)
	for stream.Next() {
		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if d := chunk.Choices[0].Delta.Content; d != "" {
			text.WriteString(d)
			if err := onDelta(d); err != nil {
				return Result{Text: text.String(), Usage: usage}, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{Text: text.String(), Usage: usage}, fmt.Errorf("openai stream: %w", err)
	}
	return Result{Text: text.String(), Usage: usage}, nil
}

func openaiMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		if m.Role == RoleAssistant {
			out = append(out, openai.AssistantMessage(m.Text))
		} else {
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}
