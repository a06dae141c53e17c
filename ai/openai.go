package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/arulbarker/streammateseller/errs"
	"github.com/arulbarker/streammateseller/telemetry"
)

// OpenAI talks to any OpenAI-compatible chat completion endpoint (DeepSeek by default).
type OpenAI struct {
	client *openai.Client
	model  string
}

func NewOpenAI(apiKey, baseURL, model string, timeout time.Duration) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errs.Configuration("OPENAI_API_KEY is required for the openai provider")
	}
	if model == "" {
		return nil, errs.Configuration("OPENAI_MODEL is required for the openai provider")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(timeout))
	}
	client := openai.NewClient(opts...)
	return &OpenAI{client: &client, model: model}, nil
}

func (o *OpenAI) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.TracerAI, "openai.generate", telemetry.ModelAttr(o.model))
	defer span.End()

	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
		Model:       o.model,
		Temperature: openai.Float(0.8),
		MaxTokens:   openai.Int(300),
	})
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.RecordAIRequest(o.model, "error")
		return "", errs.Wrap("openai", fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		telemetry.RecordAIRequest(o.model, "empty")
		return "", nil
	}
	telemetry.SetSpanSuccess(span)
	telemetry.RecordAIRequest(o.model, "ok")
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
