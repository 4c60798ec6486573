package advisory

import (
	"context"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"
)

const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// OpenAI calls the Responses API.
type OpenAI struct {
	client openai.Client
	model  openai.ChatModel
}

func NewOpenAI(apiKey, model string, opts ...option.RequestOption) *OpenAI {
	m := openai.ChatModel(model)
	if model == "" {
		m = DefaultOpenAIModel
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAI{client: openai.NewClient(opts...), model: m}
}

func (o *OpenAI) IsAvailable() bool { return o != nil }

func (o *OpenAI) Complete(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	system, rest := splitSystem(messages)
	var prompt []string
	for _, m := range rest {
		if m.Role == RoleAssistant {
			prompt = append(prompt, "Assistant: "+m.Content)
			continue
		}
		prompt = append(prompt, m.Content)
	}

	params := responses.ResponseNewParams{
		Model: o.model,
		Input: responses.ResponseNewParamsInputUnion{
			OfString: openai.String(strings.Join(prompt, "\n\n")),
		},
	}
	if system != "" {
		params.Instructions = openai.String(system)
	}
	if opts.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return nil, wrapFailure(err, ProviderOpenAI)
	}

	var text strings.Builder
	for _, item := range resp.Output {
		if item.Type != "message" {
			continue
		}
		for _, content := range item.AsMessage().Content {
			if content.Type == "output_text" {
				text.WriteString(content.AsOutputText().Text)
			}
		}
	}
	return &Completion{
		Content: text.String(),
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		StopReason: string(resp.Status),
	}, nil
}
