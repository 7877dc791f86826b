package gateway

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"conductor/pkg/config"
)

// openaiClient wraps the official OpenAI Go client behind completionClient,
// using the Responses API.
type openaiClient struct {
	client openai.Client
	model  string
}

func newOpenAIClient(apiKey, model string) *openaiClient {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &openaiClient{
		client: client,
		model:  model,
	}
}

func (c *openaiClient) ModelName() string {
	return c.model
}

func (c *openaiClient) Complete(ctx context.Context, in completionRequest) (string, error) {
	inputText := in.Input
	if in.System != "" {
		inputText = fmt.Sprintf("System: %s\n\n%s", in.System, in.Input)
	}

	// Cap MaxTokens to the model's actual limit to prevent API errors.
	maxTokens := in.MaxTokens
	if modelInfo, exists := config.KnownModels[c.model]; exists && modelInfo.MaxOutputTokens > 0 {
		if maxTokens > modelInfo.MaxOutputTokens {
			maxTokens = modelInfo.MaxOutputTokens
		}
	}

	params := responses.ResponseNewParams{
		Model:           c.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(inputText)},
	}

	resp, err := c.client.Responses.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil {
		return "", NewError(ErrorTypeEmptyResponse, "received nil response from OpenAI Responses API")
	}

	content := resp.OutputText()
	if content == "" {
		return "", NewError(ErrorTypeEmptyResponse, "no text output in response")
	}
	return content, nil
}
