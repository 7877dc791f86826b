package gateway

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicClient wraps the Anthropic API client behind completionClient.
type anthropicClient struct {
	client anthropic.Client
	model  anthropic.Model
}

func newAnthropicClient(apiKey, model string) *anthropicClient {
	client := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &anthropicClient{
		client: client,
		model:  anthropic.Model(model),
	}
}

func (c *anthropicClient) ModelName() string {
	return string(c.model)
}

func (c *anthropicClient) Complete(ctx context.Context, in completionRequest) (string, error) {
	messages := []anthropic.MessageParam{{
		Role:    anthropic.MessageParamRoleUser,
		Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(in.Input)},
	}}

	params := anthropic.MessageNewParams{
		Model:       c.model,
		Messages:    messages,
		MaxTokens:   int64(in.MaxTokens),
		Temperature: anthropic.Float(in.Temperature),
	}
	if in.System != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: in.System,
			Type: "text",
		}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", classifyError(err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", NewError(ErrorTypeEmptyResponse, "received empty or nil response from Anthropic API")
	}

	var responseText string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			textBlock := block.AsText()
			responseText += textBlock.Text
		}
	}
	if responseText == "" {
		return "", NewError(ErrorTypeEmptyResponse, fmt.Sprintf("no text content in response (stop reason: %s)", resp.StopReason))
	}
	return responseText, nil
}
