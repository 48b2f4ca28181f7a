package tools

import (
	"context"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// OpenAISearcher answers queries with the Responses API and its built-in
// web_search tool.
type OpenAISearcher struct {
	client openai.Client
	model  string
}

func NewOpenAISearcher(apiKey, model string, opts ...option.RequestOption) *OpenAISearcher {
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &OpenAISearcher{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

func (s *OpenAISearcher) Search(ctx context.Context, query string) (string, error) {
	resp, err := s.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: s.model,
		Input: responses.ResponseNewParamsInputUnion{OfString: openai.String(query)},
		Tools: []responses.ToolUnionParam{
			responses.ToolParamOfWebSearch(responses.WebSearchToolTypeWebSearch),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai responses: %w", err)
	}
	return resp.OutputText(), nil
}
