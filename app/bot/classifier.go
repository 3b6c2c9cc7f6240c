package bot

import (
	"context"
	"encoding/json"
	"fmt"

	tokenizer "github.com/sandwich-go/gpt3-encoder"
	"github.com/sashabaranov/go-openai"

	"tg-guard/lib/moder"
)

// Classifier is the external content classification service, a black box to the pipeline.
// Any error or timeout makes the pipeline substitute a local heuristic result.
type Classifier interface {
	Classify(ctx context.Context, text string) (moder.AnalysisResult, error)
}

// OpenAIConfig contains parameters for the OpenAI-backed classifier
type OpenAIConfig struct {
	// the model has a shared budget for request + response tokens,
	// the request is trimmed to leave room for the response
	MaxTokensResponse int // hard limit for the number of tokens in the response
	MaxTokensRequest  int // max request length in tokens
	MaxSymbolsRequest int // fallback max request length in symbols if tokenizer failed
	Model             string
	SystemPrompt      string
}

type openAIClient interface {
	CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

const defaultPrompt = `You moderate a group chat. For the given message return json with three fields: ` +
	`{"inappropriate": true/false, "question": true/false, "foreign_language": true/false}. ` +
	`Set inappropriate:true only when confident the message is spam, a scam or abuse.`

// OpenAIClassifier adapts the OpenAI chat completion API to the Classifier interface.
type OpenAIClassifier struct {
	client openAIClient
	params OpenAIConfig
}

// NewOpenAIClassifier makes a classifier with the given client and params, filling defaults.
func NewOpenAIClassifier(client openAIClient, params OpenAIConfig) *OpenAIClassifier {
	if params.SystemPrompt == "" {
		params.SystemPrompt = defaultPrompt
	}
	if params.MaxTokensResponse == 0 {
		params.MaxTokensResponse = 256
	}
	if params.MaxTokensRequest == 0 {
		params.MaxTokensRequest = 2048
	}
	if params.MaxSymbolsRequest == 0 {
		params.MaxSymbolsRequest = 8192
	}
	if params.Model == "" {
		params.Model = "gpt-4o-mini"
	}
	return &OpenAIClassifier{client: client, params: params}
}

// Classify sends the text to the model and parses its json verdict.
func (o *OpenAIClassifier) Classify(ctx context.Context, text string) (moder.AnalysisResult, error) {
	if o.client == nil {
		return moder.AnalysisResult{}, fmt.Errorf("classifier client is not set")
	}

	data := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: o.params.SystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: o.reduceRequest(text)},
	}

	resp, err := o.client.CreateChatCompletion(ctx,
		openai.ChatCompletionRequest{Model: o.params.Model, MaxTokens: o.params.MaxTokensResponse, Messages: data})
	if err != nil {
		return moder.AnalysisResult{}, fmt.Errorf("classifier request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return moder.AnalysisResult{}, fmt.Errorf("no choices in classifier response")
	}

	var res moder.AnalysisResult
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &res); err != nil {
		return moder.AnalysisResult{}, fmt.Errorf("can't unmarshal classifier response: %w", err)
	}
	return res, nil
}

// reduceRequest trims the text to the token budget, falling back to a symbol cut
// if the tokenizer fails
func (o *OpenAIClassifier) reduceRequest(text string) string {
	defaultReducer := func(text string) string {
		if len(text) <= o.params.MaxSymbolsRequest {
			return text
		}
		return text[:o.params.MaxSymbolsRequest]
	}

	encoder, err := tokenizer.NewEncoder()
	if err != nil {
		return defaultReducer(text)
	}
	tokens, err := encoder.Encode(text)
	if err != nil {
		return defaultReducer(text)
	}
	if len(tokens) <= o.params.MaxTokensRequest {
		return text
	}
	return encoder.Decode(tokens[:o.params.MaxTokensRequest])
}
