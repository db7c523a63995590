package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/janhalen/azure-smartmail/internal/common"
)

// DefaultChatModel is used when no model name is configured.
const DefaultChatModel = "gpt-4o-mini"

const systemPrompt = `You classify incoming municipal emails into exactly one ` +
	`of the allowed categories. Respond with JSON only, in the form ` +
	`{"category": "<one of the allowed categories>", "confidence": <0.0-1.0>}.`

// maxClassifyRunes bounds how much message text is sent per request.
const maxClassifyRunes = 6000

// OpenAIConfig holds settings for the OpenAI-backed classifier.
type OpenAIConfig struct {
	APIKey     string
	Model      string
	BaseURL    string
	Categories []string
}

// OpenAIClassifier implements Classifier on top of the OpenAI chat API.
type OpenAIClassifier struct {
	client     *openai.Client
	model      string
	categories []string
	prompt     string
}

// NewOpenAIClassifier creates a classifier restricted to the given category
// set.
func NewOpenAIClassifier(cfg OpenAIConfig) (*OpenAIClassifier, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: classifier API key", common.ErrMissingConfig)
	}
	if len(cfg.Categories) == 0 {
		return nil, fmt.Errorf("%w: classifier categories", common.ErrMissingConfig)
	}

	model := cfg.Model
	if model == "" {
		model = DefaultChatModel
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIClassifier{
		client:     openai.NewClientWithConfig(clientCfg),
		model:      model,
		categories: cfg.Categories,
		prompt:     systemPrompt + "\nAllowed categories: " + strings.Join(cfg.Categories, ", "),
	}, nil
}

type predictionPayload struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
}

// Classify sends the text to the chat API and parses the JSON verdict.
func (c *OpenAIClassifier) Classify(ctx context.Context, text string) (Prediction, error) {
	runes := []rune(text)
	if len(runes) > maxClassifyRunes {
		text = string(runes[:maxClassifyRunes])
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.prompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", common.ErrClassificationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return Prediction{}, fmt.Errorf("%w: empty response", common.ErrClassificationFailed)
	}

	var payload predictionPayload
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &payload); err != nil {
		return Prediction{}, fmt.Errorf("%w: bad verdict %q: %v",
			common.ErrClassificationFailed, resp.Choices[0].Message.Content, err)
	}

	category := strings.ToLower(strings.TrimSpace(payload.Category))
	if !c.allowed(category) {
		return Prediction{}, fmt.Errorf("%w: category %q not in configured set",
			common.ErrClassificationFailed, payload.Category)
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return Prediction{}, fmt.Errorf("%w: confidence %v out of range",
			common.ErrClassificationFailed, payload.Confidence)
	}

	return Prediction{Category: category, Confidence: payload.Confidence}, nil
}

// Warmup issues one throwaway classification.
func (c *OpenAIClassifier) Warmup(ctx context.Context) error {
	_, err := c.Classify(ctx, "warmup request, ignore content")
	if err != nil {
		slog.Warn("classifier warmup failed", "error", err)
		return err
	}
	return nil
}

func (c *OpenAIClassifier) allowed(category string) bool {
	for _, allowed := range c.categories {
		if strings.ToLower(allowed) == category {
			return true
		}
	}
	return false
}
