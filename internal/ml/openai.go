package ml

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/models"
)

// OpenAIFactory implements ExtractorFactory and AnalyzerFactory for OpenAI models
type OpenAIFactory struct {
	config OpenAIConfig
	logger *zap.Logger
}

// NewOpenAIFactory creates a new OpenAI factory
func NewOpenAIFactory(config OpenAIConfig, logger *zap.Logger) *OpenAIFactory {
	return &OpenAIFactory{config: config, logger: logger}
}

// CreateExtractor creates a vision extractor backed by OpenAI
func (f *OpenAIFactory) CreateExtractor() (Extractor, error) {
	return &OpenAIExtractor{openAIBase: openAIBase{config: f.config, logger: f.logger}}, nil
}

// CreateAnalyzer creates an analyzer backed by OpenAI chat completions
func (f *OpenAIFactory) CreateAnalyzer() (Analyzer, error) {
	return &OpenAIAnalyzer{openAIBase: openAIBase{config: f.config, logger: f.logger}, now: time.Now}, nil
}

type openAIBase struct {
	config OpenAIConfig
	client *openai.Client
	logger *zap.Logger
}

// Load creates the API client
func (b *openAIBase) Load(ctx context.Context) error {
	if b.config.APIKey == "" {
		return errors.New("openai api key not set (OPENAI_API_KEY)")
	}
	clientConfig := openai.DefaultConfig(b.config.APIKey)
	if b.config.BaseURL != "" {
		clientConfig.BaseURL = b.config.BaseURL
	}
	b.client = openai.NewClientWithConfig(clientConfig)
	if b.logger == nil {
		b.logger = zap.NewNop()
	}
	return nil
}

func (b *openAIBase) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage) (string, error) {
	if b.client == nil {
		return "", ErrNotLoaded
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: b.config.Temperature,
		MaxTokens:   b.config.MaxTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to call openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no response generated")
	}

	b.logger.Debug("openai completion",
		zap.String("model", model),
		zap.Int("prompt_tokens", resp.Usage.PromptTokens),
		zap.Int("completion_tokens", resp.Usage.CompletionTokens),
	)
	return resp.Choices[0].Message.Content, nil
}

// OpenAIExtractor reads labels with an OpenAI vision model
type OpenAIExtractor struct {
	openAIBase
}

// Detect sends the image to the vision model and parses its JSON reply
func (e *OpenAIExtractor) Detect(ctx context.Context, imagePath string) (*models.Extraction, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	dataURL := fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(imageData), base64.StdEncoding.EncodeToString(imageData))

	content, err := e.complete(ctx, e.config.VisionModel, []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{Type: openai.ChatMessagePartTypeText, Text: extractionPrompt},
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL,
						Detail: openai.ImageURLDetailHigh,
					},
				},
			},
		},
	})
	if err != nil {
		return nil, err
	}
	return parseExtraction(content)
}

// OpenAIAnalyzer judges ingredient lists with an OpenAI chat model
type OpenAIAnalyzer struct {
	openAIBase
	now func() time.Time
}

// Analyze asks the model for a JSON judgement of req
func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error) {
	if req.IngredientsText == "" {
		return nil, ErrNoIngredients
	}

	content, err := a.complete(ctx, a.config.Model, []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: buildAnalysisPrompt(req)},
	})
	if err != nil {
		return nil, err
	}
	return parseOutcome(content, req, a.now())
}
