package ml

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/franckalain/ingredientscan/internal/models"
)

// GoogleFactory implements ExtractorFactory and AnalyzerFactory for Vertex AI
type GoogleFactory struct {
	config GoogleConfig
	logger *zap.Logger
}

// NewGoogleFactory creates a new Google model factory
func NewGoogleFactory(config GoogleConfig, logger *zap.Logger) *GoogleFactory {
	return &GoogleFactory{config: config, logger: logger}
}

// CreateExtractor creates a Gemini vision extractor
func (f *GoogleFactory) CreateExtractor() (Extractor, error) {
	return &GoogleExtractor{googleBase: googleBase{config: f.config, modelName: f.config.VisionModel, logger: f.logger}}, nil
}

// CreateAnalyzer creates a Gemini analyzer
func (f *GoogleFactory) CreateAnalyzer() (Analyzer, error) {
	return &GoogleAnalyzer{googleBase: googleBase{config: f.config, modelName: f.config.TextModel, logger: f.logger}, now: time.Now}, nil
}

type googleBase struct {
	config    GoogleConfig
	modelName string
	logger    *zap.Logger
	client    *genai.Client
	model     *genai.GenerativeModel
}

// Load creates the Vertex AI client and model handle
func (b *googleBase) Load(ctx context.Context) error {
	if b.config.ProjectID == "" || b.config.Location == "" {
		return errors.New("google project id and location must be set")
	}

	opts := []option.ClientOption{}
	if b.config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(b.config.CredentialsFile))
	}

	client, err := genai.NewClient(ctx, b.config.ProjectID, b.config.Location, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	b.client = client
	b.model = client.GenerativeModel(b.modelName)
	b.model.ResponseMIMEType = "application/json"
	if b.config.Temperature > 0 {
		b.model.SetTemperature(b.config.Temperature)
	}
	return nil
}

// Close releases the Vertex AI client
func (b *googleBase) Close() error {
	if b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *googleBase) generate(ctx context.Context, parts ...genai.Part) (string, error) {
	if b.model == nil {
		return "", ErrNotLoaded
	}

	resp, err := b.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("failed to call ai: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("no response generated")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", errors.New("no content in response")
	}

	if b.logger != nil {
		b.logger.Debug("gemini response", zap.String("model", b.modelName), zap.Int("length", text.Len()))
	}
	return text.String(), nil
}

// GoogleExtractor reads labels with a Gemini vision model
type GoogleExtractor struct {
	googleBase
}

// Detect sends the image to Gemini and parses its JSON reply
func (e *GoogleExtractor) Detect(ctx context.Context, imagePath string) (*models.Extraction, error) {
	imageData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	format := strings.TrimPrefix(http.DetectContentType(imageData), "image/")
	if strings.Contains(format, "/") {
		format = "jpeg"
	}

	content, err := e.generate(ctx, genai.Text(extractionPrompt), genai.ImageData(format, imageData))
	if err != nil {
		return nil, err
	}
	return parseExtraction(content)
}

// GoogleAnalyzer judges ingredient lists with a Gemini text model
type GoogleAnalyzer struct {
	googleBase
	now func() time.Time
}

// Analyze asks Gemini for a JSON judgement of req
func (a *GoogleAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error) {
	if req.IngredientsText == "" {
		return nil, ErrNoIngredients
	}

	content, err := a.generate(ctx, genai.Text(analysisSystemPrompt+"\n\n"+buildAnalysisPrompt(req)))
	if err != nil {
		return nil, err
	}
	return parseOutcome(content, req, a.now())
}
