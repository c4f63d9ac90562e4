package ml

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/models"
)

var (
	// ErrNotLoaded is returned when a gateway is used before Load
	ErrNotLoaded = errors.New("model not loaded")
	// ErrNoIngredients is returned by analyzers given an empty ingredient list
	ErrNoIngredients = errors.New("no ingredients text provided")
)

// Extractor reads label text off a product image
type Extractor interface {
	// Load initializes the extractor with its configuration
	Load(ctx context.Context) error
	// Detect extracts product name, ingredients and dates from the image at imagePath.
	// An extraction with no ingredient text is still a success.
	Detect(ctx context.Context, imagePath string) (*models.Extraction, error)
}

// Analyzer judges an ingredient list
type Analyzer interface {
	// Load initializes the analyzer with its configuration
	Load(ctx context.Context) error
	// Analyze returns the structured judgement for one product
	Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error)
}

// ExtractorFactory creates a new extractor instance based on configuration
type ExtractorFactory interface {
	CreateExtractor() (Extractor, error)
}

// AnalyzerFactory creates a new analyzer instance based on configuration
type AnalyzerFactory interface {
	CreateAnalyzer() (Analyzer, error)
}

// NewExtractor creates the extractor selected by cfg.Extractor
func NewExtractor(cfg Config, logger *zap.Logger) (Extractor, error) {
	var factory ExtractorFactory

	switch cfg.Extractor {
	case "google":
		factory = NewGoogleFactory(cfg.Google, logger)
	case "openai", "vision", "":
		factory = NewOpenAIFactory(cfg.OpenAI, logger)
	case "local":
		factory = NewLocalFactory(cfg.Local, logger)
	default:
		return nil, fmt.Errorf("unsupported extractor type: %s", cfg.Extractor)
	}
	return factory.CreateExtractor()
}

// NewAnalyzer creates the analyzer selected by cfg.Analyzer
func NewAnalyzer(cfg Config, logger *zap.Logger) (Analyzer, error) {
	var factory AnalyzerFactory

	switch cfg.Analyzer {
	case "openai", "":
		factory = NewOpenAIFactory(cfg.OpenAI, logger)
	case "google":
		factory = NewGoogleFactory(cfg.Google, logger)
	default:
		return nil, fmt.Errorf("unsupported analyzer type: %s", cfg.Analyzer)
	}
	return factory.CreateAnalyzer()
}
