package ml

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/models"
)

// LocalFactory implements ExtractorFactory for an OCR engine installed on the host
type LocalFactory struct {
	config LocalConfig
	logger *zap.Logger
}

// NewLocalFactory creates a new local extractor factory
func NewLocalFactory(config LocalConfig, logger *zap.Logger) *LocalFactory {
	return &LocalFactory{config: config, logger: logger}
}

// CreateExtractor creates a new local extractor instance
func (f *LocalFactory) CreateExtractor() (Extractor, error) {
	logger := f.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalExtractor{config: f.config, logger: logger}, nil
}

// LocalExtractor runs an OCR executable and parses its text output
type LocalExtractor struct {
	config LocalConfig
	logger *zap.Logger
	path   string
}

// Load resolves the OCR executable on PATH
func (e *LocalExtractor) Load(ctx context.Context) error {
	path, err := exec.LookPath(e.config.Command)
	if err != nil {
		return fmt.Errorf("ocr command %q not found: %w", e.config.Command, err)
	}
	e.path = path
	return nil
}

// Detect runs OCR on the image and extracts label fields from the text
func (e *LocalExtractor) Detect(ctx context.Context, imagePath string) (*models.Extraction, error) {
	if e.path == "" {
		return nil, ErrNotLoaded
	}
	if _, err := os.Stat(imagePath); err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}

	args := append([]string{}, e.config.Args...)
	args = append(args, imagePath, "stdout")
	if e.config.Lang != "" {
		args = append(args, "-l", e.config.Lang)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ocr command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	text := stdout.String()
	e.logger.Debug("local ocr finished", zap.String("image", imagePath), zap.Int("chars", len(text)))
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("no text detected in image")
	}
	return ParseLabelText(text), nil
}
