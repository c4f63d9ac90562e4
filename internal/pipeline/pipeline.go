package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/logger"
	"github.com/franckalain/ingredientscan/internal/metrics"
	"github.com/franckalain/ingredientscan/internal/models"
)

// ErrNoIngredients is the soft error reported when a label carries no ingredient list
const ErrNoIngredients = "No ingredients found for detailed analysis"

const (
	entryImage = "image"
	entryText  = "text"
)

// Extractor reads a product label image
type Extractor interface {
	Detect(ctx context.Context, imagePath string) (*models.Extraction, error)
}

// Analyzer judges an ingredient list
type Analyzer interface {
	Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error)
}

// Classifier guesses a product category from label text
type Classifier interface {
	Classify(fullText, ingredientsText, productName string) models.ClassificationResult
}

// TextRequest is the input of the text entry point, where extraction was
// already done by the caller
type TextRequest struct {
	IngredientsText string
	ProductName     string
	// ProductType skips classification when set to a known category
	ProductType     models.ProductType
	ExpirationDate  string
	ManufactureDate string
}

// Pipeline drives one product through extraction, classification and analysis.
// It holds no per-run state and is safe for concurrent use.
type Pipeline struct {
	extractor  Extractor
	analyzer   Analyzer
	classifier Classifier

	extractTimeout time.Duration
	analyzeTimeout time.Duration
	logger         *zap.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithExtractTimeout bounds each extraction gateway call; zero disables the bound
func WithExtractTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.extractTimeout = d }
}

// WithAnalyzeTimeout bounds each analysis gateway call; zero disables the bound
func WithAnalyzeTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.analyzeTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger.OrNop(l) }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock replaces time.Now for processing time measurement
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. extractor may be nil when only the text entry point is used.
func New(extractor Extractor, analyzer Analyzer, classifier Classifier, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:      extractor,
		analyzer:       analyzer,
		classifier:     classifier,
		extractTimeout: 30 * time.Second,
		analyzeTimeout: 60 * time.Second,
		logger:         zap.NewNop(),
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// run carries the state of one pipeline invocation
type run struct {
	p       *Pipeline
	entry   string
	start   time.Time
	outcome string
}

func (p *Pipeline) begin(entry string) *run {
	return &run{p: p, entry: entry, start: p.now(), outcome: metrics.OutcomeSuccess}
}

// finish stamps the processing time and records the run
func (r *run) finish(resp *models.PipelineResponse) *models.PipelineResponse {
	elapsed := r.p.now().Sub(r.start).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	resp.ProcessingTime = elapsed
	r.p.metrics.ObservePipeline(r.entry, r.outcome, elapsed)

	fields := []zap.Field{
		zap.String("entry", r.entry),
		zap.String("outcome", r.outcome),
		zap.String("product_type", string(resp.ProductType)),
		zap.Float64("processing_time", elapsed),
	}
	if resp.Success && resp.Error == "" {
		r.p.logger.Info("pipeline finished", fields...)
	} else {
		r.p.logger.Warn("pipeline finished", append(fields, zap.String("error", resp.Error))...)
	}
	return resp
}

func (r *run) fail(outcome string, resp *models.PipelineResponse, format string, args ...any) *models.PipelineResponse {
	r.outcome = outcome
	resp.Success = false
	resp.AnalysisOutcome = nil
	resp.Error = fmt.Sprintf(format, args...)
	if resp.ProductType == "" {
		resp.ProductType = models.ProductUnknown
	}
	return r.finish(resp)
}

// contain converts a panic anywhere in the run into an errored response
func (r *run) contain(productType models.ProductType, out **models.PipelineResponse) {
	v := recover()
	if v == nil {
		return
	}
	r.p.logger.Error("pipeline panicked", zap.String("entry", r.entry), zap.Any("panic", v), zap.Stack("stack"))
	*out = r.fail(metrics.OutcomePanic, &models.PipelineResponse{ProductType: productType}, "Pipeline error: %v", v)
}

// RunImage runs the full pipeline on the label image at imagePath.
// prefs may be nil, in which case no personalization is requested.
func (p *Pipeline) RunImage(ctx context.Context, imagePath string, prefs *models.UserHealthPreferences) *models.PipelineResponse {
	return p.runImage(ctx, imagePath, "", prefs)
}

func (p *Pipeline) runImage(ctx context.Context, imagePath string, productType models.ProductType, prefs *models.UserHealthPreferences) (resp *models.PipelineResponse) {
	r := p.begin(entryImage)
	defer r.contain(models.ProductUnknown, &resp)

	if p.extractor == nil {
		return r.fail(metrics.OutcomeOCRFailed, &models.PipelineResponse{}, "OCR failed: no extractor configured")
	}

	ext, err := callGateway(ctx, p, "extraction", p.extractTimeout, func(ctx context.Context) (*models.Extraction, error) {
		return p.extractor.Detect(ctx, imagePath)
	})
	if err != nil {
		return r.fail(metrics.OutcomeOCRFailed, &models.PipelineResponse{}, "OCR failed: %v", err)
	}

	resp = &models.PipelineResponse{
		ProductName:     ext.ProductName,
		ExpirationDate:  ext.ExpirationDate,
		ManufactureDate: ext.ManufactureDate,
	}
	p.classify(resp, productType, ext.FullText, ext.IngredientsText)

	return p.analyze(ctx, r, resp, ext.IngredientsText, prefs)
}

// RunText runs the pipeline from already extracted ingredient text
func (p *Pipeline) RunText(ctx context.Context, req TextRequest, prefs *models.UserHealthPreferences) (resp *models.PipelineResponse) {
	r := p.begin(entryText)
	defer r.contain(req.ProductType, &resp)

	resp = &models.PipelineResponse{
		ProductName:     req.ProductName,
		ExpirationDate:  req.ExpirationDate,
		ManufactureDate: req.ManufactureDate,
	}
	p.classify(resp, req.ProductType, req.IngredientsText, req.IngredientsText)

	return p.analyze(ctx, r, resp, req.IngredientsText, prefs)
}

// classify fills the product type and confidence, trusting a caller supplied type
func (p *Pipeline) classify(resp *models.PipelineResponse, supplied models.ProductType, fullText, ingredientsText string) {
	if supplied != "" && supplied != models.ProductUnknown {
		resp.ProductType = supplied
		resp.ClassificationConfidence = 1.0
		return
	}

	result := p.classifier.Classify(fullText, ingredientsText, resp.ProductName)
	resp.ProductType = result.Category
	resp.ClassificationConfidence = result.Confidence
	p.metrics.ObserveClassification(string(result.Category), result.Confidence)
	p.logger.Debug("product classified",
		zap.String("product_type", string(result.Category)),
		zap.Float64("confidence", result.Confidence),
		zap.Any("scores", result.Scores),
	)
}

func (p *Pipeline) analyze(ctx context.Context, r *run, resp *models.PipelineResponse, ingredients string, prefs *models.UserHealthPreferences) *models.PipelineResponse {
	if ingredients == "" {
		r.outcome = metrics.OutcomeNoIngredients
		resp.Success = true
		resp.Error = ErrNoIngredients
		return r.finish(resp)
	}

	req := models.AnalysisRequest{
		ProductType:     resp.ProductType,
		IngredientsText: ingredients,
		ExpirationDate:  resp.ExpirationDate,
		ManufactureDate: resp.ManufactureDate,
		Preferences:     prefs,
	}
	outcome, err := callGateway(ctx, p, "analysis", p.analyzeTimeout, func(ctx context.Context) (*models.AnalysisOutcome, error) {
		return p.analyzer.Analyze(ctx, req)
	})
	if err != nil {
		return r.fail(metrics.OutcomeAnalysisFailed, resp, "Analysis failed: %v", err)
	}

	merged := *outcome
	merged.Personalization = nil
	if prefs != nil && outcome.Personalization != nil {
		personal := *outcome.Personalization
		merged.Personalization = &personal
	}

	resp.Success = true
	resp.IngredientsText = ingredients
	resp.AnalysisOutcome = &merged
	return r.finish(resp)
}

// callGateway runs call under the stage timeout. A nil result without an
// error counts as a failure.
func callGateway[T any](ctx context.Context, p *Pipeline, stage string, timeout time.Duration, call func(context.Context) (*T, error)) (*T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := call(ctx)
	p.metrics.ObserveStage(stage, time.Since(start).Seconds())

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && result == nil {
		err = fmt.Errorf("%s gateway returned no result", stage)
	}
	if err != nil {
		p.logger.Warn("gateway failed", zap.String("stage", stage), zap.Error(err))
		return nil, err
	}
	return result, nil
}
