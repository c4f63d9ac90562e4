package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ingredientscan"

// Pipeline outcomes
const (
	OutcomeSuccess        = "success"
	OutcomeNoIngredients  = "no_ingredients"
	OutcomeOCRFailed      = "ocr_failed"
	OutcomeAnalysisFailed = "analysis_failed"
	OutcomePanic          = "panic"
)

// Metrics holds the application's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	PipelineRuns             *prometheus.CounterVec
	PipelineDuration         *prometheus.HistogramVec
	StageDuration            *prometheus.HistogramVec
	ClassificationConfidence *prometheus.HistogramVec
	IntakeLogged             *prometheus.CounterVec
	IntakeDeleted            prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PipelineRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pipeline_runs_total",
				Help:      "Pipeline runs by entry point and outcome",
			},
			[]string{"entry", "outcome"},
		),
		PipelineDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pipeline_duration_seconds",
				Help:      "End to end pipeline duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"entry"},
		),
		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_duration_seconds",
				Help:      "Gateway call duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		),
		ClassificationConfidence: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "classification_confidence",
				Help:      "Classifier confidence by chosen category",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"category"},
		),
		IntakeLogged: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intake_logged_total",
				Help:      "Intake entries logged by product type",
			},
			[]string{"product_type"},
		),
		IntakeDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "intake_deleted_total",
				Help:      "Intake entries deleted",
			},
		),
		gatherer: reg,
	}
}

// ObservePipeline records one finished pipeline run
func (m *Metrics) ObservePipeline(entry, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PipelineRuns.WithLabelValues(entry, outcome).Inc()
	m.PipelineDuration.WithLabelValues(entry).Observe(seconds)
}

// ObserveStage records one gateway call
func (m *Metrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveClassification records a classifier decision
func (m *Metrics) ObserveClassification(category string, confidence float64) {
	if m == nil {
		return
	}
	m.ClassificationConfidence.WithLabelValues(category).Observe(confidence)
}

// IntakeLoggedInc counts a logged intake entry
func (m *Metrics) IntakeLoggedInc(productType string) {
	if m == nil {
		return
	}
	m.IntakeLogged.WithLabelValues(productType).Inc()
}

// IntakeDeletedInc counts a deleted intake entry
func (m *Metrics) IntakeDeletedInc() {
	if m == nil {
		return
	}
	m.IntakeDeleted.Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
