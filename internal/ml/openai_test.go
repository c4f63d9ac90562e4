package ml

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/ingredientscan/internal/models"
)

// chatServer answers every chat completion with content and records the last request body
func chatServer(t *testing.T, content string, lastBody *[]byte) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read body: %v", err)
		}
		if lastBody != nil {
			*lastBody = body
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testOpenAIConfig(baseURL string) OpenAIConfig {
	return OpenAIConfig{
		APIKey:      "test-key",
		BaseURL:     baseURL + "/v1",
		Model:       "gpt-4o-mini",
		VisionModel: "gpt-4o",
		Temperature: 0.3,
		MaxTokens:   2000,
	}
}

func TestOpenAIAnalyzer(t *testing.T) {
	var body []byte
	srv := chatServer(t, `{"harmful_ingredients": [], "healthiness_rating": 8, "fda_approval": "Likely", "recommendation": "Fine."}`, &body)

	analyzer, err := NewOpenAIFactory(testOpenAIConfig(srv.URL), nil).CreateAnalyzer()
	require.NoError(t, err)
	analyzer.(*OpenAIAnalyzer).now = func() time.Time { return analysisNow }
	require.NoError(t, analyzer.Load(context.Background()))

	outcome, err := analyzer.Analyze(context.Background(), models.AnalysisRequest{
		ProductType:     models.ProductDrink,
		IngredientsText: "water, sugar",
		ExpirationDate:  "2025-12-31",
	})
	require.NoError(t, err)

	assert.Equal(t, 8, outcome.HealthinessRating)
	assert.True(t, outcome.ExpirationValid)
	assert.Equal(t, "Fine.", outcome.Recommendation)

	var sent struct {
		Model          string `json:"model"`
		ResponseFormat struct {
			Type string `json:"type"`
		} `json:"response_format"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, "gpt-4o-mini", sent.Model)
	assert.Equal(t, "json_object", sent.ResponseFormat.Type)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, "system", sent.Messages[0].Role)
	assert.Contains(t, sent.Messages[1].Content, "INGREDIENTS: water, sugar")
}

func TestOpenAIAnalyzerRejectsEmptyIngredients(t *testing.T) {
	srv := chatServer(t, `{}`, nil)

	analyzer, err := NewOpenAIFactory(testOpenAIConfig(srv.URL), nil).CreateAnalyzer()
	require.NoError(t, err)
	require.NoError(t, analyzer.Load(context.Background()))

	_, err = analyzer.Analyze(context.Background(), models.AnalysisRequest{})
	assert.ErrorIs(t, err, ErrNoIngredients)
}

func TestOpenAIExtractor(t *testing.T) {
	var body []byte
	srv := chatServer(t, `{"product_name":"Lemon Soda","ingredients_text":"carbonated water, lemon juice","expiration_date":"2026-03-01","full_text":"Lemon Soda 330 ml"}`, &body)

	image := filepath.Join(t.TempDir(), "label.png")
	require.NoError(t, os.WriteFile(image, []byte("\x89PNG\r\n\x1a\n0000"), 0o600))

	extractor, err := NewOpenAIFactory(testOpenAIConfig(srv.URL), nil).CreateExtractor()
	require.NoError(t, err)
	require.NoError(t, extractor.Load(context.Background()))

	ext, err := extractor.Detect(context.Background(), image)
	require.NoError(t, err)

	assert.Equal(t, "Lemon Soda", ext.ProductName)
	assert.Equal(t, "carbonated water, lemon juice", ext.IngredientsText)
	assert.Equal(t, "2026-03-01", ext.ExpirationDate)
	assert.Contains(t, ext.FullText, "carbonated water, lemon juice")
	assert.Contains(t, string(body), "data:image/png;base64,")
	assert.Contains(t, string(body), `"model":"gpt-4o"`)
}

func TestOpenAIExtractorMissingImage(t *testing.T) {
	srv := chatServer(t, `{}`, nil)

	extractor, err := NewOpenAIFactory(testOpenAIConfig(srv.URL), nil).CreateExtractor()
	require.NoError(t, err)
	require.NoError(t, extractor.Load(context.Background()))

	_, err = extractor.Detect(context.Background(), filepath.Join(t.TempDir(), "missing.jpg"))
	assert.ErrorContains(t, err, "failed to read image")
}

func TestOpenAIGatewaysRequireLoad(t *testing.T) {
	analyzer, err := NewOpenAIFactory(OpenAIConfig{Model: "gpt-4o-mini"}, nil).CreateAnalyzer()
	require.NoError(t, err)

	_, err = analyzer.Analyze(context.Background(), models.AnalysisRequest{IngredientsText: "water"})
	assert.ErrorIs(t, err, ErrNotLoaded)

	assert.Error(t, analyzer.Load(context.Background()), "missing api key")
}

func TestNewGatewaysBySelector(t *testing.T) {
	cfg := Config{Extractor: "local", Analyzer: "google"}
	cfg.ApplyEnv()

	extractor, err := NewExtractor(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &LocalExtractor{}, extractor)

	analyzer, err := NewAnalyzer(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &GoogleAnalyzer{}, analyzer)

	_, err = NewExtractor(Config{Extractor: "carrier-pigeon"}, nil)
	assert.Error(t, err)
	_, err = NewAnalyzer(Config{Analyzer: "local"}, nil)
	assert.Error(t, err)
}
