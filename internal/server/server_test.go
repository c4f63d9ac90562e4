package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/ingredientscan/internal/classifier"
	"github.com/franckalain/ingredientscan/internal/config"
	"github.com/franckalain/ingredientscan/internal/database"
	"github.com/franckalain/ingredientscan/internal/metrics"
	"github.com/franckalain/ingredientscan/internal/models"
	"github.com/franckalain/ingredientscan/internal/pipeline"
	"github.com/franckalain/ingredientscan/internal/tracker"
)

// fileExtractor reads the uploaded file as the label text
type fileExtractor struct {
	mu    sync.Mutex
	paths []string
}

func (f *fileExtractor) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func (f *fileExtractor) Detect(_ context.Context, imagePath string) (*models.Extraction, error) {
	f.mu.Lock()
	f.paths = append(f.paths, imagePath)
	f.mu.Unlock()

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, err
	}
	return &models.Extraction{
		ProductName:     "Cola Zero",
		IngredientsText: string(data),
		FullText:        "Cola Zero soda beverage. Ingredients: " + string(data),
	}, nil
}

type recordingAnalyzer struct {
	mu    sync.Mutex
	prefs *models.UserHealthPreferences
}

func (a *recordingAnalyzer) Analyze(_ context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error) {
	a.mu.Lock()
	a.prefs = req.Preferences
	a.mu.Unlock()

	out := &models.AnalysisOutcome{
		HealthinessRating: 7,
		FDAStatus:         models.FDALikely,
		ExpirationValid:   true,
		Recommendation:    "Fine in moderation.",
	}
	if strings.Contains(req.IngredientsText, "aspartame") {
		out.HarmfulIngredients = []string{"aspartame"}
		out.HealthinessRating = 4
	}
	if req.Preferences != nil {
		matches := false
		out.Personalization = &models.Personalization{MatchesPreferences: &matches}
	}
	return out, nil
}

func (a *recordingAnalyzer) lastPreferences() *models.UserHealthPreferences {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prefs
}

type testEnv struct {
	url       string
	extractor *fileExtractor
	analyzer  *recordingAnalyzer
	uploadDir string
	server    *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := database.NewSQLiteDB(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := metrics.New(prometheus.NewRegistry())
	env := &testEnv{
		extractor: &fileExtractor{},
		analyzer:  &recordingAnalyzer{},
		uploadDir: t.TempDir(),
	}
	p := pipeline.New(env.extractor, env.analyzer, classifier.Default(), pipeline.WithMetrics(m))
	tr := tracker.New(db, tracker.WithLocation(time.UTC), tracker.WithMetrics(m))

	srv := New(p, tr, config.ServerConfig{UploadDir: env.uploadDir, MaxImageSize: 1 << 10},
		WithMetrics(m), WithBatchLimit(2))
	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	env.url = env.server.URL
	return env
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

type reply struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

func roundTrip(t *testing.T, conn *websocket.Conn, msgType string, data any) reply {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": msgType, "data": data}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var r reply
	require.NoError(t, conn.ReadJSON(&r))
	return r
}

func expect(t *testing.T, r reply, msgType string, v any) {
	t.Helper()
	require.Equal(t, msgType, r.Type, "error message: %s", r.Message)
	if v != nil {
		require.NoError(t, json.Unmarshal(r.Data, v))
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.url + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestScanThenLogIntake(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	image := base64.StdEncoding.EncodeToString([]byte("carbonated water, caramel color, aspartame"))
	var scan scanResult
	expect(t, roundTrip(t, conn, "scan", map[string]any{"image": image}), "scan_result", &scan)

	require.NotEmpty(t, scan.ScanID)
	assert.True(t, scan.Result.Success)
	assert.Equal(t, "Cola Zero", scan.Result.ProductName)
	assert.Equal(t, []string{"aspartame"}, scan.Result.HarmfulIngredients)

	// The uploaded file is gone once the scan is answered.
	paths := env.extractor.seen()
	require.Len(t, paths, 1)
	_, err := os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))

	var logged map[string]string
	expect(t, roundTrip(t, conn, "log_intake", map[string]any{"scan_id": scan.ScanID}), "intake_logged", &logged)
	assert.NotEmpty(t, logged["id"])

	// A confirmed scan cannot be logged twice.
	r := roundTrip(t, conn, "log_intake", map[string]any{"scan_id": scan.ScanID})
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, "Scan not found", r.Message)

	var summary models.DailySummary
	expect(t, roundTrip(t, conn, "get_daily", nil), "daily_summary", &summary)
	assert.Equal(t, 1, summary.TotalProducts)
	require.NotNil(t, summary.Metrics)
	assert.Equal(t, 1, summary.Metrics.HarmfulCount)
	assert.InDelta(t, 4.0, summary.Metrics.AvgHealthRating, 1e-9)
}

func TestScanRejectsBadImages(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	r := roundTrip(t, conn, "scan", map[string]any{"image": "%%%not-base64"})
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, "Rejected image: invalid image format", r.Message)

	big := base64.StdEncoding.EncodeToString(make([]byte, 2<<10))
	r = roundTrip(t, conn, "scan", map[string]any{"image": big})
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, "Rejected image: image too large", r.Message)

	r = roundTrip(t, conn, "scan", map[string]any{})
	assert.Equal(t, "Invalid image data", r.Message)
}

func TestScanAcceptsDataURL(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	image := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("water, sugar"))
	var scan scanResult
	expect(t, roundTrip(t, conn, "scan", map[string]any{"image": image}), "scan_result", &scan)
	assert.Equal(t, "water, sugar", scan.Result.IngredientsText)
}

func TestScanBatchKeepsOrder(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	images := []string{
		base64.StdEncoding.EncodeToString([]byte("water, aspartame")),
		base64.StdEncoding.EncodeToString([]byte("water, sugar")),
	}
	var results []scanResult
	expect(t, roundTrip(t, conn, "scan_batch", map[string]any{
		"images":        images,
		"product_types": []string{"drink"},
	}), "batch_result", &results)

	require.Len(t, results, 2)
	assert.Equal(t, "water, aspartame", results[0].Result.IngredientsText)
	assert.Equal(t, models.ProductDrink, results[0].Result.ProductType)
	assert.Equal(t, 1.0, results[0].Result.ClassificationConfidence)
	assert.Equal(t, "water, sugar", results[1].Result.IngredientsText)
	assert.NotEqual(t, results[0].ScanID, results[1].ScanID)

	entries, err := os.ReadDir(env.uploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestAnalyzeTextWithoutIngredientsCannotBeLogged(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	var res scanResult
	expect(t, roundTrip(t, conn, "analyze_text", map[string]any{"ingredients_text": "  "}), "analysis_result", &res)
	assert.True(t, res.Result.Success)
	assert.Equal(t, pipeline.ErrNoIngredients, res.Result.Error)
	assert.Empty(t, res.ScanID)
}

func TestStoredPreferencesPersonalizeAnalysis(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	var res scanResult
	expect(t, roundTrip(t, conn, "analyze_text", map[string]any{"ingredients_text": "milk, sugar"}), "analysis_result", &res)
	assert.Nil(t, env.analyzer.lastPreferences())
	assert.Nil(t, res.Result.Personalization)

	prefs := models.UserHealthPreferences{Allergies: []string{"milk"}}
	expect(t, roundTrip(t, conn, "save_preferences", prefs), "preferences_saved", nil)

	var loaded models.StoredPreferences
	expect(t, roundTrip(t, conn, "load_preferences", nil), "preferences", &loaded)
	assert.Equal(t, []string{"milk"}, loaded.Allergies)

	expect(t, roundTrip(t, conn, "analyze_text", map[string]any{"ingredients_text": "milk, sugar"}), "analysis_result", &res)
	require.NotNil(t, env.analyzer.lastPreferences())
	assert.Equal(t, []string{"milk"}, env.analyzer.lastPreferences().Allergies)
	require.NotNil(t, res.Result.Personalization)
	assert.False(t, *res.Result.MatchesPreferences)
}

func TestHistoryLifecycle(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	var res scanResult
	expect(t, roundTrip(t, conn, "analyze_text", map[string]any{
		"ingredients_text": "oats, honey",
		"product_name":     "Granola Bar",
	}), "analysis_result", &res)

	var logged map[string]string
	expect(t, roundTrip(t, conn, "log_intake", map[string]any{
		"scan_id":   res.ScanID,
		"timestamp": "2025-06-03T09:00:00Z",
	}), "intake_logged", &logged)

	var match models.HistoryMatch
	expect(t, roundTrip(t, conn, "check_history", map[string]any{"product_name": "granola bar"}), "history_match", &match)
	assert.Equal(t, logged["id"], match.EntryID)
	assert.Equal(t, 7, match.HealthinessRating)

	var week models.WeeklyReport
	expect(t, roundTrip(t, conn, "get_weekly", map[string]any{"date": "2025-06-07"}), "weekly_report", &week)
	assert.Equal(t, "2025-06-01 to 2025-06-07", week.Period)
	assert.Equal(t, 1, week.TotalProducts)

	var day models.DailySummary
	expect(t, roundTrip(t, conn, "get_daily", map[string]any{"date": "2025-06-03"}), "daily_summary", &day)
	assert.Equal(t, 1, day.TotalProducts)

	var history []*models.IntakeEntry
	expect(t, roundTrip(t, conn, "get_history", map[string]any{"limit": 10}), "history", &history)
	require.Len(t, history, 1)

	var deleted map[string]any
	expect(t, roundTrip(t, conn, "delete_entry", map[string]any{"id": logged["id"]}), "entry_deleted", &deleted)
	assert.Equal(t, true, deleted["deleted"])

	expect(t, roundTrip(t, conn, "delete_entry", map[string]any{"id": logged["id"]}), "entry_deleted", &deleted)
	assert.Equal(t, false, deleted["deleted"])

	r := roundTrip(t, conn, "check_history", map[string]any{"product_name": "granola bar"})
	assert.Equal(t, "history_match", r.Type)
	assert.Equal(t, "null", string(r.Data))
}

func TestClearHistoryNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	r := roundTrip(t, conn, "clear_history", nil)
	assert.Equal(t, "error", r.Type)
	assert.Equal(t, "Clearing history requires confirmation", r.Message)

	expect(t, roundTrip(t, conn, "clear_history", map[string]any{"confirm": true}), "history_cleared", nil)
}

func TestInvalidMessages(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	r := roundTrip(t, conn, "launch_rockets", nil)
	assert.Equal(t, "Unknown message type", r.Message)

	r = roundTrip(t, conn, "get_daily", map[string]any{"date": "03/06/2025"})
	assert.Equal(t, "Invalid date", r.Message)

	r = roundTrip(t, conn, "delete_entry", nil)
	assert.Equal(t, "Missing entry id", r.Message)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var raw reply
	require.NoError(t, conn.ReadJSON(&raw))
	assert.Equal(t, "Invalid message format", raw.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t)

	roundTrip(t, conn, "analyze_text", map[string]any{"ingredients_text": "water"})

	resp, err := http.Get(env.url + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `ingredientscan_pipeline_runs_total{entry="text",outcome="success"} 1`)
}
