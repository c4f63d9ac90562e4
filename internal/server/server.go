package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/config"
	"github.com/franckalain/ingredientscan/internal/logger"
	"github.com/franckalain/ingredientscan/internal/metrics"
	"github.com/franckalain/ingredientscan/internal/models"
	"github.com/franckalain/ingredientscan/internal/pipeline"
	"github.com/franckalain/ingredientscan/internal/tracker"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // TODO: restrict to the configured frontend origin
	},
}

const (
	shutdownTimeout = 10 * time.Second
	// maxPending bounds the unconfirmed scans one connection keeps
	maxPending = 32
)

type Server struct {
	pipeline   *pipeline.Pipeline
	tracker    *tracker.Tracker
	metrics    *metrics.Metrics
	logger     *zap.Logger
	cfg        config.ServerConfig
	batchLimit int
	clients    sync.Map
}

// Option configures a Server
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) { s.logger = logger.OrNop(l) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithBatchLimit bounds how many images of one scan_batch request run at once
func WithBatchLimit(n int) Option {
	return func(s *Server) { s.batchLimit = n }
}

func New(p *pipeline.Pipeline, t *tracker.Tracker, cfg config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		pipeline: p,
		tracker:  t,
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP routes: /ws, /health, /metrics and the static frontend
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())
	if s.cfg.StaticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.cfg.StaticDir)))
	}
	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", zap.String("port", s.cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.clients.Range(func(_, v any) bool {
		v.(*websocket.Conn).Close()
		return true
	})
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

// session is the state of one websocket connection. Messages of a connection
// are handled one at a time, so its fields need no locking.
type session struct {
	id   string
	conn *websocket.Conn
	// pending holds analysed scans awaiting confirmation by log_intake
	pending map[string]*models.PipelineResponse
}

type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.cfg.MaxImageSize > 0 {
		// base64 inflates by 4/3, plus room for the JSON envelope
		conn.SetReadLimit(int64(s.cfg.MaxImageSize)*4/3 + 64<<10)
	}

	sess := &session{
		id:      uuid.New().String(),
		conn:    conn,
		pending: make(map[string]*models.PipelineResponse),
	}
	s.clients.Store(sess.id, conn)
	defer s.clients.Delete(sess.id)

	log := s.logger.With(zap.String("client_id", sess.id))
	log.Debug("client connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("error reading message", zap.Error(err))
			}
			break
		}

		var msg message
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Debug("error parsing message", zap.Error(err))
			s.sendError(conn, "Invalid message format")
			continue
		}

		s.handleWebSocketMessage(r.Context(), sess, msg)
	}
	log.Debug("client disconnected")
}

func (s *Server) handleWebSocketMessage(ctx context.Context, sess *session, msg message) {
	switch msg.Type {
	case "scan":
		s.handleScan(ctx, sess, msg.Data)
	case "scan_batch":
		s.handleScanBatch(ctx, sess, msg.Data)
	case "analyze_text":
		s.handleAnalyzeText(ctx, sess, msg.Data)
	case "log_intake":
		s.handleLogIntake(ctx, sess, msg.Data)
	case "get_daily":
		s.handleGetDaily(ctx, sess.conn, msg.Data)
	case "get_weekly":
		s.handleGetWeekly(ctx, sess.conn, msg.Data)
	case "get_history":
		s.handleGetHistory(ctx, sess.conn, msg.Data)
	case "check_history":
		s.handleCheckHistory(ctx, sess.conn, msg.Data)
	case "delete_entry":
		s.handleDeleteEntry(ctx, sess.conn, msg.Data)
	case "clear_history":
		s.handleClearHistory(ctx, sess.conn, msg.Data)
	case "save_preferences":
		s.handleSavePreferences(ctx, sess.conn, msg.Data)
	case "load_preferences":
		s.handleLoadPreferences(ctx, sess.conn)
	default:
		s.sendError(sess.conn, "Unknown message type")
	}
}

// decode unmarshals the message payload into v. An absent payload leaves v untouched.
func decode(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// scanResult pairs a pipeline response with the id log_intake confirms it by.
// ScanID is empty when there is nothing to log.
type scanResult struct {
	ScanID string                   `json:"scan_id,omitempty"`
	Result *models.PipelineResponse `json:"result"`
}

func (sess *session) remember(resp *models.PipelineResponse) scanResult {
	if resp.Outcome() == nil {
		return scanResult{Result: resp}
	}
	if len(sess.pending) >= maxPending {
		for k := range sess.pending {
			delete(sess.pending, k)
			break
		}
	}
	id := uuid.New().String()
	sess.pending[id] = resp
	return scanResult{ScanID: id, Result: resp}
}

// preferences returns the request's preferences, falling back to the stored set
func (s *Server) preferences(ctx context.Context, supplied *models.UserHealthPreferences) *models.UserHealthPreferences {
	if supplied != nil {
		return supplied
	}
	stored, err := s.tracker.LoadPreferences(ctx)
	if err != nil {
		s.logger.Warn("failed to load stored preferences", zap.Error(err))
		return nil
	}
	if stored == nil || stored.IsEmpty() {
		return nil
	}
	return &stored.UserHealthPreferences
}

type scanRequest struct {
	Image       string                        `json:"image"`
	Preferences *models.UserHealthPreferences `json:"preferences"`
}

func (s *Server) handleScan(ctx context.Context, sess *session, data json.RawMessage) {
	var req scanRequest
	if err := decode(data, &req); err != nil || req.Image == "" {
		s.sendError(sess.conn, "Invalid image data")
		return
	}

	path, err := s.saveImage(req.Image)
	if err != nil {
		s.logger.Debug("rejected scan image", zap.Error(err))
		s.sendError(sess.conn, "Rejected image: "+err.Error())
		return
	}

	resp := s.pipeline.RunImage(ctx, path, s.preferences(ctx, req.Preferences))
	os.Remove(path)
	s.sendMessage(sess.conn, "scan_result", sess.remember(resp))
}

type batchRequest struct {
	Images       []string                      `json:"images"`
	ProductTypes []string                      `json:"product_types"`
	Preferences  *models.UserHealthPreferences `json:"preferences"`
}

func (s *Server) handleScanBatch(ctx context.Context, sess *session, data json.RawMessage) {
	var req batchRequest
	if err := decode(data, &req); err != nil || len(req.Images) == 0 {
		s.sendError(sess.conn, "Invalid image data")
		return
	}

	prefs := s.preferences(ctx, req.Preferences)
	items := make([]pipeline.BatchItem, 0, len(req.Images))
	for i, image := range req.Images {
		path, err := s.saveImage(image)
		if err != nil {
			s.removeImages(items)
			s.sendError(sess.conn, fmt.Sprintf("Rejected image %d: %v", i+1, err))
			return
		}
		item := pipeline.BatchItem{ImagePath: path, Preferences: prefs}
		if i < len(req.ProductTypes) {
			item.ProductType = models.ParseProductType(req.ProductTypes[i])
		}
		items = append(items, item)
	}
	responses := s.pipeline.RunBatch(ctx, items, s.batchLimit)
	s.removeImages(items)

	results := make([]scanResult, len(responses))
	for i, resp := range responses {
		results[i] = sess.remember(resp)
	}
	s.sendMessage(sess.conn, "batch_result", results)
}

func (s *Server) removeImages(items []pipeline.BatchItem) {
	for _, item := range items {
		os.Remove(item.ImagePath)
	}
}

var (
	errImageFormat   = errors.New("invalid image format")
	errImageTooLarge = errors.New("image too large")
	errImageStore    = errors.New("failed to store image")
)

// saveImage decodes a base64 image, optionally wrapped in a data URL, into a
// temporary file the extractor can read. The caller removes the file.
func (s *Server) saveImage(encoded string) (string, error) {
	if i := strings.Index(encoded, ";base64,"); i >= 0 && strings.HasPrefix(encoded, "data:") {
		encoded = encoded[i+len(";base64,"):]
	}

	imageData, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(imageData) == 0 {
		return "", errImageFormat
	}
	if s.cfg.MaxImageSize > 0 && len(imageData) > s.cfg.MaxImageSize {
		return "", errImageTooLarge
	}

	f, err := os.CreateTemp(s.cfg.UploadDir, "scan-*")
	if err != nil {
		s.logger.Error("failed to create upload file", zap.Error(err))
		return "", errImageStore
	}
	_, err = f.Write(imageData)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		s.logger.Error("failed to write upload file", zap.Error(err))
		return "", errImageStore
	}
	return f.Name(), nil
}

type textRequest struct {
	IngredientsText string                        `json:"ingredients_text"`
	ProductName     string                        `json:"product_name"`
	ProductType     string                        `json:"product_type"`
	ExpirationDate  string                        `json:"expiration_date"`
	ManufactureDate string                        `json:"manufacture_date"`
	Preferences     *models.UserHealthPreferences `json:"preferences"`
}

func (s *Server) handleAnalyzeText(ctx context.Context, sess *session, data json.RawMessage) {
	var req textRequest
	if err := decode(data, &req); err != nil {
		s.sendError(sess.conn, "Invalid text request")
		return
	}

	var productType models.ProductType
	if req.ProductType != "" {
		productType = models.ParseProductType(req.ProductType)
	}

	resp := s.pipeline.RunText(ctx, pipeline.TextRequest{
		IngredientsText: strings.TrimSpace(req.IngredientsText),
		ProductName:     strings.TrimSpace(req.ProductName),
		ProductType:     productType,
		ExpirationDate:  req.ExpirationDate,
		ManufactureDate: req.ManufactureDate,
	}, s.preferences(ctx, req.Preferences))
	s.sendMessage(sess.conn, "analysis_result", sess.remember(resp))
}

type logRequest struct {
	ScanID    string    `json:"scan_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) handleLogIntake(ctx context.Context, sess *session, data json.RawMessage) {
	var req logRequest
	if err := decode(data, &req); err != nil || req.ScanID == "" {
		s.sendError(sess.conn, "Missing scan id")
		return
	}

	resp, ok := sess.pending[req.ScanID]
	if !ok {
		s.sendError(sess.conn, "Scan not found")
		return
	}

	id, err := s.tracker.Log(ctx, resp, req.Timestamp)
	switch {
	case errors.Is(err, tracker.ErrNoAnalysis):
		s.sendError(sess.conn, "Scan has no analysis to log")
		return
	case err != nil:
		s.logger.Error("failed to log intake", zap.Error(err))
		s.sendError(sess.conn, "Failed to log intake")
		return
	}

	delete(sess.pending, req.ScanID)
	s.sendMessage(sess.conn, "intake_logged", map[string]string{"id": id})
}

type dayRequest struct {
	Date string `json:"date"`
}

// parseDay reads a YYYY-MM-DD date in the tracker's time zone; empty means today
func (s *Server) parseDay(date string) (time.Time, error) {
	if date == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(models.DateLayout, date, s.tracker.Location())
}

func (s *Server) handleGetDaily(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req dayRequest
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "Invalid date")
		return
	}
	day, err := s.parseDay(req.Date)
	if err != nil {
		s.sendError(conn, "Invalid date")
		return
	}

	summary, err := s.tracker.DailySummary(ctx, day)
	if err != nil {
		s.logger.Error("failed to build daily summary", zap.Error(err))
		s.sendError(conn, "Failed to retrieve daily summary")
		return
	}
	s.sendMessage(conn, "daily_summary", summary)
}

func (s *Server) handleGetWeekly(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req dayRequest
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "Invalid date")
		return
	}
	end, err := s.parseDay(req.Date)
	if err != nil {
		s.sendError(conn, "Invalid date")
		return
	}

	report, err := s.tracker.WeeklyReport(ctx, end)
	if err != nil {
		s.logger.Error("failed to build weekly report", zap.Error(err))
		s.sendError(conn, "Failed to retrieve weekly report")
		return
	}
	s.sendMessage(conn, "weekly_report", report)
}

func (s *Server) handleGetHistory(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req struct {
		Limit int `json:"limit"`
	}
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "Invalid history request")
		return
	}

	entries, err := s.tracker.History(ctx, req.Limit)
	if err != nil {
		s.logger.Error("failed to retrieve history", zap.Error(err))
		s.sendError(conn, "Failed to retrieve history")
		return
	}
	s.sendMessage(conn, "history", entries)
}

func (s *Server) handleCheckHistory(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req struct {
		ProductName string `json:"product_name"`
	}
	if err := decode(data, &req); err != nil || strings.TrimSpace(req.ProductName) == "" {
		s.sendError(conn, "Missing product name")
		return
	}

	match, err := s.tracker.CheckProductAgainstHistory(ctx, req.ProductName)
	if err != nil {
		s.logger.Error("failed to check history", zap.Error(err))
		s.sendError(conn, "Failed to check history")
		return
	}
	s.sendMessage(conn, "history_match", match)
}

func (s *Server) handleDeleteEntry(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req struct {
		ID string `json:"id"`
	}
	if err := decode(data, &req); err != nil || req.ID == "" {
		s.sendError(conn, "Missing entry id")
		return
	}

	deleted, err := s.tracker.Delete(ctx, req.ID)
	if err != nil {
		s.logger.Error("failed to delete entry", zap.String("entry_id", req.ID), zap.Error(err))
		s.sendError(conn, "Failed to delete entry")
		return
	}
	s.sendMessage(conn, "entry_deleted", map[string]any{"id": req.ID, "deleted": deleted})
}

func (s *Server) handleClearHistory(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var req struct {
		Confirm bool `json:"confirm"`
	}
	if err := decode(data, &req); err != nil {
		s.sendError(conn, "Invalid clear request")
		return
	}

	err := s.tracker.ClearHistory(ctx, req.Confirm)
	switch {
	case errors.Is(err, tracker.ErrConfirmRequired):
		s.sendError(conn, "Clearing history requires confirmation")
		return
	case err != nil:
		s.logger.Error("failed to clear history", zap.Error(err))
		s.sendError(conn, "Failed to clear history")
		return
	}
	s.sendMessage(conn, "history_cleared", nil)
}

func (s *Server) handleSavePreferences(ctx context.Context, conn *websocket.Conn, data json.RawMessage) {
	var prefs models.UserHealthPreferences
	if err := decode(data, &prefs); err != nil {
		s.sendError(conn, "Invalid preferences")
		return
	}

	if err := s.tracker.SavePreferences(ctx, prefs); err != nil {
		s.logger.Error("failed to save preferences", zap.Error(err))
		s.sendError(conn, "Failed to save preferences")
		return
	}
	s.sendMessage(conn, "preferences_saved", nil)
}

func (s *Server) handleLoadPreferences(ctx context.Context, conn *websocket.Conn) {
	prefs, err := s.tracker.LoadPreferences(ctx)
	if err != nil {
		s.logger.Error("failed to load preferences", zap.Error(err))
		s.sendError(conn, "Failed to load preferences")
		return
	}
	s.sendMessage(conn, "preferences", prefs)
}

func (s *Server) sendMessage(conn *websocket.Conn, messageType string, data any) {
	msg := map[string]any{
		"type": messageType,
		"data": data,
	}

	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("error sending message", zap.String("type", messageType), zap.Error(err))
		return
	}
	s.logger.Debug("message sent", zap.String("type", messageType))
}

func (s *Server) sendError(conn *websocket.Conn, message string) {
	msg := map[string]any{
		"type":    "error",
		"message": message,
	}

	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Warn("error sending error message", zap.Error(err))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
