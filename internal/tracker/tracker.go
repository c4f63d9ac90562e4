package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/database"
	"github.com/franckalain/ingredientscan/internal/logger"
	"github.com/franckalain/ingredientscan/internal/metrics"
	"github.com/franckalain/ingredientscan/internal/models"
)

// DefaultHistoryLimit bounds History when the caller passes no limit
const DefaultHistoryLimit = 100

// Tracker logs consumed products and keeps per-day aggregates
type Tracker struct {
	db      database.DB
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	loc     *time.Location
	newID   func() string
	days    dayLocks
}

// Option configures a Tracker
type Option func(*Tracker)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracker) { t.logger = logger.OrNop(l) }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLocation sets the time zone that decides which calendar day an entry belongs to
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) { t.loc = loc }
}

// New creates a tracker over db
func New(db database.DB, opts ...Option) *Tracker {
	t := &Tracker{
		db:     db,
		logger: zap.NewNop(),
		now:    time.Now,
		loc:    time.Local,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Location returns the time zone calendar days are computed in
func (t *Tracker) Location() *time.Location {
	return t.loc
}

func (t *Tracker) day(at time.Time) string {
	return at.In(t.loc).Format(models.DateLayout)
}

// Log records the consumption of an analysed product at the given time
// (now when zero) and folds it into that day's metrics. It returns the new
// entry's id.
func (t *Tracker) Log(ctx context.Context, resp *models.PipelineResponse, at time.Time) (string, error) {
	outcome := resp.Outcome()
	if outcome == nil {
		return "", ErrNoAnalysis
	}
	if at.IsZero() {
		at = t.now()
	}

	snapshot, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis snapshot: %w", err)
	}

	entry := &models.IntakeEntry{
		ID:                 t.newID(),
		Timestamp:          at,
		Day:                t.day(at),
		ProductName:        resp.ProductName,
		ProductType:        resp.ProductType,
		IngredientsText:    resp.IngredientsText,
		HarmfulIngredients: outcome.HarmfulIngredients,
		Allergens:          outcome.Allergens,
		Additives:          outcome.Additives,
		Preservatives:      outcome.Preservatives,
		HealthinessRating:  outcome.HealthinessRating,
		Recommendation:     outcome.Recommendation,
		Snapshot:           snapshot,
		CreatedAt:          t.now(),
	}
	if p := outcome.Personalization; p != nil {
		entry.SafetyScoreForUser = p.SafetyScoreForUser
		entry.MatchesPreferences = p.MatchesPreferences
		entry.PersonalizedRecommendation = p.PersonalizedRecommendation
	}

	inc := database.MetricsIncrement{
		Rating:   outcome.HealthinessRating,
		Harmful:  len(outcome.HarmfulIngredients) > 0,
		Allergen: len(outcome.Allergens) > 0,
		// Only an explicit mismatch counts; unknown is not a violation.
		Violation: entry.MatchesPreferences != nil && !*entry.MatchesPreferences,
	}

	unlock := t.days.lock(entry.Day)
	err = t.db.InsertEntry(ctx, entry, inc)
	unlock()
	if err != nil {
		return "", storageErr("log", err)
	}

	t.metrics.IntakeLoggedInc(string(entry.ProductType))
	t.logger.Info("intake logged",
		zap.String("entry_id", entry.ID),
		zap.String("day", entry.Day),
		zap.String("product_name", entry.ProductName),
		zap.Int("healthiness_rating", entry.HealthinessRating),
	)
	return entry.ID, nil
}

// DailySummary returns the entries of one calendar day (today when zero) and
// the day's maintained metrics
func (t *Tracker) DailySummary(ctx context.Context, day time.Time) (*models.DailySummary, error) {
	if day.IsZero() {
		day = t.now()
	}
	date := t.day(day)

	entries, err := t.db.ListEntries(ctx, date, date)
	if err != nil {
		return nil, storageErr("daily summary", err)
	}
	m, err := t.db.GetDailyMetrics(ctx, date)
	if err != nil {
		return nil, storageErr("daily summary", err)
	}

	return &models.DailySummary{
		Date:          date,
		TotalProducts: len(entries),
		Products:      entries,
		Metrics:       m,
	}, nil
}

// WeeklyReport covers the 7 calendar days ending at end (today when zero).
// The per-day breakdown comes from the maintained metrics, the window
// totals from the raw entries.
func (t *Tracker) WeeklyReport(ctx context.Context, end time.Time) (*models.WeeklyReport, error) {
	if end.IsZero() {
		end = t.now()
	}
	end = end.In(t.loc)
	startDay := time.Date(end.Year(), end.Month(), end.Day(), 0, 0, 0, 0, t.loc).AddDate(0, 0, -6)
	start, stop := startDay.Format(models.DateLayout), end.Format(models.DateLayout)

	breakdown, err := t.db.ListDailyMetrics(ctx, start, stop)
	if err != nil {
		return nil, storageErr("weekly report", err)
	}
	entries, err := t.db.ListEntries(ctx, start, stop)
	if err != nil {
		return nil, storageErr("weekly report", err)
	}

	report := &models.WeeklyReport{
		Start:          start,
		End:            stop,
		Period:         start + " to " + stop,
		TotalProducts:  len(entries),
		DailyBreakdown: breakdown,
		Entries:        entries,
	}

	sum := 0
	for _, e := range entries {
		sum += e.HealthinessRating
		if len(e.HarmfulIngredients) > 0 {
			report.TotalHarmfulExposures++
		}
	}
	if len(entries) > 0 {
		report.AvgHealthRating = math.Round(float64(sum)/float64(len(entries))*100) / 100
	}
	return report, nil
}

// CheckProductAgainstHistory finds the most recent consumption of a product
// by case-insensitive name. It returns nil when the product was never logged.
func (t *Tracker) CheckProductAgainstHistory(ctx context.Context, name string) (*models.HistoryMatch, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}

	e, err := t.db.LatestEntryByName(ctx, name)
	if err != nil {
		return nil, storageErr("history lookup", err)
	}
	if e == nil {
		return nil, nil
	}

	match := &models.HistoryMatch{
		EntryID:           e.ID,
		LastConsumed:      e.Timestamp,
		HealthinessRating: e.HealthinessRating,
		Recommendation:    e.Recommendation,
	}
	if len(e.Snapshot) > 0 {
		var full models.PipelineResponse
		if err := json.Unmarshal(e.Snapshot, &full); err != nil {
			t.logger.Warn("unreadable analysis snapshot", zap.String("entry_id", e.ID), zap.Error(err))
		} else {
			match.FullAnalysis = &full
		}
	}
	return match, nil
}

// Delete removes an entry and recomputes its day's metrics from the entries
// that remain. It reports whether an entry was removed.
func (t *Tracker) Delete(ctx context.Context, id string) (bool, error) {
	deleted, err := t.db.DeleteEntry(ctx, id)
	if err != nil {
		return false, storageErr("delete", err)
	}
	if deleted {
		t.metrics.IntakeDeletedInc()
		t.logger.Info("intake deleted", zap.String("entry_id", id))
	}
	return deleted, nil
}

// History returns up to limit entries, most recent first
func (t *Tracker) History(ctx context.Context, limit int) ([]*models.IntakeEntry, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	entries, err := t.db.RecentEntries(ctx, limit)
	if err != nil {
		return nil, storageErr("history", err)
	}
	return entries, nil
}

// ClearHistory deletes every entry and metric. It refuses unless confirm is set.
func (t *Tracker) ClearHistory(ctx context.Context, confirm bool) error {
	if !confirm {
		return ErrConfirmRequired
	}
	if err := t.db.ClearHistory(ctx); err != nil {
		return storageErr("clear history", err)
	}
	t.logger.Warn("intake history cleared")
	return nil
}

// SavePreferences replaces the stored preference set
func (t *Tracker) SavePreferences(ctx context.Context, prefs models.UserHealthPreferences) error {
	stored := &models.StoredPreferences{UserHealthPreferences: prefs, UpdatedAt: t.now()}
	if err := t.db.SavePreferences(ctx, stored); err != nil {
		return storageErr("save preferences", err)
	}
	return nil
}

// LoadPreferences returns the stored preference set, or nil when none was saved
func (t *Tracker) LoadPreferences(ctx context.Context) (*models.StoredPreferences, error) {
	prefs, err := t.db.LoadPreferences(ctx)
	if err != nil {
		return nil, storageErr("load preferences", err)
	}
	return prefs, nil
}
