package database

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/franckalain/ingredientscan/internal/models"
)

//go:embed schema.sql
var schemaFS embed.FS

// timeLayout is fixed width so that stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// MetricsIncrement is the contribution of one logged entry to its day's metrics
type MetricsIncrement struct {
	Rating    int
	Harmful   bool
	Allergen  bool
	Violation bool
}

// DB interface defines the methods our database should implement
type DB interface {
	// InsertEntry stores entry and folds inc into the metrics row for entry.Day
	// in a single transaction
	InsertEntry(ctx context.Context, entry *models.IntakeEntry, inc MetricsIncrement) error
	// DeleteEntry removes an entry and recomputes its day's metrics.
	// It reports false when no entry had that id.
	DeleteEntry(ctx context.Context, id string) (bool, error)
	GetDailyMetrics(ctx context.Context, day string) (*models.DailyMetrics, error)
	ListDailyMetrics(ctx context.Context, startDay, endDay string) ([]*models.DailyMetrics, error)
	ListEntries(ctx context.Context, startDay, endDay string) ([]*models.IntakeEntry, error)
	RecentEntries(ctx context.Context, limit int) ([]*models.IntakeEntry, error)
	LatestEntryByName(ctx context.Context, name string) (*models.IntakeEntry, error)
	ClearHistory(ctx context.Context) error
	SavePreferences(ctx context.Context, prefs *models.StoredPreferences) error
	LoadPreferences(ctx context.Context) (*models.StoredPreferences, error)
	Close() error
}

// SQLiteDB implements the DB interface
type SQLiteDB struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteDB creates a new SQLite database connection.
// dbPath may be ":memory:" for a private in-memory database.
func NewSQLiteDB(dbPath string, logger *zap.Logger) (*SQLiteDB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// One connection serialises writers and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("error setting %q: %w", pragma, err)
		}
	}

	if err := initializeSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing schema: %w", err)
	}
	logger.Info("database ready", zap.String("path", dbPath))

	return &SQLiteDB{db: db, logger: logger}, nil
}

func initializeSchema(db *sql.DB) error {
	schemaBytes, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return fmt.Errorf("error reading schema file: %w", err)
	}

	if _, err := db.Exec(string(schemaBytes)); err != nil {
		return fmt.Errorf("error executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

func (s *SQLiteDB) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// InsertEntry saves an intake entry and updates the day's running metrics
func (s *SQLiteDB) InsertEntry(ctx context.Context, entry *models.IntakeEntry, inc MetricsIncrement) error {
	insert := `
		INSERT INTO intake_log (
			id, timestamp, day, product_name, product_type, ingredients_text,
			harmful_ingredients, allergens, additives, preservatives,
			healthiness_rating, safety_score_for_user, matches_preferences,
			recommendation, personalized_recommendation, full_analysis, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	// The SET expressions read the row as it was before this statement,
	// so the mean is updated from the old count and old average.
	upsert := `
		INSERT INTO health_metrics (
			date, total_products, avg_health_rating, harmful_count,
			allergen_exposures, preference_violations, updated_at
		) VALUES (?, 1, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			avg_health_rating = (health_metrics.avg_health_rating * health_metrics.total_products + excluded.avg_health_rating)
				/ (health_metrics.total_products + 1),
			total_products = health_metrics.total_products + 1,
			harmful_count = health_metrics.harmful_count + excluded.harmful_count,
			allergen_exposures = health_metrics.allergen_exposures + excluded.allergen_exposures,
			preference_violations = health_metrics.preference_violations + excluded.preference_violations,
			updated_at = excluded.updated_at
	`

	lists, err := marshalLists(entry.HarmfulIngredients, entry.Allergens, entry.Additives, entry.Preservatives)
	if err != nil {
		return err
	}

	var snapshot any
	if len(entry.Snapshot) > 0 {
		snapshot = string(entry.Snapshot)
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insert,
			entry.ID, formatTime(entry.Timestamp), entry.Day, entry.ProductName, string(entry.ProductType),
			entry.IngredientsText, lists[0], lists[1], lists[2], lists[3],
			entry.HealthinessRating, nullInt(entry.SafetyScoreForUser), nullBool(entry.MatchesPreferences),
			entry.Recommendation, entry.PersonalizedRecommendation, snapshot, formatTime(entry.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("error inserting intake entry: %w", err)
		}

		_, err = tx.ExecContext(ctx, upsert,
			entry.Day, float64(inc.Rating), boolInt(inc.Harmful), boolInt(inc.Allergen), boolInt(inc.Violation),
			formatTime(time.Now()),
		)
		if err != nil {
			return fmt.Errorf("error updating daily metrics: %w", err)
		}
		return nil
	})
}

// DeleteEntry removes an entry and rebuilds the metrics of its day from the
// entries that remain
func (s *SQLiteDB) DeleteEntry(ctx context.Context, id string) (bool, error) {
	recompute := `
		SELECT
			COUNT(*),
			COALESCE(AVG(healthiness_rating), 0),
			COALESCE(SUM(CASE WHEN json_array_length(harmful_ingredients) > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN json_array_length(allergens) > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN matches_preferences = 0 THEN 1 ELSE 0 END), 0)
		FROM intake_log WHERE day = ?
	`

	deleted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var day string
		err := tx.QueryRowContext(ctx, "SELECT day FROM intake_log WHERE id = ?", id).Scan(&day)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error finding intake entry: %w", err)
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM intake_log WHERE id = ?", id); err != nil {
			return fmt.Errorf("error deleting intake entry: %w", err)
		}
		deleted = true

		m := models.DailyMetrics{Date: day}
		err = tx.QueryRowContext(ctx, recompute, day).Scan(
			&m.TotalProducts, &m.AvgHealthRating, &m.HarmfulCount, &m.AllergenExposures, &m.PreferenceViolations,
		)
		if err != nil {
			return fmt.Errorf("error recomputing daily metrics: %w", err)
		}

		if m.TotalProducts == 0 {
			_, err = tx.ExecContext(ctx, "DELETE FROM health_metrics WHERE date = ?", day)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE health_metrics
				SET total_products = ?, avg_health_rating = ?, harmful_count = ?,
					allergen_exposures = ?, preference_violations = ?, updated_at = ?
				WHERE date = ?
			`, m.TotalProducts, m.AvgHealthRating, m.HarmfulCount, m.AllergenExposures,
				m.PreferenceViolations, formatTime(time.Now()), day)
		}
		if err != nil {
			return fmt.Errorf("error rewriting daily metrics: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

const metricsColumns = `date, total_products, avg_health_rating, harmful_count, allergen_exposures, preference_violations`

// GetDailyMetrics returns the metrics row for day, or nil when none exists
func (s *SQLiteDB) GetDailyMetrics(ctx context.Context, day string) (*models.DailyMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM health_metrics WHERE date = ?`

	m := &models.DailyMetrics{}
	err := s.db.QueryRowContext(ctx, query, day).Scan(
		&m.Date, &m.TotalProducts, &m.AvgHealthRating, &m.HarmfulCount, &m.AllergenExposures, &m.PreferenceViolations,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading daily metrics: %w", err)
	}
	return m, nil
}

// ListDailyMetrics returns the metrics rows between two days inclusive, oldest first
func (s *SQLiteDB) ListDailyMetrics(ctx context.Context, startDay, endDay string) ([]*models.DailyMetrics, error) {
	query := `SELECT ` + metricsColumns + ` FROM health_metrics WHERE date BETWEEN ? AND ? ORDER BY date`

	rows, err := s.db.QueryContext(ctx, query, startDay, endDay)
	if err != nil {
		return nil, fmt.Errorf("error listing daily metrics: %w", err)
	}
	defer rows.Close()

	results := []*models.DailyMetrics{}
	for rows.Next() {
		m := &models.DailyMetrics{}
		if err := rows.Scan(
			&m.Date, &m.TotalProducts, &m.AvgHealthRating, &m.HarmfulCount, &m.AllergenExposures, &m.PreferenceViolations,
		); err != nil {
			return nil, fmt.Errorf("error scanning daily metrics: %w", err)
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

const entryColumns = `
	id, timestamp, day, product_name, product_type, ingredients_text,
	harmful_ingredients, allergens, additives, preservatives,
	healthiness_rating, safety_score_for_user, matches_preferences,
	recommendation, personalized_recommendation, full_analysis, created_at
`

// ListEntries returns the entries logged between two days inclusive, oldest first
func (s *SQLiteDB) ListEntries(ctx context.Context, startDay, endDay string) ([]*models.IntakeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM intake_log WHERE day BETWEEN ? AND ? ORDER BY timestamp, id`
	return s.queryEntries(ctx, query, startDay, endDay)
}

// RecentEntries returns up to limit entries, most recent first
func (s *SQLiteDB) RecentEntries(ctx context.Context, limit int) ([]*models.IntakeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM intake_log ORDER BY timestamp DESC, id LIMIT ?`
	return s.queryEntries(ctx, query, limit)
}

// LatestEntryByName returns the most recent entry whose product name matches
// case-insensitively, or nil
func (s *SQLiteDB) LatestEntryByName(ctx context.Context, name string) (*models.IntakeEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM intake_log WHERE LOWER(product_name) = LOWER(?) ORDER BY timestamp DESC LIMIT 1`

	entries, err := s.queryEntries(ctx, query, name)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return entries[0], nil
}

func (s *SQLiteDB) queryEntries(ctx context.Context, query string, args ...any) ([]*models.IntakeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("error querying intake log: %w", err)
	}
	defer rows.Close()

	results := []*models.IntakeEntry{}
	for rows.Next() {
		var (
			e                    models.IntakeEntry
			productType          string
			timestamp, createdAt string
			harmful, allergens   string
			additives, preserv   string
			safety               sql.NullInt64
			matches              sql.NullBool
			snapshot             sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &timestamp, &e.Day, &e.ProductName, &productType, &e.IngredientsText,
			&harmful, &allergens, &additives, &preserv,
			&e.HealthinessRating, &safety, &matches,
			&e.Recommendation, &e.PersonalizedRecommendation, &snapshot, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("error scanning intake entry: %w", err)
		}

		e.ProductType = models.ProductType(productType)
		if e.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
			return nil, fmt.Errorf("error parsing timestamp of %s: %w", e.ID, err)
		}
		e.CreatedAt, _ = time.Parse(timeLayout, createdAt)

		for _, f := range []struct {
			raw string
			dst *[]string
		}{
			{harmful, &e.HarmfulIngredients},
			{allergens, &e.Allergens},
			{additives, &e.Additives},
			{preserv, &e.Preservatives},
		} {
			if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
				return nil, fmt.Errorf("error decoding list of %s: %w", e.ID, err)
			}
		}

		if safety.Valid {
			v := int(safety.Int64)
			e.SafetyScoreForUser = &v
		}
		if matches.Valid {
			v := matches.Bool
			e.MatchesPreferences = &v
		}
		if snapshot.Valid {
			e.Snapshot = json.RawMessage(snapshot.String)
		}

		results = append(results, &e)
	}
	return results, rows.Err()
}

// ClearHistory deletes every entry and every metrics row. Preferences are kept.
func (s *SQLiteDB) ClearHistory(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM intake_log"); err != nil {
			return fmt.Errorf("error clearing intake log: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM health_metrics"); err != nil {
			return fmt.Errorf("error clearing daily metrics: %w", err)
		}
		return nil
	})
}

// SavePreferences replaces the stored preference set
func (s *SQLiteDB) SavePreferences(ctx context.Context, prefs *models.StoredPreferences) error {
	query := `
		INSERT INTO user_preferences (
			id, allergies, dietary_restrictions, avoid_ingredients, health_goals, updated_at
		) VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			allergies = excluded.allergies,
			dietary_restrictions = excluded.dietary_restrictions,
			avoid_ingredients = excluded.avoid_ingredients,
			health_goals = excluded.health_goals,
			updated_at = excluded.updated_at
	`

	lists, err := marshalLists(prefs.Allergies, prefs.DietaryRestrictions, prefs.AvoidIngredients, prefs.HealthGoals)
	if err != nil {
		return err
	}
	if prefs.UpdatedAt.IsZero() {
		prefs.UpdatedAt = time.Now()
	}

	if _, err := s.db.ExecContext(ctx, query, lists[0], lists[1], lists[2], lists[3], formatTime(prefs.UpdatedAt)); err != nil {
		return fmt.Errorf("error saving preferences: %w", err)
	}
	return nil
}

// LoadPreferences returns the stored preference set, or nil when none was saved
func (s *SQLiteDB) LoadPreferences(ctx context.Context) (*models.StoredPreferences, error) {
	query := `
		SELECT allergies, dietary_restrictions, avoid_ingredients, health_goals, updated_at
		FROM user_preferences WHERE id = 1
	`

	var allergies, diet, avoid, goals, updatedAt string
	err := s.db.QueryRowContext(ctx, query).Scan(&allergies, &diet, &avoid, &goals, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error loading preferences: %w", err)
	}

	prefs := &models.StoredPreferences{}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{allergies, &prefs.Allergies},
		{diet, &prefs.DietaryRestrictions},
		{avoid, &prefs.AvoidIngredients},
		{goals, &prefs.HealthGoals},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("error decoding preferences: %w", err)
		}
	}
	prefs.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return prefs, nil
}

func marshalLists(lists ...[]string) ([]string, error) {
	out := make([]string, len(lists))
	for i, list := range lists {
		if list == nil {
			list = []string{}
		}
		data, err := json.Marshal(list)
		if err != nil {
			return nil, fmt.Errorf("error encoding list: %w", err)
		}
		out[i] = string(data)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	return boolInt(*v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
