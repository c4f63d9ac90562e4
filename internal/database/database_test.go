package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/ingredientscan/internal/models"
)

func newTestDB(t *testing.T) *SQLiteDB {
	t.Helper()
	db, err := NewSQLiteDB(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func entry(id, day string, at time.Time, rating int) *models.IntakeEntry {
	return &models.IntakeEntry{
		ID:                 id,
		Timestamp:          at,
		Day:                day,
		ProductName:        "Product " + id,
		ProductType:        models.ProductFood,
		HealthinessRating:  rating,
		HarmfulIngredients: []string{},
		Allergens:          []string{},
	}
}

func TestInsertEntryMaintainsRunningMetrics(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	first := entry("a", "2025-06-01", base, 8)
	first.HarmfulIngredients = []string{"aspartame"}
	require.NoError(t, db.InsertEntry(ctx, first, MetricsIncrement{Rating: 8, Harmful: true}))

	second := entry("b", "2025-06-01", base.Add(time.Hour), 3)
	second.Allergens = []string{"peanuts"}
	require.NoError(t, db.InsertEntry(ctx, second, MetricsIncrement{Rating: 3, Allergen: true, Violation: true}))

	require.NoError(t, db.InsertEntry(ctx, entry("c", "2025-06-01", base.Add(2*time.Hour), 5), MetricsIncrement{Rating: 5}))

	m, err := db.GetDailyMetrics(ctx, "2025-06-01")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 3, m.TotalProducts)
	assert.InDelta(t, 16.0/3.0, m.AvgHealthRating, 1e-9)
	assert.Equal(t, 1, m.HarmfulCount)
	assert.Equal(t, 1, m.AllergenExposures)
	assert.Equal(t, 1, m.PreferenceViolations)

	none, err := db.GetDailyMetrics(ctx, "2025-06-02")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEntryRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	at := time.Date(2025, 6, 1, 8, 30, 15, 123456789, time.UTC)

	score, matches := 4, false
	e := entry("a", "2025-06-01", at, 6)
	e.IngredientsText = "peanuts, salt"
	e.Allergens = []string{"peanuts"}
	e.Additives = []string{"E621"}
	e.SafetyScoreForUser = &score
	e.MatchesPreferences = &matches
	e.Recommendation = "Moderate."
	e.Snapshot = json.RawMessage(`{"success":true}`)
	require.NoError(t, db.InsertEntry(ctx, e, MetricsIncrement{Rating: 6, Allergen: true, Violation: true}))

	entries, err := db.ListEntries(ctx, "2025-06-01", "2025-06-01")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, "a", got.ID)
	assert.True(t, at.Equal(got.Timestamp))
	assert.Equal(t, models.ProductFood, got.ProductType)
	assert.Equal(t, []string{"peanuts"}, got.Allergens)
	assert.Equal(t, []string{"E621"}, got.Additives)
	assert.Equal(t, []string{}, got.Preservatives)
	require.NotNil(t, got.SafetyScoreForUser)
	assert.Equal(t, 4, *got.SafetyScoreForUser)
	require.NotNil(t, got.MatchesPreferences)
	assert.False(t, *got.MatchesPreferences)
	assert.JSONEq(t, `{"success":true}`, string(got.Snapshot))
}

func TestDeleteEntryRecomputesDay(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	harmful := entry("a", "2025-06-01", base, 2)
	harmful.HarmfulIngredients = []string{"trans fat"}
	require.NoError(t, db.InsertEntry(ctx, harmful, MetricsIncrement{Rating: 2, Harmful: true}))
	require.NoError(t, db.InsertEntry(ctx, entry("b", "2025-06-01", base.Add(time.Hour), 8), MetricsIncrement{Rating: 8}))

	ok, err := db.DeleteEntry(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	m, err := db.GetDailyMetrics(ctx, "2025-06-01")
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, 1, m.TotalProducts)
	assert.Equal(t, 8.0, m.AvgHealthRating)
	assert.Zero(t, m.HarmfulCount)

	ok, err = db.DeleteEntry(ctx, "b")
	require.NoError(t, err)
	assert.True(t, ok)

	m, err = db.GetDailyMetrics(ctx, "2025-06-01")
	require.NoError(t, err)
	assert.Nil(t, m)

	ok, err = db.DeleteEntry(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecentAndLatestByName(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		e := entry(id, "2025-06-01", base.Add(time.Duration(i)*time.Minute), 5+i)
		e.ProductName = "Greek Yogurt"
		require.NoError(t, db.InsertEntry(ctx, e, MetricsIncrement{Rating: 5 + i}))
	}

	recent, err := db.RecentEntries(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)

	latest, err := db.LatestEntryByName(ctx, "GREEK yogurt")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "c", latest.ID)

	missing, err := db.LatestEntryByName(ctx, "Greek")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestClearHistoryKeepsPreferences(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.InsertEntry(ctx, entry("a", "2025-06-01", time.Now(), 5), MetricsIncrement{Rating: 5}))
	require.NoError(t, db.SavePreferences(ctx, &models.StoredPreferences{
		UserHealthPreferences: models.UserHealthPreferences{Allergies: []string{"gluten"}},
	}))

	require.NoError(t, db.ClearHistory(ctx))

	entries, err := db.RecentEntries(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, entries)

	metrics, err := db.ListDailyMetrics(ctx, "2025-01-01", "2025-12-31")
	require.NoError(t, err)
	assert.Empty(t, metrics)

	prefs, err := db.LoadPreferences(ctx)
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.Equal(t, []string{"gluten"}, prefs.Allergies)
}

func TestPreferencesLatestWins(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	none, err := db.LoadPreferences(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	require.NoError(t, db.SavePreferences(ctx, &models.StoredPreferences{
		UserHealthPreferences: models.UserHealthPreferences{Allergies: []string{"peanuts"}},
	}))
	require.NoError(t, db.SavePreferences(ctx, &models.StoredPreferences{
		UserHealthPreferences: models.UserHealthPreferences{
			DietaryRestrictions: []string{"vegan"},
			HealthGoals:         []string{"less sugar"},
		},
	}))

	prefs, err := db.LoadPreferences(ctx)
	require.NoError(t, err)
	require.NotNil(t, prefs)
	assert.Empty(t, prefs.Allergies)
	assert.Equal(t, []string{"vegan"}, prefs.DietaryRestrictions)
	assert.Equal(t, []string{"less sugar"}, prefs.HealthGoals)
	assert.False(t, prefs.UpdatedAt.IsZero())
}
