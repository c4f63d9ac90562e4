package models

import (
	"encoding/json"
	"time"
)

// DateLayout is the calendar day format used for metrics keys
const DateLayout = "2006-01-02"

// IntakeEntry is one logged consumption. Immutable once written.
type IntakeEntry struct {
	ID                         string          `json:"id"`
	Timestamp                  time.Time       `json:"timestamp"`
	Day                        string          `json:"day"` // YYYY-MM-DD
	ProductName                string          `json:"product_name,omitempty"`
	ProductType                ProductType     `json:"product_type"`
	IngredientsText            string          `json:"ingredients_text,omitempty"`
	HarmfulIngredients         []string        `json:"harmful_ingredients"`
	Allergens                  []string        `json:"allergens"`
	Additives                  []string        `json:"additives"`
	Preservatives              []string        `json:"preservatives"`
	HealthinessRating          int             `json:"healthiness_rating"`
	SafetyScoreForUser         *int            `json:"safety_score_for_user"`
	MatchesPreferences         *bool           `json:"matches_preferences"`
	Recommendation             string          `json:"recommendation,omitempty"`
	PersonalizedRecommendation string          `json:"personalized_recommendation,omitempty"`
	Snapshot                   json.RawMessage `json:"full_analysis,omitempty"`
	CreatedAt                  time.Time       `json:"created_at"`
}

// DailyMetrics are the running aggregates for one calendar day
type DailyMetrics struct {
	Date                 string  `json:"date"`
	TotalProducts        int     `json:"total_products"`
	AvgHealthRating      float64 `json:"avg_health_rating"`
	HarmfulCount         int     `json:"harmful_count"`
	AllergenExposures    int     `json:"allergen_exposures"`
	PreferenceViolations int     `json:"preference_violations"`
}

// DailySummary is one day's entries plus its maintained metrics.
// Metrics is nil when nothing was logged that day.
type DailySummary struct {
	Date          string         `json:"date"`
	TotalProducts int            `json:"total_products"`
	Products      []*IntakeEntry `json:"products"`
	Metrics       *DailyMetrics  `json:"metrics"`
}

// WeeklyReport covers the 7 calendar days ending at End, inclusive
type WeeklyReport struct {
	Start                 string          `json:"start"`
	End                   string          `json:"end"`
	Period                string          `json:"period"`
	TotalProducts         int             `json:"total_products"`
	AvgHealthRating       float64         `json:"avg_health_rating"`
	TotalHarmfulExposures int             `json:"total_harmful_exposures"`
	DailyBreakdown        []*DailyMetrics `json:"daily_breakdown"`
	Entries               []*IntakeEntry  `json:"entries"`
}

// HistoryMatch is the most recent consumption of a product
type HistoryMatch struct {
	EntryID           string            `json:"entry_id"`
	LastConsumed      time.Time         `json:"last_consumed"`
	HealthinessRating int               `json:"healthiness_rating"`
	Recommendation    string            `json:"recommendation"`
	FullAnalysis      *PipelineResponse `json:"full_analysis,omitempty"`
}

// StoredPreferences is the persisted preference set
type StoredPreferences struct {
	UserHealthPreferences
	UpdatedAt time.Time `json:"updated_at"`
}
