package models

import (
	"strings"
)

// ProductType is the category a scanned product belongs to
type ProductType string

const (
	ProductFood    ProductType = "food"
	ProductDrink   ProductType = "drink"
	ProductBeauty  ProductType = "beauty"
	ProductUnknown ProductType = "unknown"
)

// ParseProductType maps free text onto a ProductType, falling back to unknown
func ParseProductType(s string) ProductType {
	switch ProductType(strings.ToLower(strings.TrimSpace(s))) {
	case ProductFood:
		return ProductFood
	case ProductDrink:
		return ProductDrink
	case ProductBeauty:
		return ProductBeauty
	default:
		return ProductUnknown
	}
}

// ClassificationResult is the classifier's best guess for a product
type ClassificationResult struct {
	Category   ProductType         `json:"product_type"`
	Confidence float64             `json:"confidence"` // 0..1
	Scores     map[ProductType]int `json:"scores"`
}

// Extraction is what a text extraction gateway read off a label image
type Extraction struct {
	ProductName     string `json:"product_name,omitempty"`
	IngredientsText string `json:"ingredients_text,omitempty"`
	ExpirationDate  string `json:"expiration_date,omitempty"`  // YYYY-MM-DD
	ManufactureDate string `json:"manufacture_date,omitempty"` // YYYY-MM-DD
	FullText        string `json:"full_text"`
}

// FDAStatus is the regulatory status reported by the analysis gateway
type FDAStatus string

const (
	FDALikely     FDAStatus = "Likely"
	FDAUnverified FDAStatus = "Unverified"
	FDANotFound   FDAStatus = "Not Found"
)

// ParseFDAStatus normalizes the status strings models tend to produce
func ParseFDAStatus(s string) FDAStatus {
	normalized := strings.ToLower(strings.Join(strings.Fields(s), ""))
	switch normalized {
	case "likely", "approved", "likelyapproved":
		return FDALikely
	case "notfound", "none":
		return FDANotFound
	default:
		return FDAUnverified
	}
}

// UserHealthPreferences are the user's allergies, diet and goals
type UserHealthPreferences struct {
	Allergies           []string `json:"allergies"`
	DietaryRestrictions []string `json:"dietary_restrictions"`
	AvoidIngredients    []string `json:"avoid_ingredients"`
	HealthGoals         []string `json:"health_goals"`
}

// IsEmpty reports whether no preference has been set
func (p *UserHealthPreferences) IsEmpty() bool {
	return p == nil || len(p.Allergies)+len(p.DietaryRestrictions)+len(p.AvoidIngredients)+len(p.HealthGoals) == 0
}

// AnalysisRequest is the input to an analysis gateway
type AnalysisRequest struct {
	ProductType     ProductType            `json:"product_type"`
	IngredientsText string                 `json:"ingredients_text"`
	ExpirationDate  string                 `json:"expiration_date,omitempty"`
	ManufactureDate string                 `json:"manufacture_date,omitempty"`
	Preferences     *UserHealthPreferences `json:"user_preferences,omitempty"`
}

// Personalization holds the fields that only exist when preferences were supplied.
// Nil pointers mean "not evaluated".
type Personalization struct {
	PersonalizedRecommendation string   `json:"personalized_recommendation,omitempty"`
	SafetyScoreForUser         *int     `json:"safety_score_for_user"` // 1..10
	WarningsForUser            []string `json:"warnings_for_user"`
	MatchesPreferences         *bool    `json:"matches_preferences"`
}

// AnalysisOutcome is the structured judgement for one product
type AnalysisOutcome struct {
	HarmfulIngredients []string  `json:"harmful_ingredients"`
	Additives          []string  `json:"additives"`
	Preservatives      []string  `json:"preservatives"`
	Irritants          []string  `json:"irritants"`
	Allergens          []string  `json:"allergens"`
	Chemicals          []string  `json:"chemicals"`
	Certifications     []string  `json:"certifications"`
	FDAStatus          FDAStatus `json:"fda_approval"`
	HealthinessRating  int       `json:"healthiness_rating"` // 1..10
	ExpirationValid    bool      `json:"expiration_valid"`
	Recommendation     string    `json:"recommendation"`
	HealthSuggestion   string    `json:"health_suggestion"`

	*Personalization
}

// PipelineResponse is the envelope returned for every pipeline run.
// The analysis outcome is flattened into it and omitted when absent.
type PipelineResponse struct {
	Success                  bool        `json:"success"`
	ProductName              string      `json:"product_name,omitempty"`
	ProductType              ProductType `json:"product_type"`
	ClassificationConfidence float64     `json:"classification_confidence"`
	IngredientsText          string      `json:"ingredients_text,omitempty"`
	ExpirationDate           string      `json:"expiration_date,omitempty"`
	ManufactureDate          string      `json:"manufacture_date,omitempty"`

	*AnalysisOutcome

	ProcessingTime float64 `json:"processing_time"` // seconds
	Error          string  `json:"error,omitempty"`
}

// Outcome returns the analysis outcome, or nil when none was produced
func (r *PipelineResponse) Outcome() *AnalysisOutcome {
	if r == nil {
		return nil
	}
	return r.AnalysisOutcome
}

// RatingDescription describes a 1-10 healthiness rating in words
func RatingDescription(rating int) string {
	switch {
	case rating >= 8:
		return "Excellent - Very healthy choice"
	case rating >= 6:
		return "Good - Generally healthy"
	case rating >= 4:
		return "Fair - Consume in moderation"
	case rating >= 2:
		return "Poor - Consider alternatives"
	default:
		return "Very Poor - Avoid if possible"
	}
}
