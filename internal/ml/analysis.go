package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/franckalain/ingredientscan/internal/models"
)

const analysisSystemPrompt = `You are an AI nutrition and cosmetic safety assistant with expertise in:
- Food safety regulations (FDA, EFSA, etc.)
- Cosmetic ingredient safety (INCI, EU Cosmetics Regulation)
- Allergen identification
- Health impact assessment
- Product certifications (Halal, Vegan, Organic, etc.)

Analyze ingredient lists and provide factual, evidence-based health and safety information.
Base the analysis on scientific consensus and regulatory guidelines and keep it balanced.`

const analysisFormat = `
Respond with a single JSON object in exactly this format:
{
  "harmful_ingredients": [],
  "additives": [],
  "preservatives": [],
  "irritants": [],
  "allergens": [],
  "chemicals": [],
  "certifications": [],
  "fda_approval": "Likely | Unverified | Not Found",
  "healthiness_rating": 1-10,
  "recommendation": "1-2 sentences",
  "health_suggestion": "1-2 sentences"%s
}

Guidelines:
- Only list ingredients that are actually present
- For allergens, include both obvious and hidden sources
- Only suggest certifications that the ingredients support
- Be conservative with the healthiness rating (1 = very unhealthy, 10 = very healthy)
- Consider the product type in the analysis`

const personalizationFormat = `,
  "personalized_recommendation": "1-2 sentences for this user",
  "safety_score_for_user": 1-10,
  "warnings_for_user": [],
  "matches_preferences": true | false`

// buildAnalysisPrompt renders the user prompt for an analysis request
func buildAnalysisPrompt(req models.AnalysisRequest) string {
	var b strings.Builder

	productType := req.ProductType
	if productType == "" || productType == models.ProductUnknown {
		productType = "general"
	}
	fmt.Fprintf(&b, "Analyze the following %s product ingredients:\n\nINGREDIENTS: %s\n", productType, req.IngredientsText)

	if req.ExpirationDate != "" {
		fmt.Fprintf(&b, "EXPIRATION DATE: %s\n", req.ExpirationDate)
	}
	if req.ManufactureDate != "" {
		fmt.Fprintf(&b, "MANUFACTURE DATE: %s\n", req.ManufactureDate)
	}

	extra := ""
	if req.Preferences != nil {
		p := req.Preferences
		b.WriteString("\nUSER PROFILE:\n")
		fmt.Fprintf(&b, "- Allergies: %s\n", listOrNone(p.Allergies))
		fmt.Fprintf(&b, "- Dietary restrictions: %s\n", listOrNone(p.DietaryRestrictions))
		fmt.Fprintf(&b, "- Ingredients to avoid: %s\n", listOrNone(p.AvoidIngredients))
		fmt.Fprintf(&b, "- Health goals: %s\n", listOrNone(p.HealthGoals))
		extra = personalizationFormat
	}

	fmt.Fprintf(&b, analysisFormat, extra)
	return b.String()
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// rawOutcome mirrors the JSON the models are asked to produce
type rawOutcome struct {
	Error                      string   `json:"error"`
	HarmfulIngredients         []string `json:"harmful_ingredients"`
	Additives                  []string `json:"additives"`
	Preservatives              []string `json:"preservatives"`
	Irritants                  []string `json:"irritants"`
	Allergens                  []string `json:"allergens"`
	Chemicals                  []string `json:"chemicals"`
	Certifications             []string `json:"certifications"`
	FDAApproval                string   `json:"fda_approval"`
	HealthinessRating          *float64 `json:"healthiness_rating"`
	Recommendation             string   `json:"recommendation"`
	HealthSuggestion           string   `json:"health_suggestion"`
	PersonalizedRecommendation string   `json:"personalized_recommendation"`
	SafetyScoreForUser         *float64 `json:"safety_score_for_user"`
	WarningsForUser            []string `json:"warnings_for_user"`
	MatchesPreferences         *bool    `json:"matches_preferences"`
}

// parseOutcome turns a model reply into an AnalysisOutcome.
// Expiration validity is computed locally rather than trusted from the model.
func parseOutcome(content string, req models.AnalysisRequest, now time.Time) (*models.AnalysisOutcome, error) {
	content = stripCodeFence(content)
	if content == "" {
		return nil, errors.New("empty model response")
	}

	var raw rawOutcome
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}
	if raw.Error != "" {
		return nil, fmt.Errorf("model reported: %s", raw.Error)
	}

	rating := 5
	if raw.HealthinessRating != nil {
		rating = clampRating(*raw.HealthinessRating)
	}

	outcome := &models.AnalysisOutcome{
		HarmfulIngredients: nonNil(raw.HarmfulIngredients),
		Additives:          nonNil(raw.Additives),
		Preservatives:      nonNil(raw.Preservatives),
		Irritants:          nonNil(raw.Irritants),
		Allergens:          nonNil(raw.Allergens),
		Chemicals:          nonNil(raw.Chemicals),
		Certifications:     nonNil(raw.Certifications),
		FDAStatus:          models.ParseFDAStatus(raw.FDAApproval),
		HealthinessRating:  rating,
		ExpirationValid:    ExpirationValid(req.ExpirationDate, now),
		Recommendation:     raw.Recommendation,
		HealthSuggestion:   raw.HealthSuggestion,
	}

	if req.Preferences != nil {
		p := &models.Personalization{
			PersonalizedRecommendation: raw.PersonalizedRecommendation,
			WarningsForUser:            nonNil(raw.WarningsForUser),
			MatchesPreferences:         raw.MatchesPreferences,
		}
		if raw.SafetyScoreForUser != nil {
			score := clampRating(*raw.SafetyScoreForUser)
			p.SafetyScoreForUser = &score
		}
		outcome.Personalization = p
	}

	return outcome, nil
}

// ExpirationValid reports whether a product with the given YYYY-MM-DD
// expiration date is still usable on now's calendar day. Missing or
// unparsable dates count as valid.
func ExpirationValid(expirationDate string, now time.Time) bool {
	if expirationDate == "" {
		return true
	}
	exp, err := time.ParseInLocation(models.DateLayout, expirationDate, now.Location())
	if err != nil {
		return true
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return !exp.Before(today)
}

func clampRating(v float64) int {
	r := int(v + 0.5)
	if r < 1 {
		return 1
	}
	if r > 10 {
		return 10
	}
	return r
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

// stripCodeFence removes a surrounding markdown ```json fence, which models
// add even when asked not to
func stripCodeFence(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "```") {
		return content
	}
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimPrefix(content, "json")
	content = strings.TrimSuffix(strings.TrimSpace(content), "```")
	return strings.TrimSpace(content)
}
