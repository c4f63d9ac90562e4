package classifier

import (
	"errors"
	"fmt"

	"github.com/franckalain/ingredientscan/internal/models"
)

// Keyword is a term and the score it adds to its category when present
type Keyword struct {
	Term   string `json:"term"`
	Weight int    `json:"weight"`
}

// Config is the keyword and fusion configuration of a Classifier.
// It is copied at construction; later changes to the caller's value have no effect.
type Config struct {
	// Keywords are matched on word boundaries against the full label text.
	// The three sets must not share terms.
	Keywords map[models.ProductType][]Keyword `json:"keywords"`

	// Indicators are matched as substrings against the ingredient text only.
	Indicators map[models.ProductType][]string `json:"indicators"`

	// IndicatorThreshold is the number of distinct indicators needed to suggest a category.
	IndicatorThreshold int `json:"indicator_threshold"`

	// AgreementBoost is added to the keyword confidence when both signals agree.
	AgreementBoost float64 `json:"agreement_boost"`

	// OverrideBelow is the keyword confidence under which a disagreeing
	// ingredient signal wins.
	OverrideBelow float64 `json:"override_below"`

	// OverrideConfidence is the confidence reported after an override.
	OverrideConfidence float64 `json:"override_confidence"`
}

// Priority is the order used to break ties between equal keyword scores
var Priority = []models.ProductType{models.ProductFood, models.ProductDrink, models.ProductBeauty}

// indicatorOrder is the order in which ingredient indicators are consulted
var indicatorOrder = []models.ProductType{models.ProductBeauty, models.ProductDrink, models.ProductFood}

func weighted(terms ...string) []Keyword {
	out := make([]Keyword, len(terms))
	for i, t := range terms {
		out[i] = Keyword{Term: t, Weight: 1}
	}
	return out
}

// DefaultConfig returns the built-in English keyword tables
func DefaultConfig() Config {
	return Config{
		Keywords: map[models.ProductType][]Keyword{
			models.ProductFood: weighted(
				"flour", "sugar", "salt", "bread", "cookie", "biscuit", "cake",
				"pasta", "rice", "cereal", "cheese", "meat", "chicken", "beef",
				"pork", "fish", "sauce", "snack", "chips", "chocolate", "candy",
				"protein", "calories", "serving size", "nutrition facts",
				"allergen", "wheat", "soy", "milk", "nuts", "eggs",
			),
			models.ProductDrink: weighted(
				"juice", "soda", "water", "beverage", "drink", "cola", "tea",
				"coffee", "energy drink", "sports drink", "smoothie",
				"carbonated", "ml", "liter", "litre", "fl oz", "ounce",
				"concentrate", "caffeine", "vitamin water",
			),
			models.ProductBeauty: weighted(
				"lotion", "cream", "serum", "shampoo", "conditioner", "soap",
				"cleanser", "moisturizer", "sunscreen", "spf", "makeup",
				"foundation", "lipstick", "mascara", "perfume", "fragrance",
				"deodorant", "antiperspirant", "body wash", "face wash",
				"toner", "essence", "mask", "scrub", "exfoliant", "oil-free",
				"hypoallergenic", "dermatologist", "cosmetic", "beauty",
				"skin care", "hair care", "paraben", "sulfate",
			),
		},
		Indicators: map[models.ProductType][]string{
			models.ProductBeauty: {
				"paraben", "sulfate", "glycerin", "dimethicone", "tocopherol",
				"retinol", "hyaluronic", "salicylic", "benzoyl", "cetyl",
				"stearyl", "phenoxyethanol",
			},
			models.ProductFood: {
				"sugar", "salt", "flour", "starch", "glucose", "fructose",
				"dextrose", "lactose", "maltose",
			},
			models.ProductDrink: {
				"carbonated water", "concentrate", "citric acid", "ascorbic acid",
				"natural flavor", "artificial flavor",
			},
		},
		IndicatorThreshold: 2,
		AgreementBoost:     0.2,
		OverrideBelow:      0.5,
		OverrideConfidence: 0.7,
	}
}

// Validate checks that the keyword sets are usable and disjoint
func (c Config) Validate() error {
	if len(c.Keywords) == 0 {
		return errors.New("no keywords configured")
	}
	owner := make(map[string]models.ProductType)
	for category, keywords := range c.Keywords {
		if !isScored(category) {
			return fmt.Errorf("unsupported keyword category %q", category)
		}
		for _, kw := range keywords {
			term := normalizeText(kw.Term)
			if term == "" {
				return fmt.Errorf("empty keyword in %s", category)
			}
			if kw.Weight <= 0 {
				return fmt.Errorf("keyword %q in %s: weight must be positive", kw.Term, category)
			}
			if prev, ok := owner[term]; ok && prev != category {
				return fmt.Errorf("keyword %q appears in both %s and %s", kw.Term, prev, category)
			}
			owner[term] = category
		}
	}
	for category := range c.Indicators {
		if !isScored(category) {
			return fmt.Errorf("unsupported indicator category %q", category)
		}
	}
	if c.IndicatorThreshold < 1 {
		return errors.New("indicator threshold must be at least 1")
	}
	if c.OverrideConfidence < 0 || c.OverrideConfidence > 1 {
		return errors.New("override confidence must be within [0, 1]")
	}
	return nil
}

func isScored(category models.ProductType) bool {
	for _, p := range Priority {
		if p == category {
			return true
		}
	}
	return false
}

func (c Config) clone() Config {
	out := c
	out.Keywords = make(map[models.ProductType][]Keyword, len(c.Keywords))
	for k, v := range c.Keywords {
		out.Keywords[k] = append([]Keyword(nil), v...)
	}
	out.Indicators = make(map[models.ProductType][]string, len(c.Indicators))
	for k, v := range c.Indicators {
		out.Indicators[k] = append([]string(nil), v...)
	}
	return out
}
