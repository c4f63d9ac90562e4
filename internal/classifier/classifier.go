// Package classifier guesses a product's category from label text.
// It makes no external calls: the result depends only on the text and the
// keyword configuration the Classifier was built with.
package classifier

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"unicode"

	ahocorasick "github.com/cloudflare/ahocorasick"
	"github.com/franckalain/ingredientscan/internal/models"
)

type term struct {
	category models.ProductType
	weight   int
}

// Classifier scores text against weighted keyword sets
type Classifier struct {
	cfg Config

	// Match on the cloudflare matcher mutates internal counters.
	mu sync.Mutex

	keywords     *ahocorasick.Matcher
	keywordTerms []term

	indicators     *ahocorasick.Matcher
	indicatorTerms []models.ProductType
}

// New builds a Classifier from cfg
func New(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid classifier config: %w", err)
	}
	cfg = cfg.clone()

	c := &Classifier{cfg: cfg}

	var dict []string
	for _, category := range Priority {
		for _, kw := range cfg.Keywords[category] {
			// Padding both sides with a space turns substring hits into word-boundary hits.
			dict = append(dict, " "+normalizeText(kw.Term)+" ")
			c.keywordTerms = append(c.keywordTerms, term{category: category, weight: kw.Weight})
		}
	}
	c.keywords = ahocorasick.NewStringMatcher(dict)

	var indicators []string
	for _, category := range Priority {
		for _, ind := range cfg.Indicators[category] {
			ind = strings.ToLower(strings.TrimSpace(ind))
			if ind == "" {
				continue
			}
			indicators = append(indicators, ind)
			c.indicatorTerms = append(c.indicatorTerms, category)
		}
	}
	if len(indicators) > 0 {
		c.indicators = ahocorasick.NewStringMatcher(indicators)
	}

	return c, nil
}

// Default builds a Classifier with DefaultConfig
func Default() *Classifier {
	c, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c
}

// Classify combines keyword scoring of the full text with the ingredient heuristic.
// productName is accepted but not used for scoring yet.
func (c *Classifier) Classify(fullText, ingredientsText, productName string) models.ClassificationResult {
	result := c.ByKeywords(fullText)
	if result.Category == models.ProductUnknown {
		// No keyword evidence at all: the ingredient heuristic only adjusts a guess, never creates one.
		return result
	}

	suggested, ok := c.ByIngredients(ingredientsText)
	if ok {
		switch {
		case suggested == result.Category:
			result.Confidence = math.Min(1.0, result.Confidence+c.cfg.AgreementBoost)
		case result.Confidence < c.cfg.OverrideBelow:
			result.Category = suggested
			result.Confidence = c.cfg.OverrideConfidence
		}
	}

	result.Confidence = round2(clamp01(result.Confidence))
	return result
}

// ByKeywords scores text against the three keyword sets. Each keyword counts
// once no matter how often it occurs.
func (c *Classifier) ByKeywords(text string) models.ClassificationResult {
	scores := map[models.ProductType]int{
		models.ProductFood:   0,
		models.ProductDrink:  0,
		models.ProductBeauty: 0,
	}

	normalized := normalizeText(text)
	if normalized != "" {
		for _, idx := range c.match(c.keywords, " "+normalized+" ") {
			t := c.keywordTerms[idx]
			scores[t.category] += t.weight
		}
	}

	total := 0
	best := models.ProductUnknown
	bestScore := 0
	for _, category := range Priority {
		s := scores[category]
		total += s
		if s > bestScore {
			best, bestScore = category, s
		}
	}

	if total == 0 {
		return models.ClassificationResult{Category: models.ProductUnknown, Confidence: 0, Scores: scores}
	}

	return models.ClassificationResult{
		Category:   best,
		Confidence: round2(float64(bestScore) / float64(total)),
		Scores:     scores,
	}
}

// ByIngredients suggests a category from ingredient indicators alone.
// The second return value is false when no category reaches the threshold.
func (c *Classifier) ByIngredients(ingredientsText string) (models.ProductType, bool) {
	if c.indicators == nil || strings.TrimSpace(ingredientsText) == "" {
		return models.ProductUnknown, false
	}

	counts := make(map[models.ProductType]int)
	for _, idx := range c.match(c.indicators, strings.ToLower(ingredientsText)) {
		counts[c.indicatorTerms[idx]]++
	}

	for _, category := range indicatorOrder {
		if counts[category] >= c.cfg.IndicatorThreshold {
			return category, true
		}
	}
	return models.ProductUnknown, false
}

// match returns the distinct dictionary indexes found in text
func (c *Classifier) match(m *ahocorasick.Matcher, text string) []int {
	c.mu.Lock()
	hits := m.Match([]byte(text))
	c.mu.Unlock()

	seen := make(map[int]bool, len(hits))
	out := hits[:0]
	for _, h := range hits {
		if seen[h] {
			continue
		}
		seen[h] = true
		out = append(out, h)
	}
	return out
}

// normalizeText lowercases text and collapses every run of non-alphanumeric
// characters to a single space
func normalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := true
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
