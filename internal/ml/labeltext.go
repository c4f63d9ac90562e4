package ml

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/franckalain/ingredientscan/internal/models"
)

const extractionPrompt = `Analyze this product label image and extract the printed information.

Instructions:
1. Locate the ingredients section and copy ALL ingredients exactly as written
2. If several languages are printed, use the English version
3. Read the product name if it is visible
4. Read expiration (exp, best before, use by) and manufacture dates if visible, formatted YYYY-MM-DD
5. Copy all other readable text into full_text

Respond with a single JSON object in exactly this format, using empty strings for anything not visible:
{
  "product_name": "string",
  "ingredients_text": "string",
  "expiration_date": "YYYY-MM-DD",
  "manufacture_date": "YYYY-MM-DD",
  "full_text": "string"
}
If the image is not a product label, respond with {"error": "reason"}.`

var (
	ingredientPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)ingredients?\s*:?\s*([^.]+(?:\.[^.]*(?:oil|acid|extract|powder|flavor|color)[^.]*)*)`),
		regexp.MustCompile(`(?is)contains?\s*:?\s*([^.]+)`),
		regexp.MustCompile(`(?is)composition\s*:?\s*([^.]+)`),
	}

	datePart = `([0-9]{1,2}[-/.][0-9]{1,2}[-/.][0-9]{2,4}|[0-9]{4}-[0-9]{2}-[0-9]{2})`

	expirationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)exp(?:iry|iration)?(?:\s+date)?[:.\s]+` + datePart),
		regexp.MustCompile(`(?i)best\s+before(?:\s+end)?[:\s]+` + datePart),
		regexp.MustCompile(`(?i)use\s+by[:\s]+` + datePart),
		regexp.MustCompile(`(?i)\bbb[:\s]+` + datePart),
	}

	manufacturePatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)mfg(?:\s+date)?[:.\s]+` + datePart),
		regexp.MustCompile(`(?i)manuf(?:actured)?(?:\s+on)?[:.\s]+` + datePart),
		regexp.MustCompile(`(?i)mfd[:.\s]+` + datePart),
	}

	whitespace = regexp.MustCompile(`\s+`)
)

// Month-first layouts are tried before day-first ones.
var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006", "1-2-2006", "1.2.2006",
	"2/1/2006", "2-1-2006", "2.1.2006",
	"1/2/06", "1-2-06", "1.2.06",
	"2/1/06", "2-1-06", "2.1.06",
}

// ParseLabelText pulls ingredients, dates and a product name out of raw OCR text
func ParseLabelText(fullText string) *models.Extraction {
	lines := strings.Split(fullText, "\n")
	flat := strings.TrimSpace(whitespace.ReplaceAllString(fullText, " "))

	return &models.Extraction{
		ProductName:     ExtractProductName(lines),
		IngredientsText: ExtractIngredients(flat),
		ExpirationDate:  findDate(flat, expirationPatterns),
		ManufactureDate: findDate(flat, manufacturePatterns),
		FullText:        flat,
	}
}

// ExtractIngredients finds the ingredient list in label text
func ExtractIngredients(text string) string {
	for _, pattern := range ingredientPatterns {
		if m := pattern.FindStringSubmatch(text); m != nil {
			ingredients := strings.TrimSpace(whitespace.ReplaceAllString(m[1], " "))
			if ingredients != "" {
				return strings.ToLower(ingredients)
			}
		}
	}

	// No marker: a sentence with several commas and a common ingredient is the best guess.
	lower := strings.ToLower(text)
	for _, term := range []string{"sugar", "water", "oil", "salt", "flour", "milk"} {
		if !strings.Contains(lower, term) {
			continue
		}
		for _, sentence := range strings.Split(text, ".") {
			if strings.Count(sentence, ",") >= 2 {
				return strings.TrimSpace(sentence)
			}
		}
		break
	}
	return ""
}

// ExtractProductName picks the first prominent line that is not part of the
// ingredient or date block
func ExtractProductName(lines []string) string {
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if len(line) <= 3 {
			continue
		}
		lower := strings.ToLower(line)
		if strings.HasPrefix(lower, "ingredient") || strings.HasPrefix(lower, "contains") ||
			strings.HasPrefix(lower, "exp") || strings.HasPrefix(lower, "best before") ||
			strings.Count(line, ",") >= 2 {
			continue
		}
		return line
	}
	return ""
}

func findDate(text string, patterns []*regexp.Regexp) string {
	for _, pattern := range patterns {
		m := pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if d, ok := NormalizeDate(m[1]); ok {
			return d
		}
	}
	return ""
}

// NormalizeDate converts a printed date into YYYY-MM-DD
func NormalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(models.DateLayout), true
		}
	}
	return "", false
}

// visionExtraction mirrors the JSON the vision models are asked to produce
type visionExtraction struct {
	Error           string `json:"error"`
	ProductName     string `json:"product_name"`
	IngredientsText string `json:"ingredients_text"`
	ExpirationDate  string `json:"expiration_date"`
	ManufactureDate string `json:"manufacture_date"`
	FullText        string `json:"full_text"`
}

// parseExtraction turns a vision model reply into an Extraction
func parseExtraction(content string) (*models.Extraction, error) {
	content = stripCodeFence(content)

	var raw visionExtraction
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w while parsing %s", err, content)
	}
	if raw.Error != "" {
		return nil, fmt.Errorf("model reported: %s", raw.Error)
	}

	ingredients := strings.TrimSpace(raw.IngredientsText)
	if strings.EqualFold(ingredients, "NO_INGREDIENTS_FOUND") {
		ingredients = ""
	}

	ext := &models.Extraction{
		ProductName:     strings.TrimSpace(raw.ProductName),
		IngredientsText: ingredients,
		FullText:        strings.TrimSpace(raw.FullText),
	}
	if d, ok := NormalizeDate(raw.ExpirationDate); ok {
		ext.ExpirationDate = d
	}
	if d, ok := NormalizeDate(raw.ManufactureDate); ok {
		ext.ManufactureDate = d
	}
	if ext.FullText == "" {
		ext.FullText = strings.TrimSpace(ext.ProductName + " " + ext.IngredientsText)
	} else if ingredients != "" && !strings.Contains(ext.FullText, ingredients) {
		ext.FullText += " " + ingredients
	}
	return ext, nil
}
