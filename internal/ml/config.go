package ml

import (
	"os"
	"strconv"
	"time"
)

// Config selects and configures the gateways
type Config struct {
	Extractor string       `mapstructure:"extractor"` // "google", "openai" or "local"
	Analyzer  string       `mapstructure:"analyzer"`  // "openai" or "google"
	Google    GoogleConfig `mapstructure:"google"`
	OpenAI    OpenAIConfig `mapstructure:"openai"`
	Local     LocalConfig  `mapstructure:"local"`
	Cache     CacheConfig  `mapstructure:"cache"`
}

// GoogleConfig holds configuration for the Vertex AI gateways
type GoogleConfig struct {
	ProjectID       string  `mapstructure:"project_id"`
	Location        string  `mapstructure:"location"`
	CredentialsFile string  `mapstructure:"credentials_file"`
	VisionModel     string  `mapstructure:"vision_model"`
	TextModel       string  `mapstructure:"text_model"`
	Temperature     float32 `mapstructure:"temperature"`
}

// OpenAIConfig holds configuration for the OpenAI gateways
type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	VisionModel string  `mapstructure:"vision_model"`
	Temperature float32 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// LocalConfig holds configuration for the local OCR engine
type LocalConfig struct {
	// Command is the OCR executable; it is run as `Command <Args...> <image> stdout`.
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Lang    string   `mapstructure:"lang"`
}

// CacheConfig enables the Redis analysis cache when Addr is set
type CacheConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// ApplyEnv fills unset values from environment variables and defaults
func (c *Config) ApplyEnv() {
	if c.Google.ProjectID == "" {
		c.Google.ProjectID = os.Getenv("GOOGLE_PROJECT_ID")
	}
	if c.Google.Location == "" {
		c.Google.Location = os.Getenv("GOOGLE_LOCATION")
	}
	if c.Google.CredentialsFile == "" {
		c.Google.CredentialsFile = os.Getenv("GOOGLE_CREDENTIALS_FILE")
	}
	if c.Google.VisionModel == "" {
		c.Google.VisionModel = "gemini-1.5-flash"
	}
	if c.Google.TextModel == "" {
		c.Google.TextModel = c.Google.VisionModel
	}
	if c.Google.Temperature == 0 {
		c.Google.Temperature = 0.3
	}

	if c.OpenAI.APIKey == "" {
		c.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = os.Getenv("OPENAI_MODEL")
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.VisionModel == "" {
		c.OpenAI.VisionModel = c.OpenAI.Model
	}
	if c.OpenAI.MaxTokens == 0 {
		c.OpenAI.MaxTokens = 2000
	}
	if c.OpenAI.Temperature == 0 {
		c.OpenAI.Temperature = 0.3
	}

	if c.Local.Command == "" {
		c.Local.Command = os.Getenv("LOCAL_OCR_COMMAND")
	}
	if c.Local.Command == "" {
		c.Local.Command = "tesseract"
	}
	if c.Local.Lang == "" {
		c.Local.Lang = "eng"
	}

	if c.Cache.Addr == "" {
		c.Cache.Addr = os.Getenv("REDIS_ADDR")
	}
	if c.Cache.DB == 0 {
		if db, err := strconv.Atoi(os.Getenv("REDIS_DB")); err == nil {
			c.Cache.DB = db
		}
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
}
