package ml

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/franckalain/ingredientscan/internal/models"
)

const analysisKeyPrefix = "analysis:"

// CachedAnalyzer memoizes analyzer outcomes in Redis.
// Cache failures are logged and fall through to the wrapped analyzer.
type CachedAnalyzer struct {
	inner  Analyzer
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewCachedAnalyzer wraps inner with a Redis cache
func NewCachedAnalyzer(inner Analyzer, client *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedAnalyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedAnalyzer{inner: inner, client: client, ttl: ttl, logger: logger, now: time.Now}
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(ctx context.Context, cfg CacheConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Load initializes the wrapped analyzer
func (c *CachedAnalyzer) Load(ctx context.Context) error {
	return c.inner.Load(ctx)
}

// Analyze returns a cached outcome for an identical request or asks the wrapped analyzer
func (c *CachedAnalyzer) Analyze(ctx context.Context, req models.AnalysisRequest) (*models.AnalysisOutcome, error) {
	key, err := analysisKey(req)
	if err != nil {
		return nil, err
	}

	data, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var outcome models.AnalysisOutcome
		if err := json.Unmarshal(data, &outcome); err == nil {
			// The cached entry may have been written on an earlier day.
			outcome.ExpirationValid = ExpirationValid(req.ExpirationDate, c.now())
			c.logger.Debug("analysis cache hit", zap.String("key", key))
			return &outcome, nil
		}
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	case errors.Is(err, redis.Nil):
	default:
		c.logger.Warn("analysis cache lookup failed", zap.Error(err))
	}

	outcome, err := c.inner.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(outcome); err == nil {
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			c.logger.Warn("failed to cache analysis", zap.Error(err))
		}
	}
	return outcome, nil
}

func analysisKey(req models.AnalysisRequest) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	sum := sha256.Sum256(data)
	return analysisKeyPrefix + hex.EncodeToString(sum[:]), nil
}
