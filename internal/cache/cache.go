package cache

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/celltrack/reportd/pkg/models"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetReportStatus(ctx context.Context, reportID uuid.UUID, state ReportState, ttl time.Duration) error
	GetReportStatus(ctx context.Context, reportID uuid.UUID) (ReportState, bool, error)
	DeleteReportStatus(ctx context.Context, reportID uuid.UUID) error
	// Claim sets key only if it does not exist. It reports whether this caller won.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// ReportState is the mirrored lifecycle state of one report. The kind travels
// with the status so a lookup under the wrong kind can be told apart.
type ReportState struct {
	Kind   models.ReportKind
	Status models.ReportStatus
}

func (s ReportState) encode() string {
	return string(s.Kind) + ":" + string(s.Status)
}

func decodeReportState(val string) (ReportState, bool) {
	k, status, ok := strings.Cut(val, ":")
	if !ok {
		return ReportState{}, false
	}
	kind, ok := models.ParseReportKind(k)
	st := ReportState{Kind: kind, Status: models.ReportStatus(status)}
	if !ok || !st.Status.Valid() {
		return ReportState{}, false
	}
	return st, true
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Close releases the underlying connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetReportStatus(ctx context.Context, reportID uuid.UUID, state ReportState, ttl time.Duration) error {
	return c.client.Set(ctx, ReportStatusKey(reportID), state.encode(), ttl).Err()
}

// GetReportStatus treats unreadable entries as missing.
func (c *RedisCache) GetReportStatus(ctx context.Context, reportID uuid.UUID) (ReportState, bool, error) {
	val, err := c.client.Get(ctx, ReportStatusKey(reportID)).Result()
	if err == redis.Nil {
		return ReportState{}, false, nil
	}
	if err != nil {
		return ReportState{}, false, err
	}
	st, ok := decodeReportState(val)
	return st, ok, nil
}

func (c *RedisCache) DeleteReportStatus(ctx context.Context, reportID uuid.UUID) error {
	return c.client.Del(ctx, ReportStatusKey(reportID)).Err()
}

func (c *RedisCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}

func (c *RedisCache) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
