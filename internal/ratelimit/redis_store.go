package ratelimit

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rxtech-lab/launchpad-deployer/internal/models"
)

const (
	DefaultKeyPrefix = "launchpad:usage:"
	// DefaultRetention keeps an hour beyond the daily window.
	DefaultRetention = DayWindow + time.Hour
)

// RedisUsageStore keeps usage records in Redis so that several processes
// share the same hourly and daily windows. Per (user, project) it keeps a
// sorted set of record ids scored by start time in milliseconds, a hash of
// the encoded records, and a hash from token id to its open record.
type RedisUsageStore struct {
	redis     redis.Cmdable
	prefix    string
	retention time.Duration
}

type RedisUsageStoreConfig struct {
	Redis     redis.Cmdable
	KeyPrefix string
	Retention time.Duration
}

func NewRedisUsageStore(cfg *RedisUsageStoreConfig) (*RedisUsageStore, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if cfg.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	s := &RedisUsageStore{
		redis:     cfg.Redis,
		prefix:    cfg.KeyPrefix,
		retention: cfg.Retention,
	}
	if s.prefix == "" {
		s.prefix = DefaultKeyPrefix
	}
	if s.retention <= 0 {
		s.retention = DefaultRetention
	}
	return s, nil
}

func (s *RedisUsageStore) windowKey(userID, projectID string) string {
	return s.prefix + userID + ":" + projectID
}

func (s *RedisUsageStore) CreateUsage(ctx context.Context, usage *models.RateLimitUsage) error {
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.Outcome == "" {
		usage.Outcome = models.UsageOutcomeStarted
	}
	if usage.StartedAt.IsZero() {
		usage.StartedAt = time.Now()
	}
	raw, err := json.Marshal(usage)
	if err != nil {
		return errors.WithStack(err)
	}

	key := s.windowKey(usage.UserID, usage.ProjectID)
	if err := s.trim(ctx, key, usage.StartedAt.Add(-s.retention)); err != nil {
		return err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, key, redis.Z{Score: float64(usage.StartedAt.UnixMilli()), Member: usage.ID})
		pipe.HSet(ctx, key+":records", usage.ID, raw)
		if usage.CompletedAt == nil {
			pipe.HSet(ctx, key+":open", usage.TokenID, usage.ID)
		}
		for _, k := range []string{key, key + ":records", key + ":open"} {
			pipe.Expire(ctx, k, s.retention)
		}
		return nil
	})
	return errors.Wrap(err, "failed to store usage")
}

func (s *RedisUsageStore) trim(ctx context.Context, key string, cutoff time.Time) error {
	expired, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read expired usage")
	}
	if len(expired) == 0 {
		return nil
	}
	members := make([]any, len(expired))
	for i, id := range expired {
		members[i] = id
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, key, members...)
		pipe.HDel(ctx, key+":records", expired...)
		return nil
	})
	return errors.Wrap(err, "failed to trim usage")
}

// CompleteUsage is a no-op when tokenID has no open record.
func (s *RedisUsageStore) CompleteUsage(ctx context.Context, userID, projectID, tokenID string, outcome models.UsageOutcome, at time.Time) error {
	key := s.windowKey(userID, projectID)
	id, err := s.redis.HGet(ctx, key+":open", tokenID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to read open usage")
	}

	raw, err := s.redis.HGet(ctx, key+":records", id).Bytes()
	if errors.Is(err, redis.Nil) {
		return errors.WithStack(s.redis.HDel(ctx, key+":open", tokenID).Err())
	}
	if err != nil {
		return errors.Wrap(err, "failed to read usage record")
	}

	var usage models.RateLimitUsage
	if err := json.Unmarshal(raw, &usage); err != nil {
		return errors.Wrap(err, "corrupt usage record")
	}
	usage.CompletedAt = &at
	usage.Outcome = outcome
	updated, err := json.Marshal(usage)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key+":records", id, updated)
		pipe.HDel(ctx, key+":open", tokenID)
		return nil
	})
	return errors.Wrap(err, "failed to complete usage")
}

func (s *RedisUsageStore) ListUsageSince(ctx context.Context, userID, projectID string, since time.Time) ([]models.RateLimitUsage, error) {
	key := s.windowKey(userID, projectID)
	ids, err := s.redis.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list usage")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.redis.HMGet(ctx, key+":records", ids...).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load usage records")
	}
	usages := make([]models.RateLimitUsage, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var usage models.RateLimitUsage
		if err := json.Unmarshal([]byte(raw), &usage); err != nil {
			return nil, errors.Wrap(err, "corrupt usage record")
		}
		// scores are truncated to milliseconds
		if usage.StartedAt.Before(since) {
			continue
		}
		usages = append(usages, usage)
	}
	return usages, nil
}

// ListOpenUsage scans every window for records that were never completed,
// oldest first.
func (s *RedisUsageStore) ListOpenUsage(ctx context.Context) ([]models.RateLimitUsage, error) {
	var open []models.RateLimitUsage
	iter := s.redis.Scan(ctx, 0, s.prefix+"*:open", 100).Iterator()
	for iter.Next(ctx) {
		openKey := iter.Val()
		ids, err := s.redis.HVals(ctx, openKey).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to read open usage")
		}
		if len(ids) == 0 {
			continue
		}
		values, err := s.redis.HMGet(ctx, strings.TrimSuffix(openKey, ":open")+":records", ids...).Result()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load usage records")
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var usage models.RateLimitUsage
			if err := json.Unmarshal([]byte(raw), &usage); err != nil {
				return nil, errors.Wrap(err, "corrupt usage record")
			}
			open = append(open, usage)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to scan usage windows")
	}
	sort.Slice(open, func(i, j int) bool { return open[i].StartedAt.Before(open[j].StartedAt) })
	return open, nil
}
