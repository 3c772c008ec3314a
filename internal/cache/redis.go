// Package cache keeps the most recent observation per ticker in Redis so the latest-price
// endpoint can be served without touching PostgreSQL.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"deribit-tracker/internal/storage"
)

const keyPrefix = "deribit-tracker:latest:"

// putIfNewer only replaces the cached entry when the new observation sorts after it:
// greater timestamp, or equal timestamp with a greater id.
var putIfNewer = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'timestamp', 'id')
local ts = tonumber(ARGV[1])
local id = tonumber(ARGV[2])
if cur[1] then
  local curTs = tonumber(cur[1])
  local curID = tonumber(cur[2])
  if ts < curTs or (ts == curTs and id <= curID) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'timestamp', ARGV[1], 'id', ARGV[2], 'price', ARGV[3], 'recorded_at', ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
return 1
`)

// LatestCache stores the newest observation per ticker.
type LatestCache interface {
	Get(ctx context.Context, ticker string) (storage.Observation, bool, error)
	Put(ctx context.Context, obs storage.Observation) (bool, error)
	Delete(ctx context.Context, ticker string) error
}

// Redis implements LatestCache on a go-redis client.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// Dial parses a redis:// URL, connects and pings the server.
func Dial(ctx context.Context, rawURL string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(client, ttl), nil
}

// Close releases the client connections.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Put stores obs unless a newer observation is already cached. It reports whether it wrote.
func (r *Redis) Put(ctx context.Context, obs storage.Observation) (bool, error) {
	res, err := putIfNewer.Run(ctx, r.client, []string{key(obs.Ticker)},
		obs.Timestamp,
		obs.ID,
		obs.Price.String(),
		obs.RecordedAt.UTC().Format(time.RFC3339Nano),
		r.ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("cache put %s: %w", obs.Ticker, err)
	}
	return res == 1, nil
}

// Get returns the cached observation for ticker, if any.
func (r *Redis) Get(ctx context.Context, ticker string) (storage.Observation, bool, error) {
	fields, err := r.client.HGetAll(ctx, key(ticker)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && len(fields) == 0) {
		return storage.Observation{}, false, nil
	}
	if err != nil {
		return storage.Observation{}, false, fmt.Errorf("cache get %s: %w", ticker, err)
	}

	obs, err := decode(ticker, fields)
	if err != nil {
		return storage.Observation{}, false, fmt.Errorf("cache decode %s: %w", ticker, err)
	}
	return obs, true, nil
}

// Delete drops the cached entry so readers fall back to the store.
func (r *Redis) Delete(ctx context.Context, ticker string) error {
	if err := r.client.Del(ctx, key(ticker)).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", ticker, err)
	}
	return nil
}

func decode(ticker string, fields map[string]string) (storage.Observation, error) {
	ts, err := strconv.ParseInt(fields["timestamp"], 10, 64)
	if err != nil {
		return storage.Observation{}, fmt.Errorf("timestamp: %w", err)
	}
	id, err := strconv.ParseInt(fields["id"], 10, 64)
	if err != nil {
		return storage.Observation{}, fmt.Errorf("id: %w", err)
	}
	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return storage.Observation{}, fmt.Errorf("price: %w", err)
	}
	recordedAt, err := time.Parse(time.RFC3339Nano, fields["recorded_at"])
	if err != nil {
		return storage.Observation{}, fmt.Errorf("recorded_at: %w", err)
	}
	return storage.Observation{
		ID:         id,
		Ticker:     ticker,
		Price:      price,
		Timestamp:  ts,
		RecordedAt: recordedAt,
	}, nil
}

func key(ticker string) string {
	return keyPrefix + ticker
}

var _ LatestCache = (*Redis)(nil)
