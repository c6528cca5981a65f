package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/eddielth/heatpump-core/models"
)

// LatestKeyPrefix prefixes the per-device latest snapshot hash
const LatestKeyPrefix = "heatpump:latest:"

// setLatestScript writes the snapshot only when its timestamp is not older than the stored one.
// KEYS[1] hash key, ARGV[1] ts in microseconds, ARGV[2] snapshot JSON, ARGV[3] ttl in milliseconds.
var setLatestScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'ts')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'snapshot', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[3])
end
return 1
`)

// RedisMirror keeps the latest snapshot per device in Redis for dashboards
type RedisMirror struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisMirror connects to Redis and checks the connection
func NewRedisMirror(addr, password string, db int, ttl time.Duration) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newRedisMirror(client, ttl), nil
}

func newRedisMirror(client redis.UniversalClient, ttl time.Duration) *RedisMirror {
	return &RedisMirror{client: client, ttl: ttl}
}

func latestKey(deviceID int64) string {
	return LatestKeyPrefix + strconv.FormatInt(deviceID, 10)
}

// Mirror implements Mirror. Snapshots the primary store rejected as stale are skipped.
func (r *RedisMirror) Mirror(ctx context.Context, snap models.DeviceSnapshot, res models.AppendResult) error {
	if !res.LatestApplied {
		return nil
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	err = setLatestScript.Run(ctx, r.client, []string{latestKey(snap.DeviceID)},
		snap.Timestamp.UnixMicro(), data, r.ttl.Milliseconds()).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to cache latest snapshot: %w", err)
	}
	return nil
}

// Close implements Mirror
func (r *RedisMirror) Close() error {
	return r.client.Close()
}
