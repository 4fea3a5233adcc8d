// Package redis keeps the worker registry in redis, letting multiple master
// nodes share one view of worker liveness. Each worker is a single key with a
// heartbeat TTL; a worker that stops heartbeating expires on its own.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redisclient "github.com/redis/go-redis/v9"

	"github.com/orcasched/orca/registry"
)

type RedisRegistryOptions struct {
	// KeyPrefix namespaces all registry keys.
	KeyPrefix string

	// HeartbeatTTL is how long a worker stays visible without a heartbeat.
	HeartbeatTTL time.Duration
}

type RedisRegistryOption func(*RedisRegistryOptions)

func WithKeyPrefix(prefix string) RedisRegistryOption {
	return func(o *RedisRegistryOptions) {
		o.KeyPrefix = prefix
	}
}

func WithHeartbeatTTL(ttl time.Duration) RedisRegistryOption {
	return func(o *RedisRegistryOptions) {
		o.HeartbeatTTL = ttl
	}
}

type redisRegistry struct {
	rdb     redisclient.UniversalClient
	options *RedisRegistryOptions
}

var _ registry.Registry = (*redisRegistry)(nil)

func NewRedisRegistry(client redisclient.UniversalClient, opts ...RedisRegistryOption) registry.Registry {
	options := &RedisRegistryOptions{
		KeyPrefix:    "orca",
		HeartbeatTTL: time.Second * 30,
	}

	for _, opt := range opts {
		opt(options)
	}

	return &redisRegistry{
		rdb:     client,
		options: options,
	}
}

type workerRecord struct {
	Host          string    `json:"host"`
	Group         string    `json:"group"`
	Slots         int       `json:"slots"`
	Load          float64   `json:"load"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

func (r *redisRegistry) workerKey(group, host string) string {
	return fmt.Sprintf("%s:workers:%s:%s", r.options.KeyPrefix, group, host)
}

// hostKey maps a host back to its worker key so that Heartbeat and
// Unregister do not need the group.
func (r *redisRegistry) hostKey(host string) string {
	return fmt.Sprintf("%s:worker-host:%s", r.options.KeyPrefix, host)
}

func (r *redisRegistry) Register(ctx context.Context, worker registry.Worker) error {
	record := workerRecord{
		Host:          worker.Host,
		Group:         worker.Group,
		Slots:         worker.Slots,
		Load:          worker.Load,
		LastHeartbeat: time.Now().UTC(),
	}

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding worker record: %w", err)
	}

	key := r.workerKey(worker.Group, worker.Host)

	p := r.rdb.TxPipeline()
	p.Set(ctx, key, string(b), r.options.HeartbeatTTL)
	p.Set(ctx, r.hostKey(worker.Host), key, r.options.HeartbeatTTL)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("registering worker: %w", err)
	}

	return nil
}

func (r *redisRegistry) Heartbeat(ctx context.Context, host string, load float64) error {
	key, err := r.rdb.Get(ctx, r.hostKey(host)).Result()
	if err != nil {
		if err == redisclient.Nil {
			return registry.ErrWorkerNotFound
		}
		return fmt.Errorf("resolving worker key: %w", err)
	}

	raw, err := r.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redisclient.Nil {
			return registry.ErrWorkerNotFound
		}
		return fmt.Errorf("reading worker record: %w", err)
	}

	var record workerRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return fmt.Errorf("decoding worker record: %w", err)
	}

	record.Load = load
	record.LastHeartbeat = time.Now().UTC()

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding worker record: %w", err)
	}

	p := r.rdb.TxPipeline()
	p.Set(ctx, key, string(b), r.options.HeartbeatTTL)
	p.Expire(ctx, r.hostKey(host), r.options.HeartbeatTTL)
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("refreshing worker heartbeat: %w", err)
	}

	return nil
}

func (r *redisRegistry) Unregister(ctx context.Context, host string) error {
	key, err := r.rdb.Get(ctx, r.hostKey(host)).Result()
	if err != nil {
		if err == redisclient.Nil {
			return nil
		}
		return fmt.Errorf("resolving worker key: %w", err)
	}

	p := r.rdb.TxPipeline()
	p.Del(ctx, key)
	p.Del(ctx, r.hostKey(host))
	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("unregistering worker: %w", err)
	}

	return nil
}

func (r *redisRegistry) Workers(ctx context.Context, group string) ([]registry.Worker, error) {
	pattern := fmt.Sprintf("%s:workers:%s:*", r.options.KeyPrefix, group)

	var workers []registry.Worker
	var cursor uint64

	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning worker keys: %w", err)
		}

		for _, key := range keys {
			raw, err := r.rdb.Get(ctx, key).Result()
			if err != nil {
				if err == redisclient.Nil {
					// Expired between scan and read.
					continue
				}
				return nil, fmt.Errorf("reading worker record: %w", err)
			}

			var record workerRecord
			if err := json.Unmarshal([]byte(raw), &record); err != nil {
				return nil, fmt.Errorf("decoding worker record: %w", err)
			}

			workers = append(workers, registry.Worker{
				Host:          record.Host,
				Group:         record.Group,
				Slots:         record.Slots,
				Load:          record.Load,
				LastHeartbeat: record.LastHeartbeat,
			})
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return workers, nil
}
