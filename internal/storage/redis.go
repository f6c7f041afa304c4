package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	// Key patterns, relative to the configured prefix
	keySolutions     = "%s:solutions"
	keySolutionIndex = "%s:solutions:index"
	keySamples       = "%s:samples"
	keyDatasets      = "%s:datasets"
)

// RedisClient stores miner data in Redis
type RedisClient struct {
	client       *redis.Client
	ctx          context.Context
	prefix       string
	maxSolutions int64
}

// NewRedisClient creates a new Redis client
func NewRedisClient(url, password string, db int, prefix string, maxSolutions int64) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	if prefix == "" {
		prefix = "apow"
	}

	util.Info("Connected to Redis at ", url)
	return &RedisClient{client: client, ctx: ctx, prefix: prefix, maxSolutions: maxSolutions}, nil
}

func (r *RedisClient) key(pattern string) string {
	return fmt.Sprintf(pattern, r.prefix)
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}

// WriteSolution journals a solution, trimming the oldest past the limit
func (r *RedisClient) WriteSolution(s *Solution) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	id := s.ID()

	pipe := r.client.TxPipeline()
	pipe.HSet(r.ctx, r.key(keySolutions), id, data)
	pipe.ZAdd(r.ctx, r.key(keySolutionIndex), &redis.Z{
		Score:  float64(s.Timestamp),
		Member: id,
	})
	if _, err := pipe.Exec(r.ctx); err != nil {
		return err
	}

	if r.maxSolutions <= 0 {
		return nil
	}
	stale, err := r.client.ZRange(r.ctx, r.key(keySolutionIndex), 0, -r.maxSolutions-1).Result()
	if err != nil || len(stale) == 0 {
		return err
	}

	members := make([]interface{}, len(stale))
	for i, id := range stale {
		members[i] = id
	}
	pipe = r.client.TxPipeline()
	pipe.HDel(r.ctx, r.key(keySolutions), stale...)
	pipe.ZRem(r.ctx, r.key(keySolutionIndex), members...)
	_, err = pipe.Exec(r.ctx)
	return err
}

// SetSolutionStatus records the job source's verdict on a solution
func (r *RedisClient) SetSolutionStatus(id string, status SolutionStatus) error {
	data, err := r.client.HGet(r.ctx, r.key(keySolutions), id).Bytes()
	if err == redis.Nil {
		return fmt.Errorf("solution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}

	var s Solution
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s.Status = status

	data, err = json.Marshal(&s)
	if err != nil {
		return err
	}
	return r.client.HSet(r.ctx, r.key(keySolutions), id, data).Err()
}

// RecentSolutions returns the newest solutions first
func (r *RedisClient) RecentSolutions(limit int64) ([]*Solution, error) {
	ids, err := r.client.ZRevRange(r.ctx, r.key(keySolutionIndex), 0, limit-1).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	values, err := r.client.HMGet(r.ctx, r.key(keySolutions), ids...).Result()
	if err != nil {
		return nil, err
	}

	solutions := make([]*Solution, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var s Solution
		if err := json.Unmarshal([]byte(str), &s); err == nil {
			solutions = append(solutions, &s)
		}
	}
	return solutions, nil
}

// WriteSample adds a stats sample scored by its timestamp
func (r *RedisClient) WriteSample(s *StatsSample) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return r.client.ZAdd(r.ctx, r.key(keySamples), &redis.Z{
		Score:  float64(s.Timestamp),
		Member: string(data),
	}).Err()
}

// Samples returns samples at or after since, oldest first
func (r *RedisClient) Samples(since time.Time) ([]*StatsSample, error) {
	results, err := r.client.ZRangeByScore(r.ctx, r.key(keySamples), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	samples := make([]*StatsSample, 0, len(results))
	for _, result := range results {
		var s StatsSample
		if err := json.Unmarshal([]byte(result), &s); err == nil {
			samples = append(samples, &s)
		}
	}
	return samples, nil
}

// PurgeSamples removes samples older than before
func (r *RedisClient) PurgeSamples(before time.Time) error {
	max := "(" + strconv.FormatInt(before.Unix(), 10)
	return r.client.ZRemRangeByScore(r.ctx, r.key(keySamples), "-inf", max).Err()
}

// WriteDataset stores the record for an epoch, replacing any earlier one
func (r *RedisClient) WriteDataset(d *DatasetRecord) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return r.client.HSet(r.ctx, r.key(keyDatasets), strconv.FormatUint(uint64(d.Epoch), 10), data).Err()
}

// Dataset returns the record for an epoch
func (r *RedisClient) Dataset(epoch uint32) (*DatasetRecord, error) {
	data, err := r.client.HGet(r.ctx, r.key(keyDatasets), strconv.FormatUint(uint64(epoch), 10)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("dataset for epoch %d: %w", epoch, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	var d DatasetRecord
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
