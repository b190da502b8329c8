package redis

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Client backs the scheduler's per-task lock. A second scheduler instance (or
// an operator firing a task by hand while the cron trigger is in flight)
// loses the SetNX race and the trigger is recorded as skipped.
type Client struct {
	Context     context.Context
	RedisClient *redis.Client
}

func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opts)
	return &Client{
		Context:     ctx,
		RedisClient: redisClient,
	}, nil
}

func (c *Client) Lock(lockKey string, lockTimeDuration time.Duration) (result bool, err error) {
	result, err = c.RedisClient.SetNX(c.Context, lockKey, 1, lockTimeDuration).Result()
	if err != nil {
		return false, err
	}

	return result, nil
}

func (c *Client) Unlock(lockKey string) (err error) {
	err = c.RedisClient.Del(c.Context, lockKey).Err()
	return err
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}
