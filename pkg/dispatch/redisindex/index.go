// Package redisindex keeps the dispatcher's ready index in a Redis set so
// agents on other hosts can cheaply check whether work is waiting.
package redisindex

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxionlabs/fluxion/pkg/models"
)

const defaultKey = "fluxion:ready"

type Index struct {
	client *redis.Client
	key    string
}

func NewIndex(ctx context.Context, redisURL string) (*Index, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &Index{client: client, key: defaultKey}, nil
}

func member(sessionID int64, taskID string) string {
	return fmt.Sprintf("%d/%s", sessionID, taskID)
}

func (i *Index) Add(ctx context.Context, sessionID int64, taskID string) error {
	return i.client.SAdd(ctx, i.key, member(sessionID, taskID)).Err()
}

func (i *Index) Remove(ctx context.Context, sessionID int64, taskID string) error {
	return i.client.SRem(ctx, i.key, member(sessionID, taskID)).Err()
}

// Rebuild replaces the set with the given ready tasks in one transaction.
func (i *Index) Rebuild(ctx context.Context, tasks []*models.Task) error {
	members := make([]any, 0, len(tasks))
	for _, task := range tasks {
		members = append(members, member(task.SessionID, task.ID))
	}

	pipe := i.client.TxPipeline()
	pipe.Del(ctx, i.key)

	if len(members) > 0 {
		pipe.SAdd(ctx, i.key, members...)
	}

	_, err := pipe.Exec(ctx)

	return err
}

func (i *Index) Size(ctx context.Context) (int64, error) {
	return i.client.SCard(ctx, i.key).Result()
}

func (i *Index) Close() error {
	return i.client.Close()
}
