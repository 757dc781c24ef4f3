package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tsaserv/channel-directory/internal/domain"
)

// RedisCrawlQueue реализует очередь задач обхода на базе Redis lists.
// Используется в окружениях без брокера AMQP.
type RedisCrawlQueue struct {
	client *redis.Client
	key    string
}

// NewRedisCrawlQueue создаёт очередь по указанному ключу.
func NewRedisCrawlQueue(client *redis.Client, key string) *RedisCrawlQueue {
	return &RedisCrawlQueue{client: client, key: key}
}

// Enqueue публикует задачу в очередь.
func (q *RedisCrawlQueue) Enqueue(ctx context.Context, job domain.CrawlJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("push job: %w", err)
	}
	return nil
}

// Receive блокирующе читает задачу из очереди. Подтверждение с success=false
// возвращает задачу в хвост очереди.
func (q *RedisCrawlQueue) Receive(ctx context.Context) (domain.CrawlJob, domain.CrawlAckFunc, error) {
	for {
		if err := ctx.Err(); err != nil {
			return domain.CrawlJob{}, nil, err
		}

		res, err := q.client.BRPop(ctx, time.Second, q.key).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				if ctx.Err() != nil {
					return domain.CrawlJob{}, nil, ctx.Err()
				}
				continue
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			return domain.CrawlJob{}, nil, err
		}
		if len(res) != 2 {
			return domain.CrawlJob{}, nil, errors.New("redis queue: unexpected response")
		}
		payload := []byte(res[1])
		var job domain.CrawlJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.CrawlJob{}, nil, fmt.Errorf("decode job: %w", err)
		}
		ack := func(success bool) error {
			if success {
				return nil
			}
			return q.client.LPush(context.Background(), q.key, payload).Err()
		}
		return job, ack, nil
	}
}
