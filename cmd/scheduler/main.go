package main

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tsaserv/channel-directory/internal/adapters/repo"
	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/config"
	"github.com/tsaserv/channel-directory/internal/infra/db"
	"github.com/tsaserv/channel-directory/internal/infra/queue"
	registryusecase "github.com/tsaserv/channel-directory/internal/usecase/registry"
)

func main() {
	cfg := config.Load()
	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("scheduler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	registryService := registryusecase.NewService(repoAdapter, log.With().Str("component", "registry").Logger())

	var crawlQueue domain.CrawlQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitCrawlQueue(cfg.RabbitURL, cfg.Queues.Crawl)
		if err != nil {
			log.Fatal().Err(err).Msg("scheduler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		crawlQueue = rabbitQueue
	} else {
		if cfg.RedisAddr == "" {
			log.Fatal().Msg("scheduler: не заданы ни RABBITMQ_URL, ни REDIS_ADDR")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		crawlQueue = queue.NewRedisCrawlQueue(redisClient, cfg.Queues.Crawl)
	}

	enqueueAll(registryService, crawlQueue)

	ticker := time.NewTicker(cfg.Crawl.Interval)
	defer ticker.Stop()
	for range ticker.C {
		enqueueAll(registryService, crawlQueue)
	}
}

// enqueueAll ставит в очередь задачи обхода для всех подписанных фидов
// с постами. Курсоры пагинации не дают проходам пересекаться по элементам.
func enqueueAll(registry *registryusecase.Service, crawlQueue domain.CrawlQueue) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	feeds := registry.ListFeeds(ctx, "")
	enqueued := 0
	for _, feed := range feeds {
		if !domain.IsPostsFeed(feed.Name) {
			continue
		}
		job := domain.CrawlJob{
			ID:          uuid.NewString(),
			FeedID:      feed.Name,
			Server:      feed.Server,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.CrawlCauseScheduled,
		}
		if err := crawlQueue.Enqueue(ctx, job); err != nil {
			log.Error().Err(err).Str("feed", feed.Name).Msg("scheduler: не удалось поставить задачу")
			continue
		}
		enqueued++
	}
	log.Info().Int("feeds", enqueued).Msg("scheduler: цикл обхода запланирован")
}
