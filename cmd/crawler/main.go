package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tsaserv/channel-directory/internal/adapters/directory"
	"github.com/tsaserv/channel-directory/internal/adapters/feedsource"
	"github.com/tsaserv/channel-directory/internal/adapters/repo"
	"github.com/tsaserv/channel-directory/internal/adapters/solr"
	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/cache"
	"github.com/tsaserv/channel-directory/internal/infra/config"
	"github.com/tsaserv/channel-directory/internal/infra/db"
	applog "github.com/tsaserv/channel-directory/internal/infra/log"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
	"github.com/tsaserv/channel-directory/internal/infra/queue"
	activityusecase "github.com/tsaserv/channel-directory/internal/usecase/activity"
	crawlusecase "github.com/tsaserv/channel-directory/internal/usecase/crawl"
	registryusecase "github.com/tsaserv/channel-directory/internal/usecase/registry"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), cfg.MetricsAddr)

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("crawler: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)

	if cfg.RedisAddr == "" {
		logger.Fatal().Msg("crawler: не указан адрес Redis (REDIS_ADDR)")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	redisCache := cache.NewRedis(redisClient)

	var crawlQueue domain.CrawlQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitCrawlQueue(cfg.RabbitURL, cfg.Queues.Crawl)
		if err != nil {
			logger.Fatal().Err(err).Msg("crawler: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		crawlQueue = rabbitQueue
	} else {
		logger.Warn().Msg("crawler: RABBITMQ_URL не задан, используем очередь в Redis")
		crawlQueue = queue.NewRedisCrawlQueue(redisClient, cfg.Queues.Crawl)
	}

	solrClient, err := solr.NewClient(cfg.Solr.PostCoreURL, cfg.Solr.ChannelCoreURL, cfg.Solr.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("crawler: не удалось создать клиента Solr")
	}

	source, err := feedsource.NewHTTPSource(cfg.PubSub.GatewayURL, cfg.PubSub.Timeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("crawler: не указан шлюз pubsub (PUBSUB_GATEWAY_URL)")
	}

	channelDirectory := directory.NewCached(solrClient, redisCache, cfg.Activity.DirectoryCacheTTL,
		logger.With().Str("component", "directory").Logger())
	activityService := activityusecase.NewService(channelDirectory, repoAdapter, cfg.Activity.LegacyMerge,
		logger.With().Str("component", "activity").Logger())
	registryService := registryusecase.NewService(repoAdapter,
		logger.With().Str("component", "registry").Logger())
	crawlService := crawlusecase.NewService(registryService, source, solrClient, activityService,
		logger.With().Str("component", "crawl").Logger())

	worker := &crawlWorker{
		log:     logger,
		queue:   crawlQueue,
		crawler: crawlService,
		locks:   redisCache,
		lockTTL: cfg.Crawl.FeedLockTTL,
	}

	logger.Info().Int("workers", cfg.Crawl.Concurrency).Msg("crawler: запуск обработки очереди")
	var wg sync.WaitGroup
	for i := 0; i < cfg.Crawl.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			worker.Run(ctx)
		}()
	}
	wg.Wait()
	logger.Info().Msg("crawler: остановлен")
}

type crawlWorker struct {
	log     zerolog.Logger
	queue   domain.CrawlQueue
	crawler *crawlusecase.Service
	locks   domain.Cache
	lockTTL time.Duration
}

func (w *crawlWorker) Run(ctx context.Context) {
	for {
		job, ack, err := w.queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			w.log.Error().Err(err).Msg("crawler: ошибка чтения очереди")
			time.Sleep(time.Second)
			continue
		}

		jobLog := w.log.With().
			Str("job_id", job.ID).
			Str("feed", job.FeedID).
			Str("server", job.Server).
			Str("cause", string(job.Cause)).
			Logger()

		if job.FeedID == "" {
			jobLog.Error().Msg("crawler: получена задача без фида, подтверждаем и пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось подтвердить пустую задачу")
			}
			continue
		}

		feed := domain.Feed{ID: job.FeedID, Server: job.Server}
		if !w.crawler.Accepts(feed) {
			jobLog.Debug().Msg("crawler: фид не содержит постов, пропускаем")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось подтвердить задачу")
			}
			continue
		}

		// Блокировка в Redis не даёт двум воркерам одновременно
		// обходить один фид. Если замок занят, задача пропускается.
		err = w.locks.Once("crawl_lock:"+job.FeedID, w.lockTTL, func() error {
			return w.crawler.Crawl(ctx, feed)
		})

		switch {
		case err == nil:
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось подтвердить задачу")
			}
		case errors.Is(err, context.Canceled):
			// Проход прерван остановкой сервиса: задача вернётся в очередь.
			if err := ack(false); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось вернуть задачу в очередь")
			}
			return
		case errors.Is(err, crawlusecase.ErrFeedNotSubscribed):
			jobLog.Warn().Err(err).Msg("crawler: фид не подписан, задача отброшена")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось подтвердить задачу")
			}
		default:
			// Ошибку прохода не повторяем немедленно: планировщик
			// поставит фид в очередь на следующем цикле.
			jobLog.Error().Err(err).Msg("crawler: проход завершился ошибкой")
			if err := ack(true); err != nil {
				jobLog.Error().Err(err).Msg("crawler: не удалось подтвердить задачу")
			}
		}
	}
}
