package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
	Port        int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Solr struct {
		PostCoreURL    string        `envconfig:"SOLR_POST_CORE_URL"`
		ChannelCoreURL string        `envconfig:"SOLR_CHANNEL_CORE_URL"`
		Timeout        time.Duration `envconfig:"SOLR_TIMEOUT" default:"10s"`
	} `envconfig:""`

	PubSub struct {
		GatewayURL string        `envconfig:"PUBSUB_GATEWAY_URL"`
		Timeout    time.Duration `envconfig:"PUBSUB_TIMEOUT" default:"15s"`
	} `envconfig:""`

	Crawl struct {
		Concurrency int           `envconfig:"CRAWL_CONCURRENCY" default:"4"`
		Interval    time.Duration `envconfig:"CRAWL_INTERVAL" default:"10m"`
		FeedLockTTL time.Duration `envconfig:"CRAWL_FEED_LOCK_TTL" default:"5m"`
	} `envconfig:""`

	Activity struct {
		// LegacyMerge воспроизводит историческое поведение переноса
		// слотов окна без сдвига индексов при продвижении дня.
		LegacyMerge       bool          `envconfig:"ACTIVITY_LEGACY_MERGE" default:"false"`
		DirectoryCacheTTL time.Duration `envconfig:"ACTIVITY_DIRECTORY_CACHE_TTL" default:"10m"`
	} `envconfig:""`

	Queues struct {
		Crawl string `envconfig:"CRAWL_QUEUE_KEY" default:"crawl_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
