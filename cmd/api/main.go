package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/tsaserv/channel-directory/internal/adapters/repo"
	"github.com/tsaserv/channel-directory/internal/domain"
	"github.com/tsaserv/channel-directory/internal/infra/config"
	"github.com/tsaserv/channel-directory/internal/infra/db"
	httpinfra "github.com/tsaserv/channel-directory/internal/infra/http"
	applog "github.com/tsaserv/channel-directory/internal/infra/log"
	"github.com/tsaserv/channel-directory/internal/infra/metrics"
	"github.com/tsaserv/channel-directory/internal/infra/queue"
	registryusecase "github.com/tsaserv/channel-directory/internal/usecase/registry"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool)
	registryService := registryusecase.NewService(repoAdapter, logger.With().Str("component", "registry").Logger())

	var crawlQueue domain.CrawlQueue
	if cfg.RabbitURL != "" {
		rabbitQueue, err := queue.NewRabbitCrawlQueue(cfg.RabbitURL, cfg.Queues.Crawl)
		if err != nil {
			logger.Fatal().Err(err).Msg("api: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbitQueue.Close()
		crawlQueue = rabbitQueue
	} else {
		if cfg.RedisAddr == "" {
			logger.Fatal().Msg("api: не заданы ни RABBITMQ_URL, ни REDIS_ADDR")
		}
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		crawlQueue = queue.NewRedisCrawlQueue(redisClient, cfg.Queues.Crawl)
	}

	server := httpinfra.NewServer(logger.With().Str("component", "http").Logger())
	registerRoutes(server.Router, registryService, repoAdapter, crawlQueue)

	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("api: сервер остановился с ошибкой")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("api: ошибка graceful shutdown")
	}
	logger.Info().Msg("api: остановлен")
}

type registerServerRequest struct {
	Server string `json:"server"`
}

type registerFeedRequest struct {
	FeedID string `json:"feed_id"`
	Server string `json:"server"`
}

type crawlRequest struct {
	FeedID string `json:"feed_id"`
	Server string `json:"server"`
}

func registerRoutes(r chi.Router, registry *registryusecase.Service, activities domain.ActivityRepo, crawlQueue domain.CrawlQueue) {
	r.Post("/api/v1/servers", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		var body registerServerRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.Server == "" {
			writeError(w, http.StatusBadRequest, "server is required")
			return
		}
		registry.RegisterServer(req.Context(), body.Server)
		writeJSONStatus(w, http.StatusCreated, map[string]string{"status": "ok"})
	})

	r.Post("/api/v1/feeds", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		var body registerFeedRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		channelJID, err := domain.ChannelFromFeedID(body.FeedID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed feed_id")
			return
		}
		server := body.Server
		if server == "" {
			server = domain.ServerFromJID(channelJID)
		}
		if server == "" {
			writeError(w, http.StatusBadRequest, "server is required")
			return
		}
		registry.RegisterServer(req.Context(), server)
		registry.RegisterFeed(req.Context(), body.FeedID, server)
		writeJSONStatus(w, http.StatusCreated, map[string]string{"status": "ok", "channel": channelJID, "server": server})
	})

	r.Get("/api/v1/feeds", func(w http.ResponseWriter, req *http.Request) {
		feeds := registry.ListFeeds(req.Context(), req.URL.Query().Get("server"))
		resp := make([]map[string]any, 0, len(feeds))
		for _, feed := range feeds {
			resp = append(resp, map[string]any{
				"feed_id":       feed.Name,
				"server":        feed.Server,
				"cursor":        feed.LastItemCrawled,
				"items_crawled": feed.ItemsCrawled,
			})
		}
		writeJSON(w, resp)
	})

	r.Get("/api/v1/servers/{server}/cursor", func(w http.ResponseWriter, req *http.Request) {
		cursor, ok := registry.CursorForServer(req.Context(), chi.URLParam(req, "server"))
		if !ok {
			writeError(w, http.StatusNotFound, "cursor not found")
			return
		}
		writeJSON(w, map[string]string{"cursor": cursor})
	})

	r.Get("/api/v1/channels/{jid}/activity", func(w http.ResponseWriter, req *http.Request) {
		record, err := activities.GetActivity(req.Context(), chi.URLParam(req, "jid"))
		if err != nil {
			log.Error().Err(err).Msg("api: не удалось прочитать активность")
			writeError(w, http.StatusInternalServerError, "failed to read activity")
			return
		}
		if record == nil {
			writeError(w, http.StatusNotFound, "activity not found")
			return
		}
		writeJSON(w, map[string]any{
			"channel":    record.ChannelJID,
			"detailed":   record.Window,
			"summarized": record.Summarized,
			"updated":    record.Updated,
			"earliest":   record.Earliest,
		})
	})

	r.Post("/api/v1/crawl", func(w http.ResponseWriter, req *http.Request) {
		defer req.Body.Close()
		var body crawlRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.FeedID == "" {
			writeError(w, http.StatusBadRequest, "feed_id is required")
			return
		}
		job := domain.CrawlJob{
			ID:          uuid.NewString(),
			FeedID:      body.FeedID,
			Server:      body.Server,
			RequestedAt: time.Now().UTC(),
			Cause:       domain.CrawlCauseManual,
		}
		if err := crawlQueue.Enqueue(req.Context(), job); err != nil {
			log.Error().Err(err).Str("feed", body.FeedID).Msg("api: не удалось поставить задачу обхода")
			writeError(w, http.StatusInternalServerError, "failed to enqueue crawl")
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
