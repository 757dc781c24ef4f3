package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	CrawlPassSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "crawl_pass_seconds",
		Help:    "Длительность одного прохода обхода фида",
		Buckets: prometheus.DefBuckets,
	})
	CrawlPagesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawl_pages_fetched_total",
		Help: "Количество загруженных страниц фидов",
	})
	CrawlItemsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawl_items_processed_total",
		Help: "Количество успешно обработанных элементов фидов",
	})
	CrawlItemErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawl_item_errors_total",
		Help: "Ошибки обработки отдельных элементов (разбор или запись)",
	})
	CrawlErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crawl_errors_total",
		Help: "Ошибки, прервавшие проход обхода",
	})
	ActivityUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "activity_updates_total",
		Help: "Обновления гистограммы активности по результату",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CrawlPassSeconds,
		CrawlPagesFetched,
		CrawlItemsProcessed,
		CrawlItemErrors,
		CrawlErrors,
		ActivityUpdates,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveActivityUpdate записывает результат обновления активности.
func ObserveActivityUpdate(result string) {
	ActivityUpdates.WithLabelValues(result).Inc()
}
