package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"marketplace/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const scrapeTimeout = 10 * time.Second

// MetricsServer serves Prometheus metrics on a separate port.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves the default Prometheus registry, which the otel
// exporter writes to, at cfg.Path. Without an exporter the path answers 404.
// Scrapers that ask for OpenMetrics get exemplars and created timestamps.
func NewMetricsServer(cfg models.MetricsConfig, provider *Provider) *MetricsServer {
	mux := http.NewServeMux()
	if provider != nil && provider.promExporter != nil {
		handler := promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
			ErrorHandling:     promhttp.ContinueOnError,
			Timeout:           scrapeTimeout,
		})
		mux.Handle(cfg.Path, promhttp.InstrumentMetricHandler(prometheus.DefaultRegisterer, handler))
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start blocks until the server stops. It returns http.ErrServerClosed after
// Shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}

// Handler exposes the server's mux for tests.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}
