package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketplace/internal/api"
	"marketplace/internal/captcha"
	"marketplace/internal/config"
	"marketplace/internal/contact"
	"marketplace/internal/guard"
	"marketplace/internal/logger"
	"marketplace/internal/models"
	"marketplace/internal/observability"
	"marketplace/internal/ratelimit"
	"marketplace/internal/storage"
	"marketplace/internal/version"

	"golang.org/x/sync/errgroup"
)

var (
	configFile  = flag.String("config", "", "Path to configuration file")
	writeConfig = flag.String("write-example-config", "", "Write an example configuration to this path and exit")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	info := version.GetInfo()
	if *showVersion {
		fmt.Println(info.String())
		return
	}
	if *writeConfig != "" {
		if err := config.SaveExample(*writeConfig); err != nil {
			slog.Error("Failed to write example configuration", "error", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	log, closer, err := logger.Setup(cfg.Logging, info)
	if err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	if closer != nil {
		defer closer.Close()
	}
	slog.SetDefault(log)
	for _, w := range cfg.Warnings() {
		slog.Warn(w, "storage", cfg.Storage.Type)
	}

	otelProvider, err := observability.Setup(cfg.Metrics, cfg.Observability, info)
	if err != nil {
		slog.Error("Failed to initialize observability", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			slog.Error("Failed to shutdown observability", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storageInstance, err := storage.NewFactory().Create(ctx, cfg.Storage)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err, "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer storageInstance.Close()

	var activeStorage storage.Storage = storageInstance
	if cfg.Metrics.Enabled || cfg.Observability.Tracing.Enabled {
		instrumented, err := observability.NewInstrumentedStorage(storageInstance)
		if err != nil {
			slog.Error("Failed to create instrumented storage", "error", err)
			os.Exit(1)
		}
		activeStorage = instrumented
	}

	limiter, err := ratelimit.NewLimiter(activeStorage, cfg.Security,
		ratelimit.WithLocalFallback(ratelimit.NewLocalCounter(0)))
	if err != nil {
		slog.Error("Failed to initialize rate limiter", "error", err)
		os.Exit(1)
	}

	contactService := contact.NewService(activeStorage, limiter)
	captchaService := captcha.NewService(captcha.NewVerifier(cfg.Captcha), limiter, cfg.Captcha)
	precheck := guard.New(limiter, captchaService, cfg.Captcha.Enabled)

	handlers := api.NewHandlers(limiter, contactService,
		api.WithStorage(activeStorage),
		api.WithCaptcha(captchaService),
		api.WithPrechecker(precheck),
		api.WithTrustProxy(cfg.Server.TrustProxyHeaders),
	)

	routeOpts := []api.RouteOption{}
	if cfg.Observability.Tracing.Enabled {
		routeOpts = append(routeOpts, api.WithOTelMiddleware(cfg.Observability.ServiceName))
	}

	if t := cfg.Security.Throttle; t.Enabled {
		authRPM := t.AuthenticatedRequestsPerMin
		if authRPM == 0 {
			authRPM = t.RequestsPerMinute * 2
		}
		authBurst := t.AuthenticatedBurstSize
		if authBurst == 0 {
			authBurst = t.BurstSize * 2
		}

		anonymous := ratelimit.NewMemoryThrottle(t.RequestsPerMinute, t.BurstSize, t.CleanupInterval)
		authenticated := ratelimit.NewMemoryThrottle(authRPM, authBurst, t.CleanupInterval)
		defer anonymous.Close()
		defer authenticated.Close()

		client := api.ThrottleClient(
			api.NewKeyRing(cfg.Security.APIKeys),
			api.NewUserVerifier(cfg.Security.JWTSecret, cfg.Security.JWTIssuer),
			cfg.Server.TrustProxyHeaders,
		)
		routeOpts = append(routeOpts, api.WithRateLimiter(ratelimit.ThrottleMiddleware(anonymous, authenticated, client)))
	}

	router := api.SetupRoutes(handlers, cfg, routeOpts...)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	var metricsServer *observability.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = observability.NewMetricsServer(cfg.Metrics, otelProvider)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Starting server",
			"addr", server.Addr,
			"tls", cfg.Server.TLSEnabled,
			"storage", cfg.Storage.Type,
			"rate_limit_backend", cfg.Storage.CounterBackend(),
			"captcha", cfg.Captcha.Enabled)

		var err error
		if cfg.Server.TLSEnabled {
			err = server.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	if metricsServer != nil {
		g.Go(func() error {
			if err := metricsServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	if p, ok := storage.PurgerFor(activeStorage); ok {
		g.Go(func() error {
			storage.RunPurger(gctx, p, cfg.Storage.CleanupInterval, purgeRetention(cfg.Security.RateLimits))
			return nil
		})
	}

	// Runs on a signal or when any server fails.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down server")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				slog.Error("Metrics server forced to shutdown", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Server shutdown complete")
}

// purgeRetention keeps records at least as long as any configured window or
// block could still read them.
func purgeRetention(policies map[string]models.ActionPolicy) time.Duration {
	retention := time.Hour
	for _, p := range policies {
		eff := p.Effective()
		retention = max(retention, eff.Window, eff.BlockDuration)
	}
	return retention
}
