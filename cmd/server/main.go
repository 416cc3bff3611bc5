// webfm server
//
// A browser file manager scoped to one directory:
// - Listing, recursive search and natural sort
// - Upload, download, image preview and thumbnails
// - Create, rename, move and delete with CSRF-protected forms
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/webfm/internal/api"
	"github.com/fruitsalade/webfm/internal/classify"
	"github.com/fruitsalade/webfm/internal/config"
	"github.com/fruitsalade/webfm/internal/fileops"
	"github.com/fruitsalade/webfm/internal/listing"
	"github.com/fruitsalade/webfm/internal/logging"
	"github.com/fruitsalade/webfm/internal/metrics"
	"github.com/fruitsalade/webfm/internal/pathsafe"
	"github.com/fruitsalade/webfm/internal/session"
	"github.com/fruitsalade/webfm/internal/storage"
	"github.com/fruitsalade/webfm/internal/transfer"
)

func main() {
	startedAt := time.Now()
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("webfm starting...",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("metrics", cfg.Server.MetricsAddr),
		zap.String("root", cfg.Storage.Root),
		zap.Stringer("max_upload", cfg.Limits.MaxUploadBytes))

	store, err := storage.New(storage.Config{
		RootPath:   cfg.Storage.Root,
		CreateRoot: cfg.Storage.CreateRoot,
	})
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	resolver, err := pathsafe.NewResolver(store.Root())
	if err != nil {
		logging.Fatal("root resolution failed", zap.Error(err))
	}
	logging.Info("serving root", zap.String("path", resolver.Root()))

	classifier := classify.New(cfg.ClassifierRules())
	sessions, err := session.New(session.Config{
		Secret:     []byte(cfg.Session.Secret),
		CookieName: cfg.Session.CookieName,
		TTL:        cfg.Session.TTL,
	})
	if err != nil {
		logging.Fatal("session init failed", zap.Error(err))
	}

	srv, err := api.NewServer(cfg, api.Deps{
		Resolver:   resolver,
		Classifier: classifier,
		Scanner:    listing.NewScanner(resolver, classifier),
		FileOps:    fileops.New(resolver, classifier, store, cfg.FileOps()),
		Transfer:   transfer.New(resolver, classifier),
		Sessions:   sessions,
	})
	if err != nil {
		logging.Fatal("server init failed", zap.Error(err))
	}

	var metricsServer *http.Server
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("GET /metrics", metrics.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
	}
	if cfg.TLSEnabled() {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...", zap.Duration("timeout", cfg.Server.ShutdownTimeout))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logging.Warn("graceful shutdown incomplete", zap.Error(err))
			httpServer.Close()
		}
		if metricsServer != nil {
			metricsServer.Shutdown(ctx)
		}
	}()

	if cfg.TLSEnabled() {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.Server.ListenAddr),
			zap.String("cert", cfg.Server.TLSCertFile))
		err = httpServer.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.Server.ListenAddr))
		err = httpServer.ListenAndServe()
	}
	if !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("server error", zap.Error(err))
	}
	<-done
	logging.Info("stopped", zap.Duration("uptime", time.Since(startedAt)))
}
