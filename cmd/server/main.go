// filegate server
//
// Exposes one mounted directory tree to holders of a shared secret:
// - recursive listing filtered by extension
// - single-file downloads
// - zip downloads of a selection, preserving relative paths
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/filegate/internal/api"
	"github.com/fruitsalade/filegate/internal/archive"
	"github.com/fruitsalade/filegate/internal/auth"
	"github.com/fruitsalade/filegate/internal/catalog"
	"github.com/fruitsalade/filegate/internal/config"
	"github.com/fruitsalade/filegate/internal/logging"
	"github.com/fruitsalade/filegate/internal/metrics"
	"github.com/fruitsalade/filegate/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: cfg.LogOutput,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("filegate starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("data_folder", cfg.DataFolder),
		zap.Strings("extensions", cfg.AllowedExtensions))

	verifier, err := auth.NewVerifier(cfg.TokenHash)
	if err != nil {
		logging.Fatal("invalid TOKEN_HASH", zap.Error(err))
	}
	if verifier.Scheme() != auth.SchemeBcrypt {
		logging.Warn("TOKEN_HASH uses a fast digest; generate a bcrypt hash with hash-secret",
			zap.String("scheme", string(verifier.Scheme())))
	}
	if cfg.GeneratedSessionSecret {
		logging.Warn("SESSION_SECRET not set, sessions will not survive a restart")
	}

	cat := catalog.New(cfg.DataFolder, cfg.AllowedExtensions)
	if err := cat.Stat(); err != nil {
		// Not fatal: the folder may be mounted later.
		logging.Warn("data folder unavailable", zap.Error(err))
	}

	sessions := session.NewStore(verifier, cat, archive.New(cfg.ArchiveCompressionLevel), cfg.MaxConcurrentArchives)
	tokens := auth.NewSessionTokens(cfg.SessionSecret, 0)

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	srv := api.NewServer(sessions, tokens, cfg.AllowedExtensions, useTLS)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if useTLS {
			logging.Info("server listening (TLS 1.3)",
				zap.String("addr", cfg.ListenAddr),
				zap.String("cert", cfg.TLSCertFile))
			return ignoreClosed(httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile))
		}
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		return ignoreClosed(httpServer.ListenAndServe())
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			return ignoreClosed(metricsServer.ListenAndServe())
		})
	}

	// Periodic eviction of idle sessions (opt-in)
	if cfg.SessionIdleTimeout > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(cleanupInterval(cfg.SessionIdleTimeout))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if n := sessions.Cleanup(cfg.SessionIdleTimeout); n > 0 {
						logging.Info("evicted idle sessions", zap.Int("count", n))
					}
				}
			}
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if metricsServer != nil {
			metricsServer.Shutdown(shutdownCtx)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logging.Fatal("server error", zap.Error(err))
	}
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func cleanupInterval(idle time.Duration) time.Duration {
	interval := idle / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}
