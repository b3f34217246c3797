// cmd/bridge-service/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"trackbridge/internal/bridge"
	"trackbridge/internal/session"
	"trackbridge/internal/trust"
	"trackbridge/pkg/config"
	"trackbridge/pkg/db"
	"trackbridge/pkg/logger"
	"trackbridge/pkg/middleware"
	"trackbridge/pkg/tenants"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := middleware.InitTracing(ctx, cfg.OTLPEndpoint, "bridge-service", log)

	pool := db.MustConnect(cfg, log)
	var store tenants.Store
	if pool != nil {
		defer pool.Close()
		if err := tenants.EnsureSchema(ctx, pool); err != nil {
			log.Fatalw("schema", "err", err)
		}
		sealer, err := tenants.NewSealer(cfg.TenantSecretKey)
		if err != nil {
			log.Fatalw("tenant secret key", "err", err)
		}
		if sealer == nil {
			log.Warnw("TENANT_SECRET_KEY not set, shared secrets are stored unencrypted")
		}
		store = tenants.NewPostgresStore(pool, log, sealer)
	} else {
		store = tenants.NewMemoryStoreFromEnv(log)
	}

	rdb := db.MustRedis(cfg, log)
	var sessions session.Store
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		sessions = session.NewRedisStore(rdb)
	} else {
		log.Warnw("REDIS_URL not set, sessions are kept in memory")
		sessions = session.NewMemoryStore()
	}

	verifier, err := trust.NewGitHubVerifier(cfg.GitHubAPIURL, cfg.VerifyTimeout, &http.Client{Timeout: cfg.VerifyTimeout})
	if err != nil {
		log.Fatalw("github verifier", "err", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	app, err := bridge.New(bridge.Deps{
		Config:   cfg,
		Log:      log,
		Sessions: session.NewManager(sessions, []byte(cfg.SessionHashKey), []byte(cfg.SessionBlockKey)),
		Tenants:  store,
		GitHub:   verifier,
		Registry: reg,
	})
	if err != nil {
		log.Fatalw("app", "err", err)
	}

	janitor := &tenants.Janitor{Store: store, Log: log, Retain: cfg.PurgeUninstalledAfter}
	go janitor.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infow("bridge-service listening", "addr", cfg.HTTPAddr, "maintenance", cfg.Maintenance.Enabled)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("ListenAndServe", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown", "err", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warnw("tracing shutdown", "err", err)
	}
	log.Infow("bridge-service stopped")
}
