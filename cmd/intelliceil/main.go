package main

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"intelliceil/api"
	"intelliceil/engine"
	"intelliceil/engine/audit"
	"intelliceil/engine/config"
	"intelliceil/engine/geo"
	"intelliceil/engine/logging"
	"intelliceil/engine/notify"
	"intelliceil/engine/persist"
	"intelliceil/engine/reload"
)

const version = "1.0.0"

func main() {
	_ = godotenv.Load()

	logger := logging.New(logging.Config{
		Level:    envStr("INTELLICEIL_LOG_LEVEL", "info"),
		Filename: envStr("INTELLICEIL_LOG_FILE", ""),
		Console:  envBool("INTELLICEIL_LOG_CONSOLE", true),
		Compress: true,
	})
	defer logger.Sync()

	policyPath := envStr("INTELLICEIL_POLICY_FILE", "data/policy.json")
	fileStore := persist.NewFileStore(policyPath)
	cfg, err := fileStore.Load()
	if err != nil {
		logger.Fatal("load policy", zap.Error(err))
	}
	store, err := config.NewStore(cfg, fileStore, logger)
	if err != nil {
		logger.Fatal("build policy store", zap.Error(err))
	}

	var auditLog audit.Log = audit.Nop{}
	if dbPath := envStr("INTELLICEIL_DB", "data/intelliceil.db"); dbPath != "" {
		sqlStore, err := persist.OpenSQLite(dbPath)
		if err != nil {
			logger.Fatal("open audit store", zap.Error(err))
		}
		auditLog = sqlStore
	}

	eng, err := engine.New(engine.Options{
		Store:       store,
		GeoProvider: buildGeoProvider(logger),
		Notifier:    buildNotifier(),
		Audit:       auditLog,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}
	eng.Start()

	reloader, err := reload.NewManager(store, logger, reload.Options{PolicyPath: fileStore.Path()})
	if err != nil {
		logger.Fatal("start policy watcher", zap.Error(err))
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			_ = reloader.Reload("sighup")
		}
	}()

	server := api.NewServer(api.Options{
		Engine:   eng,
		Reloader: reloader,
		Logger:   logger,
		Version:  version,
		Auth: api.AuthConfig{
			Enabled: envStr("INTELLICEIL_JWT_SECRET", "") != "",
			Secret:  envStr("INTELLICEIL_JWT_SECRET", ""),
		},
		Compression: api.CompressConfig{Enabled: true},
	})

	mux := http.NewServeMux()
	mux.Handle("/", server.Router())
	if upstream := envStr("INTELLICEIL_UPSTREAM", ""); upstream != "" {
		target, err := url.Parse(upstream)
		if err != nil {
			logger.Fatal("parse upstream url", zap.Error(err))
		}
		proxy := httputil.NewSingleHostReverseProxy(target)
		mux.Handle("/app/", server.Protect(http.StripPrefix("/app", proxy)))
		logger.Info("proxying protected traffic", zap.String("upstream", upstream))
	}

	addr := envStr("INTELLICEIL_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	h3 := api.NewHTTP3Server(api.HTTP3Config{
		Enabled:  envBool("INTELLICEIL_HTTP3", false),
		Addr:     envStr("INTELLICEIL_HTTP3_ADDR", ":8443"),
		CertFile: envStr("INTELLICEIL_TLS_CERT", ""),
		KeyFile:  envStr("INTELLICEIL_TLS_KEY", ""),
	})
	if err := h3.Start(mux); err != nil {
		logger.Error("http3 listener failed to start", zap.Error(err))
	}

	go func() {
		logger.Info("listening", zap.String("addr", addr), zap.String("version", version))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	_ = h3.Stop(ctx)
	_ = reloader.Stop()
	eng.Stop()
}

func buildGeoProvider(logger *zap.Logger) geo.Provider {
	if path := envStr("INTELLICEIL_GEOIP_DB", ""); path != "" {
		p, err := geo.NewMaxMindProvider(path)
		if err != nil {
			logger.Warn("geoip database unavailable, falling back to web lookups", zap.Error(err))
		} else {
			return p
		}
	}
	if base := envStr("INTELLICEIL_GEO_API", ""); base != "" {
		return geo.NewWebProvider(base, 0)
	}
	return nil
}

func buildNotifier() notify.Notifier {
	var multi notify.Multi
	if host := envStr("INTELLICEIL_SMTP_HOST", ""); host != "" {
		multi = append(multi, notify.NewEmail(notify.EmailConfig{
			Host:     host,
			Port:     envInt("INTELLICEIL_SMTP_PORT", 587),
			From:     envStr("INTELLICEIL_SMTP_FROM", "alerts@intelliceil.local"),
			Username: envStr("INTELLICEIL_SMTP_USER", ""),
			Password: envStr("INTELLICEIL_SMTP_PASS", ""),
			To:       envStr("INTELLICEIL_ALERT_EMAIL", ""),
		}))
	}
	if urls := envStr("INTELLICEIL_WEBHOOK_URLS", ""); urls != "" {
		multi = append(multi, notify.NewWebhook(notify.WebhookConfig{
			URLs: strings.Split(urls, ","),
		}))
	}
	if len(multi) == 0 {
		return notify.Nop{}
	}
	return multi
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return fallback
}
