package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hazyhaar/browserd/audit"
	"github.com/hazyhaar/browserd/broker"
	"github.com/hazyhaar/browserd/dbopen"
	"github.com/hazyhaar/browserd/engine/rodeng"
	"github.com/hazyhaar/browserd/kit"
)

func main() {
	logLevel := env("LOG_LEVEL", "info")

	// Logging.
	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Broker configuration: YAML file when given, environment on top.
	var cfg broker.Config
	if path := env("BROWSERD_CONFIG", ""); path != "" {
		loaded, err := broker.LoadConfigFile(path)
		if err != nil {
			slog.Error("load config", "path", path, "error", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if v := env("BROWSERD_SOCKET", ""); v != "" {
		cfg.Socket = v
	}
	if v := env("BROWSERD_SESSION_TTL", ""); v != "" {
		cfg.SessionTTL = envDuration("BROWSERD_SESSION_TTL", cfg.SessionTTL)
	}
	if v := env("BROWSERD_AUDIT_DB", ""); v != "" {
		cfg.AuditDB = v
	}

	// Browser engine.
	eng := rodeng.New(rodeng.Config{
		RemoteURL:        env("BROWSERD_REMOTE_URL", ""),
		Headful:          env("BROWSERD_HEADFUL", "") == "1",
		ResourceBlocking: splitList(env("BROWSERD_BLOCK", "")),
		Logger:           logger,
	})
	if err := eng.Start(ctx); err != nil {
		slog.Error("engine start", "error", err)
		os.Exit(1)
	}
	defer eng.Close()

	// Audit log.
	var mws []kit.Middleware
	var auditDB *sql.DB
	if cfg.AuditDB != "" {
		db, err := dbopen.Open(cfg.AuditDB, dbopen.WithMkdirAll())
		if err != nil {
			slog.Error("open audit db", "path", cfg.AuditDB, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		auditDB = db

		auditLog := audit.NewSQLiteLogger(db, audit.WithLogger(logger))
		if err := auditLog.Init(); err != nil {
			slog.Error("init audit db", "error", err)
			os.Exit(1)
		}
		defer auditLog.Close()
		mws = append(mws, audit.Middleware(auditLog))
	}

	b := broker.New(cfg, eng,
		broker.WithLogger(logger),
		broker.WithMiddleware(mws...),
	)

	// Liveness heartbeat alongside the audit trail.
	if auditDB != nil {
		hb := audit.NewHeartbeat(auditDB, 15*time.Second, b.Registry().Len, logger)
		if err := hb.Init(ctx); err != nil {
			slog.Error("init heartbeat", "error", err)
			os.Exit(1)
		}
		hb.Start(ctx)
		defer hb.Stop()
	}

	if err := b.Serve(ctx); err != nil {
		slog.Error("broker", "error", err)
		os.Exit(1)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration, using default", "key", key, "value", v)
		return def
	}
	return d
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
