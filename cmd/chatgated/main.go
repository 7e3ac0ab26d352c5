// Command chatgated runs the chat gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/chatgate/internal/auth"
	"github.com/luciancaetano/chatgate/internal/config"
	"github.com/luciancaetano/chatgate/internal/events"
	"github.com/luciancaetano/chatgate/internal/logger"
	"github.com/luciancaetano/chatgate/internal/ratelimit"
	"github.com/luciancaetano/chatgate/internal/store"
	"github.com/luciancaetano/chatgate/internal/websocket"
	"github.com/luciancaetano/chatgate/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatgated:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Environment: cfg.Environment, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
	}

	st, closeStore, err := openStore(ctx, cfg, rdb)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := ws.DefaultOptions()
	opts.Addr = cfg.Addr
	opts.Store = st
	opts.Authenticator = authenticator(cfg, log)
	opts.CheckOrigin = checkOrigin(cfg.AllowedOrigins)
	opts.TrustedProxies = cfg.TrustedProxies
	opts.RateLimit = &ratelimit.Config{PerSecond: rate.Limit(cfg.MessageRate), Burst: cfg.MessageBurst, Enabled: cfg.MessageRate > 0}
	opts.Admission = &ratelimit.Config{PerSecond: rate.Limit(cfg.AdmissionRate), Burst: cfg.AdmissionBurst, Enabled: cfg.AdmissionRate > 0}
	opts.Registry = websocket.RegistryConfig{Expiry: cfg.SessionExpiry, SweepInterval: cfg.SweepInterval}
	opts.MaxMessageSize = cfg.MaxMessageSize
	opts.QueueLimit = cfg.QueueLimit
	opts.EventIngress = cfg.EventsToken != ""
	opts.EventsToken = cfg.EventsToken
	opts.Registerer = prometheus.DefaultRegisterer
	opts.Logger = log

	gw, err := ws.New(opts)
	if err != nil {
		return err
	}

	if rdb != nil {
		src := events.NewRedisSource(rdb, cfg.EventsChannel, gw, log)
		go func() {
			if err := src.Serve(ctx); err != nil {
				log.Error("event source stopped", zap.Error(err))
			}
		}()
	}

	if err := gw.Start(ctx); err != nil {
		return err
	}
	log.Info("chatgated started", zap.String("addr", cfg.Addr), zap.String("store", cfg.Store))

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := gw.Stop(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, rdb *redis.Client) (store.Store, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		return store.NewRedis(rdb), func() {}, nil
	case config.StorePostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		return store.NewMemory(), func() {}, nil
	}
}

func authenticator(cfg *config.Config, log *zap.Logger) auth.Authenticator {
	if cfg.JWTSecret != "" {
		return ws.JWTAuthenticator([]byte(cfg.JWTSecret), 30*time.Second)
	}
	log.Warn("CHATGATE_INSECURE_AUTH is set: trusting the X-User-Id header")
	return auth.Header{}
}

func checkOrigin(allowed []string) ws.CheckOriginFn {
	for _, o := range allowed {
		if o == "*" {
			return ws.AllOrigins()
		}
	}
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}
