package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/pdfrag/internal/config"
	"github.com/fyrsmithlabs/pdfrag/internal/logging"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// OptionsFromConfig maps the shared queue settings.
func OptionsFromConfig(cfg config.QueueConfig, logger *logging.Logger) Options {
	return Options{
		Concurrency: cfg.Concurrency,
		MaxAttempts: cfg.MaxDeliver,
		RetryDelay:  cfg.RetryDelay,
		Logger:      logger,
	}
}

// Open connects the transport selected by cfg.Backend ("nats" or "redis").
// The temporal backend is not a Queue; see package workflows.
func Open(ctx context.Context, cfg config.QueueConfig, logger *logging.Logger) (Queue, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	opts := OptionsFromConfig(cfg, logger)

	switch cfg.Backend {
	case "nats", "":
		return openJetStream(ctx, cfg, opts, logger)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password.Value(),
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		logger.Info(ctx, "Connected to Redis", zap.String("addr", cfg.Redis.Addr))
		return NewRedisQueue(client, RedisConfig{
			Prefix:       cfg.Redis.Prefix,
			PollInterval: cfg.Redis.PollInterval,
			ClaimIdle:    cfg.Redis.ClaimIdle,
		}, opts, true)
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Backend)
	}
}

func openJetStream(ctx context.Context, cfg config.QueueConfig, opts Options, logger *logging.Logger) (Queue, error) {
	url := cfg.NATS.URL
	var shutdown func()
	if cfg.NATS.Embedded {
		srv, err := StartEmbeddedServer(cfg.NATS.StoreDir)
		if err != nil {
			return nil, fmt.Errorf("starting embedded NATS: %w", err)
		}
		url = srv.ClientURL()
		shutdown = func() {
			srv.Shutdown()
			srv.WaitForShutdown()
		}
		logger.Info(ctx, "Started embedded NATS", zap.String("url", url), zap.String("store_dir", cfg.NATS.StoreDir))
	}

	nc, err := nats.Connect(url,
		nats.Name("pdfrag"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		if shutdown != nil {
			shutdown()
		}
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Info(ctx, "Connected to NATS", zap.String("url", url))

	q, err := NewJetStreamQueue(nc, JetStreamConfig{
		Stream:       cfg.NATS.Stream,
		AckWait:      cfg.NATS.AckWait,
		MaxDeferral:  cfg.NATS.MaxDeferral,
		MaxScheduled: cfg.NATS.MaxScheduled,
	}, opts)
	if err != nil {
		nc.Close()
		if shutdown != nil {
			shutdown()
		}
		return nil, err
	}
	if shutdown != nil {
		q.OwnConn(shutdown)
	} else {
		q.OwnConn()
	}
	return q, nil
}
