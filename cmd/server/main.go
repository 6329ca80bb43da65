package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/order-fulfillment/internal/adapter/alert"
	"github.com/rl1809/order-fulfillment/internal/adapter/handler"
	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/config"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/platform/observability"
	"github.com/rl1809/order-fulfillment/internal/port"
)

func main() {
	app := &cli.App{
		Name:  config.ServiceName,
		Usage: "order intake, fulfillment workers and inventory monitoring",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP and gRPC servers, workers and background jobs",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply or roll back database migrations",
				Subcommands: []*cli.Command{
					{Name: "up", Action: func(c *cli.Context) error { return migrate(c, true) }},
					{Name: "down", Action: func(c *cli.Context) error { return migrate(c, false) }},
				},
			},
			{
				Name:   "scan",
				Usage:  "run one inventory scan and exit",
				Action: scanOnce,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type deps struct {
	cfg    config.Config
	logger *zap.Logger
	db     *sqlx.DB
	rdb    *redis.Client
	mysql  *storage.MySQLAdapter
	redis  *storage.RedisAdapter
	queue  *storage.RedisQueue
	sink   interface {
		port.AlertSink
		io.Closer
	}
}

func connect(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := observability.NewLogger(config.ServiceName, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := storage.OpenMySQL(ctx, cfg.MySQLDSN)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	logger.Info("connected to mysql")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("connected to redis", zap.String("addr", cfg.RedisAddr))

	d := &deps{
		cfg:    cfg,
		logger: logger,
		db:     db,
		rdb:    rdb,
		mysql:  storage.NewMySQLAdapter(db),
		redis:  storage.NewRedisAdapter(rdb, cfg.IdempotencyTTL),
		queue:  storage.NewRedisQueue(rdb, cfg.QueueName, cfg.VisibilityTimeout),
	}

	if len(cfg.KafkaBrokers) > 0 {
		sink, err := alert.NewKafkaSink(cfg.KafkaBrokers, cfg.AlertTopic, config.ServiceName, logger)
		if err != nil {
			d.close()
			return nil, fmt.Errorf("init kafka sink: %w", err)
		}
		d.sink = sink
		logger.Info("stock alerts published to kafka", zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.AlertTopic))
	} else {
		d.sink = alert.NewLogSink(logger)
	}
	return d, nil
}

func (d *deps) close() {
	if d.sink != nil {
		if err := d.sink.Close(); err != nil {
			d.logger.Warn("close alert sink", zap.Error(err))
		}
	}
	d.rdb.Close()
	d.db.Close()
	d.logger.Info("connections closed")
	d.logger.Sync()
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := connect(ctx)
	if err != nil {
		return err
	}
	defer d.close()
	cfg, logger := d.cfg, d.logger

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OtelEndpoint, config.ServiceName, config.ServiceVersion)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	if err := storage.Migrate(d.db.DB, true); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	scheduler := service.NewRetryScheduler(cfg.RetryBaseDelay, cfg.MaxAttempts, cfg.RetryJitter)
	orderService := service.NewOrderService(d.redis, d.mysql, d.mysql, d.queue, logger)
	processor := service.NewOrderProcessor(d.mysql, d.mysql, d.mysql, d.queue, scheduler, cfg.AttemptTimeout, logger)
	pool := service.NewWorkerPool(d.queue, processor, cfg.WorkerCount, cfg.PollInterval, logger)
	scanner := service.NewInventoryScanner(d.mysql, d.mysql, d.sink, cfg.ScanInterval, logger)
	reconciler := service.NewReconciler(d.mysql, d.queue, cfg.VisibilityTimeout, logger)
	metrics := service.NewMetricsService(d.mysql, d.mysql, d.mysql, d.queue)

	checks := map[string]handler.Pinger{"mysql": d.mysql, "redis": d.redis}
	httpHandler := handler.NewHTTPHandler(orderService, d.mysql, d.mysql, d.mysql, metrics, checks, cfg.WebhookSecret, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpHandler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcServer := grpc.NewServer()
	grpcHealth := handler.NewGRPCHealth(config.ServiceName, checks, 0, logger)
	grpcHealth.Register(grpcServer)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scanner.Run(gctx) })
	g.Go(func() error { return reconciler.Run(gctx) })
	g.Go(func() error { return grpcHealth.Run(gctx) })
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func migrate(c *cli.Context, up bool) error {
	d, err := connect(c.Context)
	if err != nil {
		return err
	}
	defer d.close()

	if err := storage.Migrate(d.db.DB, up); err != nil {
		return err
	}
	d.logger.Info("migrations applied", zap.Bool("up", up))
	return nil
}

func scanOnce(c *cli.Context) error {
	d, err := connect(c.Context)
	if err != nil {
		return err
	}
	defer d.close()

	scanner := service.NewInventoryScanner(d.mysql, d.mysql, d.sink, d.cfg.ScanInterval, d.logger)
	report, err := scanner.RunOnce(c.Context)
	if err != nil {
		return err
	}
	d.logger.Info("inventory scan finished",
		zap.Int("low", report.Low),
		zap.Int("out", report.Out),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return nil
}
