package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabServer/backend/config"
	"collabServer/backend/internal/broadcast"
	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/httpapi"
	"collabServer/backend/internal/httpapi/handlers"
	"collabServer/backend/internal/idempotency"
	"collabServer/backend/internal/lock"
	"collabServer/backend/internal/oplog"
	"collabServer/backend/internal/session"
	"collabServer/backend/internal/store"
	"collabServer/backend/internal/ws"
)

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the websocket sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	gin.SetMode(gin.ReleaseMode)

	opLog, err := oplog.Open(ctx, cfg.Mysql.Driver, cfg.Mysql.DSN)
	if err != nil {
		return err
	}
	defer opLog.Close()
	glog.Infof("oplog: driver=%s", opLog.Driver())

	router := broadcast.NewRouter(cfg.Collab.OutboxSize)
	health := map[string]handlers.HealthCheck{"oplog": opLog.Ping}

	deps := collab.Deps{Log: opLog, Router: router}

	var relay *broadcast.RedisRelay
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		nodeID := cfg.Running.NodeID
		if nodeID == "" {
			nodeID = uuid.NewString()
		}
		deps.Filter = cache.NewRedisFilter(rdb, cfg.Idempotency.TTL)
		deps.Registry = cache.NewRedisPresence(rdb, cfg.Presence.TTL, clock.Real())
		deps.Locks = cache.NewRedisLocks(rdb, cfg.Lock.DefaultTTL, cfg.Lock.MaxTTL)
		relay = broadcast.NewRedisRelay(rdb, nodeID, router)
		router.SetRelay(relay)
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		glog.Infof("redis: addrs=%v node=%s", cfg.Redis.Addrs, nodeID)
	} else {
		deps.Filter = idempotency.NewMemoryFilter(cfg.Idempotency.TTL, clock.Real())
		deps.Registry = session.NewMemoryRegistry(cfg.Presence.TTL, clock.Real())
		deps.Locks = lock.NewMemoryManager(clock.Real(), cfg.Lock.DefaultTTL, cfg.Lock.MaxTTL)
		glog.Infof("redis: not configured, using in-memory state (single node)")
	}

	if cfg.Mysql.DocumentDSN != "" {
		db, err := store.InitMySQL(cfg.Mysql.DocumentDSN)
		if err != nil {
			return fmt.Errorf("connect document db: %w", err)
		}
		documents := store.NewDocumentStore(db)
		deps.Auth = documents
		deps.Baseline = documents
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
			health["documents"] = sqlDB.PingContext
		}
	} else {
		glog.Warningf("mysql.documentDsn not set: every authenticated user may join every document")
	}

	var dispatcher *collab.KafkaDispatcher
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := collab.NewSyncProducer(cfg.Kafka.Brokers)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher = collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.Workers), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: 50 * time.Millisecond,
			MaxBackoff:  1 * time.Second,
		})
		// 先于 producer.Close 执行，把队列里的事件发完
		defer dispatcher.Close()
		deps.Events = dispatcher
	}

	engine := collab.NewEngine(deps, collab.Options{
		SubmitTimeout:   cfg.Collab.SubmitTimeout,
		JoinTailLimit:   cfg.Collab.JoinTailLimit,
		MaxPayloadBytes: cfg.Collab.MaxPayloadBytes,
	})
	manager := ws.NewManager(engine, ws.ManagerOptions{
		AllowedOrigins: cfg.Http.AllowedOrigins,
		CursorRate:     cfg.Presence.CursorRate,
		SubmitTimeout:  cfg.Collab.SubmitTimeout,
		MaxFrameBytes:  cfg.Http.MaxFrameBytes,
	})
	r := httpapi.NewRouter(engine, manager, httpapi.RouterOptions{
		JWTSecret:      []byte(cfg.Auth.JWTSecret),
		EnableCORS:     cfg.Http.EnableCORS,
		AllowedOrigins: cfg.Http.AllowedOrigins,
		HealthChecks:   health,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		glog.Infof("sync server listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		glog.Infof("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return engine.RunSweeper(gctx, cfg.Presence.SweepInterval)
	})
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx, nil)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
