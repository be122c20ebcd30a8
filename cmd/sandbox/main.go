package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/qs3c/reportflow/config"
	"github.com/qs3c/reportflow/internal/api"
	"github.com/qs3c/reportflow/internal/api/handler"
	"github.com/qs3c/reportflow/internal/database"
	"github.com/qs3c/reportflow/internal/pkg/cron"
	"github.com/qs3c/reportflow/internal/pkg/jwt"
	"github.com/qs3c/reportflow/internal/pkg/ws"
	"github.com/qs3c/reportflow/internal/repository"
	"github.com/qs3c/reportflow/internal/sandbox"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to config file")
	devUser    = flag.Int64("dev-user", 1, "User id of the development token printed on start")
)

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Sandbox.JWTSecret == "" {
		log.Fatalf("sandbox.jwt_secret is required")
	}

	// 初始化数据库
	db, err := database.NewSQL(cfg.Sandbox.Driver, cfg.Sandbox.DSN)
	if err != nil {
		log.Fatalf("Failed to connect database: %v", err)
	}
	if err := repository.AutoMigrate(db); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}
	log.Println("Database connected")

	// 初始化 Redis
	rdb, closeRedis, err := connectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect redis: %v", err)
	}
	defer closeRedis()
	log.Println("Redis connected")

	// 初始化 WebSocket Hub 和任务引擎
	hub := ws.NewHub()
	engine := sandbox.NewEngine(&cfg.Sandbox, db, rdb, hub)
	engine.Start()
	defer engine.Stop()

	// 定时清理已结束的任务
	cronService := cron.NewService(repository.NewJobRepository(db), cfg.Sandbox.Retention, cfg.Sandbox.CleanupInterval)
	cronService.Start()
	defer cronService.Stop()

	// 初始化 Router
	router := api.NewRouter(
		handler.NewJobHandler(engine),
		handler.NewPaymentHandler(engine, cfg.Sandbox.Prices),
		handler.NewWebSocketHandler(hub),
		&cfg.Sandbox,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Sandbox.Host, cfg.Sandbox.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Setup(),
	}

	if token, err := jwt.GenerateToken(*devUser, cfg.Sandbox.JWTSecret, 24); err == nil {
		log.Printf("Development token for user %d: %s", *devUser, token)
	}

	go func() {
		log.Printf("Sandbox server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 监听退出信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Sandbox shutdown complete")
}

// connectRedis embedded_redis 时在进程内启动 miniredis
func connectRedis(cfg *config.Config) (*redis.Client, func(), error) {
	if !cfg.Sandbox.EmbeddedRedis {
		rdb, err := database.NewRedis(&cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		return rdb, func() { rdb.Close() }, nil
	}

	mr, err := miniredis.Run()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded redis: %w", err)
	}
	log.Printf("Embedded redis listening on %s", mr.Addr())

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, func() {
		rdb.Close()
		mr.Close()
	}, nil
}
