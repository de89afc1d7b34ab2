package main

import (
	"context"
	"log"
	"os"

	"github.com/datachat-io/datachat/internal/checkpoint"
	"github.com/datachat-io/datachat/internal/config"
	"github.com/datachat-io/datachat/internal/db"
	"github.com/datachat-io/datachat/internal/httpapi"
	"github.com/datachat-io/datachat/internal/httpapi/handlers"
	"github.com/datachat-io/datachat/internal/ledger"
	"github.com/datachat-io/datachat/internal/store/rabbitmq"
	"github.com/datachat-io/datachat/internal/store/redisstore"
	"github.com/datachat-io/datachat/internal/thread"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	pool := db.NewManager(db.PostgresOpener(cfg.DBDSN, db.Options{
		MinConns:       cfg.PoolMinConns,
		MaxConns:       cfg.PoolMaxConns,
		ConnectTimeout: cfg.PoolConnectTimeout,
		OpenTimeout:    cfg.PoolOpenTimeout,
		MaxIdleTime:    cfg.PoolMaxIdleTime,
		MaxLifetime:    cfg.PoolMaxLifetime,
	}))
	defer pool.Close()

	ledgerRepo := ledger.NewRepo(pool)
	if err := ledgerRepo.Migrate(ctx); err != nil {
		log.Fatalf("ledger migrate: %v", err)
	}

	rawStore := checkpoint.NewSQLStore(pool)
	if err := rawStore.Migrate(ctx); err != nil {
		log.Fatalf("checkpoint migrate: %v", err)
	}
	store := checkpoint.NewResilient(rawStore)

	threads := thread.NewService(ledgerRepo, store, cfg.ViewCacheTTL, cfg.ViewCacheErrorTTL)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()
	if err := rds.Ping(ctx); err != nil {
		log.Printf("[server] redis unavailable, analysis slots disabled: %v", err)
		rds = nil
	}

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit publisher: %v", err)
	}
	defer rabbit.Close()

	h := handlers.NewHandler(cfg, threads, rds, rabbit)
	r := httpapi.NewRouter(cfg, h)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("[server] listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
