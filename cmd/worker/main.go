package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/datachat-io/datachat/internal/agent"
	"github.com/datachat-io/datachat/internal/checkpoint"
	"github.com/datachat-io/datachat/internal/config"
	"github.com/datachat-io/datachat/internal/db"
	"github.com/datachat-io/datachat/internal/store/redisstore"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	pool := db.NewManager(db.PostgresOpener(cfg.DBDSN, db.Options{
		MinConns:       cfg.PoolMinConns,
		MaxConns:       cfg.PoolMaxConns,
		ConnectTimeout: cfg.PoolConnectTimeout,
		OpenTimeout:    cfg.PoolOpenTimeout,
		MaxIdleTime:    cfg.PoolMaxIdleTime,
		MaxLifetime:    cfg.PoolMaxLifetime,
	}))
	defer pool.Close()

	store := checkpoint.NewResilient(checkpoint.NewSQLStore(pool))

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	// Runner registry (route by AGENT_RUNNER)
	reg := agent.NewRegistry()
	reg.Register("openrouter", func(ctx context.Context) (agent.Runner, error) {
		_ = ctx
		return agent.NewOpenRouterRunner(cfg.OpenRouterBaseURL, cfg.OpenRouterAPIKey, cfg.OpenRouterModel, store), nil
	})

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// Same topology as the publisher so either side can start first.
	_, err = ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	})
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}
	if _, err := ch.QueueDeclare(cfg.RabbitQueue+".dlq", true, false, false, false, nil); err != nil {
		log.Fatalf("dlq declare: %v", err)
	}

	//  strict concurrency control
	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d runner=%s", cfg.RabbitQueue, concurrency, cfg.AgentRunner)

	// worker pool
	runs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range runs {
				var req agent.RunRequest
				if err := json.Unmarshal(d.Body, &req); err != nil || req.RunID == "" || req.ThreadID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleRun(ctx, cfg, reg, rds, req); err != nil {
					log.Printf("worker=%d run %s failed cost=%s err=%v", workerID, req.RunID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed run=%s err=%v", workerID, req.RunID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(runs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			runs <- d
		}
	}
}

func handleRun(ctx context.Context, cfg config.Config, reg *agent.Registry, rds *redisstore.Store, req agent.RunRequest) error {
	defer func() {
		if err := rds.ReleaseSlot(context.Background(), req.Email); err != nil {
			log.Printf("slot release failed run=%s email=%s err=%v", req.RunID, req.Email, err)
		}
	}()

	runner, err := reg.Get(ctx, cfg.AgentRunner)
	if err != nil {
		return err
	}

	start := time.Now()
	err = runner.Run(ctx, req)
	if total := time.Since(start); total > 2*time.Second || err != nil {
		log.Printf("run_timing run=%s thread=%s total=%s err=%v", req.RunID, req.ThreadID, total, err)
	}
	return err
}
