package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"qrattend/internal/config"
	"qrattend/internal/queue"
	"qrattend/internal/report"
	"qrattend/internal/store"
)

// Worker consumes accepted-scan events and maintains the daily per-session
// rollups used by reporting endpoints.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "qrattend:scans")
	}

	reports := report.NewRepository(db.Client)

	msgs, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume failed: %v", err)
	}

	log.Println("worker started")
	for msg := range msgs {
		if msg.Type != "scan" {
			continue
		}
		ev, err := queue.DecodeScanEvent(msg)
		if err != nil {
			log.Printf("bad scan event: %v", err)
			continue
		}
		if err := reports.Increment(ctx, ev.SessionID, ev.ScannedAt); err != nil {
			log.Printf("rollup update failed for session %s: %v", ev.SessionID, err)
		}
	}
	log.Println("worker stopped")
}
