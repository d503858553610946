package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"Nexlify/internal/config"
	"Nexlify/internal/db"
	"Nexlify/internal/dedupe"
	"Nexlify/internal/events"
	"Nexlify/internal/notify"
	"Nexlify/internal/obs"
	"Nexlify/internal/store"
	"Nexlify/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if cfg.Rabbit.URL == "" {
		log.Fatalf("rabbit.url is required for the worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, cfg.Otel.ServiceName+"-worker", cfg.Otel.Endpoint, cfg.Otel.Insecure)
	if err != nil {
		log.Fatalf("tracer init failed: %v", err)
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(c)
	}()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	st := store.New(pool)
	sender, err := notify.NewFCMSender(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Fatalf("fcm init failed: %v", err)
	}
	dispatcher := notify.Dispatcher{Tokens: st, Sender: sender}

	var seen dedupe.Set
	if cfg.Redis.Addr != "" {
		r := dedupe.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.DedupeTTL())
		defer r.Close()
		if err := r.Client.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping failed: %v", err)
		}
		seen = r
	} else {
		log.Printf("redis.addr empty: using in-memory dedupe")
		seen = dedupe.NewMemory(cfg.DedupeTTL())
	}

	w := &worker.Worker{
		URL:        cfg.Rabbit.URL,
		Exchange:   cfg.Rabbit.Exchange,
		Queue:      cfg.Rabbit.Queue,
		Bindings:   []string{"meetup.*", events.RKMessageCreated},
		Prefetch:   cfg.Rabbit.Prefetch,
		RetryDelay: 3 * time.Second,
		Notifier:   notify.EventNotifier{Push: dispatcher},
		Dedupe:     seen,
	}

	log.Printf("worker started (queue=%s)", cfg.Rabbit.Queue)
	w.Run(ctx)
	log.Printf("worker stopped")
}
