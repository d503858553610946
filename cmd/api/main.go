package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"Nexlify/internal/auth"
	"Nexlify/internal/config"
	"Nexlify/internal/db"
	"Nexlify/internal/events"
	internalhttp "Nexlify/internal/http"
	"Nexlify/internal/live"
	"Nexlify/internal/mq"
	"Nexlify/internal/notify"
	"Nexlify/internal/obs"
	"Nexlify/internal/services"
	"Nexlify/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx := context.Background()
	shutdownTracer, err := obs.InitTracer(ctx, cfg.Otel.ServiceName+"-api", cfg.Otel.Endpoint, cfg.Otel.Insecure)
	if err != nil {
		log.Fatalf("tracer init failed: %v", err)
	}

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		log.Fatalf("auth init failed: %v", err)
	}

	st := store.New(pool)
	dispatcher := notify.Dispatcher{Tokens: st, Sender: newSender(ctx, cfg)}
	hub := live.NewHub(cfg.Live.SendBuffer, cfg.Server.CORSOrigins)
	defer hub.Close()

	sinks := events.Multi{hub}
	var queue events.Sink
	if cfg.Rabbit.URL != "" {
		pub, err := mq.NewPublisher(cfg.Rabbit.URL, cfg.Rabbit.Exchange)
		if err != nil {
			log.Fatalf("rabbit publisher failed: %v", err)
		}
		defer pub.Close()
		sinks = append(sinks, pub)
		queue = pub
		log.Printf("publishing events to exchange %s", cfg.Rabbit.Exchange)
	} else {
		sinks = append(sinks, notify.EventNotifier{Push: dispatcher})
		log.Printf("rabbit.url empty: delivering notifications inline")
	}

	meetupSvc := &services.MeetupService{Store: st, Events: sinks}

	h := internalhttp.NewHandler(meetupSvc, notify.Registry{Tokens: st}, dispatcher)
	h.Queue = queue
	h.Live = hub
	h.DB = pool
	h.Flags = map[string]bool{
		"jwt_secret_set":      cfg.Auth.JWTSecret != "",
		"firebase_configured": cfg.Firebase.ProjectID != "" || cfg.Firebase.CredentialsFile != "",
		"broker_configured":   cfg.Rabbit.URL != "",
		"redis_configured":    cfg.Redis.Addr != "",
		"tracing_enabled":     cfg.Otel.Endpoint != "",
	}
	srv := internalhttp.NewServer(h, verifier, cfg.Server.CORSOrigins)

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("api listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	_ = shutdownTracer(ctxShutdown)
}

func newSender(ctx context.Context, cfg *config.Config) notify.Sender {
	sender, err := notify.NewFCMSender(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		log.Printf("push disabled: %v", err)
		return notify.DisabledSender{}
	}
	return sender
}
