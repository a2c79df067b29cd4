package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"shipyard/api/auth"
	"shipyard/api/backend"
	"shipyard/api/config"
	"shipyard/api/docker"
	"shipyard/api/handler"
	"shipyard/api/health"
	"shipyard/api/hub"
	"shipyard/api/metrics"
	"shipyard/api/orchestrator"
	"shipyard/api/saga"
	"shipyard/api/secrets"
	"shipyard/api/storage"
	"shipyard/api/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(db); err != nil {
		log.Fatalf("migration: %v", err)
	}
	sagas := saga.NewPostgresStore(db.Pool())
	if err := sagas.Migrate(ctx); err != nil {
		log.Fatalf("migration: %v", err)
	}

	if n, err := db.RecoverInFlightRuns(ctx); err != nil {
		log.Printf("WARNING: run recovery: %v", err)
	} else if n > 0 {
		log.Printf("marked %d interrupted run(s) as failed", n)
	}

	ws := hub.New(cfg.Origins())

	m := metrics.New()

	checks := []health.Check{{Name: "postgres", Fn: db.Ping}}

	scheduler, schedChecks, err := backend.Scheduler(ctx, cfg)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	checks = append(checks, schedChecks...)

	var build orchestrator.BuildFunc
	var images orchestrator.ImageRemover
	dc, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Printf("WARNING: docker unavailable (%v), deploys disabled", err)
		checks = append(checks, health.Check{Name: "docker"})
	} else {
		defer dc.Close()
		checks = append(checks, health.Check{Name: "docker", Fn: dc.Ping})

		builder, err := backend.Builder(ctx, cfg, dc)
		if err != nil {
			log.Fatalf("registry: %v", err)
		}
		build = builder.Build
		if !cfg.KeepImages {
			images = dc
		}
	}

	sec := secrets.NewManager(cfg.DescriptorsDir)

	orch := &orchestrator.Orchestrator{
		Scheduler:      scheduler,
		SagaStore:      sagas,
		WS:             ws,
		Runs:           db,
		Images:         images,
		Secrets:        sec,
		Metrics:        m,
		Defaults:       cfg.Defaults(),
		Locker:         orchestrator.NewLocker(),
		CleanupTimeout: cfg.CleanupTimeout,
	}

	if cfg.S3Endpoint != "" {
		s3Client, err := storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
			Bucket:    cfg.S3Bucket,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v)", err)
		} else if err := s3Client.EnsureBucket(ctx); err != nil {
			log.Printf("WARNING: S3 bucket %s: %v", cfg.S3Bucket, err)
		} else {
			orch.Archive = s3Client
			checks = append(checks, health.Check{Name: "s3", Fn: s3Client.Healthy})
			log.Println("S3 storage connected at " + cfg.S3Endpoint)
		}
	}

	poller := &health.Poller{Checks: checks, WS: ws}
	pollerCtx, pollerCancel := context.WithCancel(ctx)
	defer pollerCancel()
	go poller.Run(pollerCtx)

	h := handler.New(cfg, db, orch.SagaStore, orch, build, poller, sec)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Origins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "Cf-Access-Jwt-Assertion", "X-Shipyard-User"},
		AllowCredentials: true,
	}))

	// CF Access JWT validation (when configured)
	if cfg.CFAccessTeamDomain != "" && cfg.CFAccessAUD != "" {
		r.Use(auth.NewAccessValidator(cfg.CFAccessTeamDomain, cfg.CFAccessAUD).Middleware)
		log.Println("CF Access auth enabled")
	}

	// Optional bearer token auth when SHIPYARD_API_TOKEN is set
	if cfg.APIToken != "" {
		r.Use(auth.BearerToken(cfg.APIToken, "/ws", "/metrics", "/api/health", "/api/version"))
		log.Println("API token auth enabled")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"version": Version, "backend": cfg.Backend})
		})
		r.Get("/services", h.ListServices)
		r.Get("/validate", h.ValidateAllServices)
		r.Route("/services/{service}", func(r chi.Router) {
			r.Use(handler.ValidateServiceName)
			r.Method("POST", "/deploy", m.Instrument("deploy", http.HandlerFunc(h.Deploy)))
			r.Get("/secrets", h.ListSecrets)
		})
		r.With(handler.ValidateServiceName).Get("/validate/{service}", h.ValidateService)
		r.Get("/runs", h.ListRuns)
		r.Get("/runs/{id}", h.GetRun)
		r.Get("/saga", h.ListSagaEvents)
		r.Get("/saga/{sagaId}", h.GetSaga)
	})

	r.Handle("/metrics", m.Handler())
	r.Get("/ws", ws.HandleConnect)

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Printf("shipyard %s listening on %s:%s", Version, cfg.BindAddr, cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	log.Println("waiting for in-flight runs...")
	orch.Wait()
	ws.Close()
}
