package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"

	"conveyor/features/importjob"
	"conveyor/features/job"
	"conveyor/features/stats"
	"conveyor/internal/config"
	"conveyor/internal/dispatcher"
	"conveyor/internal/middleware"
	"conveyor/internal/workerclient"
)

type App struct {
	Handler    http.Handler
	Dispatcher *dispatcher.Dispatcher

	port int
}

func New(cfg *config.Config, db *sql.DB, statusPub job.StatusPublisher) (*App, error) {
	// Feature: Job (generic queue)
	jobRepo := job.NewPostgresRepo(db)
	jobService := job.NewService(jobRepo, statusPub)
	jobHandler := job.NewHandler(jobService)

	// Feature: Import job (pull-driven batches)
	reviewStore := importjob.NewPostgresReviewStore(db)
	rowProcessor := importjob.NewReviewRowProcessor(reviewStore)
	importRepo := importjob.NewPostgresRepo(db)
	importService := importjob.NewService(importRepo, rowProcessor)
	importHandler := importjob.NewHandler(importService)

	// Feature: Stats
	statsHandler := stats.NewHandler(jobRepo, importRepo)

	// Dispatcher + worker contract
	worker := workerclient.New(cfg.WorkerBaseURL, cfg.WorkerSecret)
	disp := dispatcher.New(jobRepo, worker)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Worker callbacks sit behind the shared secret.
	workerOnly := func(next http.HandlerFunc) http.HandlerFunc {
		return middleware.WorkerSecret(cfg.WorkerSecret, next)
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /jobs", middleware.CorrelationID(enableCORS(jobHandler.Create)))
	mux.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))
	mux.Handle("POST /jobs/{id}/cancel", middleware.CorrelationID(enableCORS(jobHandler.Cancel)))

	mux.Handle("POST /jobs/{id}/complete", middleware.CorrelationID(workerOnly(jobHandler.Complete)))
	mux.Handle("POST /jobs/{id}/fail", middleware.CorrelationID(workerOnly(jobHandler.Fail)))
	mux.Handle("POST /jobs/{id}/progress", middleware.CorrelationID(workerOnly(jobHandler.Progress)))

	mux.Handle("POST /import-jobs", middleware.CorrelationID(enableCORS(importHandler.Create)))
	mux.Handle("GET /import-jobs/{id}", middleware.CorrelationID(enableCORS(importHandler.Get)))
	mux.Handle("POST /import-jobs/{id}/process", middleware.CorrelationID(enableCORS(importHandler.Process)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	// External-scheduler trigger for deployments that do not run the
	// internal ticker.
	mux.Handle("POST /dispatcher/tick", middleware.CorrelationID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := disp.Tick(r.Context()); err != nil {
			http.Error(w, "tick failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:    mux,
		Dispatcher: disp,
		port:       cfg.ServerPort,
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.port),
		Handler: a.Handler,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", a.port)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
