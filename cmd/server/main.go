package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/lmittmann/tint"

	"vidfetchgo/internal/config"
	"vidfetchgo/internal/extract"
	"vidfetchgo/internal/filestore"
	"vidfetchgo/internal/handler"
	"vidfetchgo/internal/manager"
	"vidfetchgo/internal/models"
	"vidfetchgo/internal/quota"
	"vidfetchgo/internal/status"
	"vidfetchgo/internal/transport"
	"vidfetchgo/internal/websocket"
)

func main() {
	cfg := config.LoadConfig()
	SetupLogger(cfg.LogLevel)

	files := filestore.New(cfg.DownloadDir, cfg.RetentionWindow, cfg.SweepInterval, cfg.DiskCeilingBytes, cfg.MinFreeBytes)
	if err := files.Rescan(); err != nil {
		slog.Warn("Could not rescan download directory", "error", err)
	}

	tracker := quota.New(cfg.MaxGlobalConcurrent, cfg.MaxUserConcurrent, cfg.MaxUserDaily)
	hub := websocket.NewHub()
	go hub.Run()

	mgr := manager.New(manager.Config{
		MaxFileSize:    cfg.MaxFileSize,
		StallTimeout:   cfg.StallTimeout,
		JobRetention:   cfg.JobRetention,
		BlockedDomains: cfg.BlockedDomains,
		AllowedExts:    cfg.AllowedExts,
	}, tracker, files, extract.New(), transport.NewLocal(cfg.MaxFileSize, hub))
	mgr.SetUpdateCallback(func(j *models.Job) {
		hub.BroadcastJob(j)
	})

	bg, stopBackground := context.WithCancel(context.Background())
	go files.Run(bg)
	go mgr.Run(bg)

	reporter := status.New(tracker, files)

	r := chi.NewRouter()
	r.Get("/", handler.StatusHandler(reporter))
	r.Post("/downloads", handler.SubmitHandler(mgr))
	r.Get("/downloads", handler.ListJobsHandler(mgr))
	r.Get("/downloads/{id}", handler.GetJobHandler(mgr))
	r.Delete("/downloads/{id}", handler.CancelJobHandler(mgr))
	r.Get("/admin/stats", handler.StatsHandler(tracker, files))
	r.Post("/admin/cleanup", handler.ForceCleanupHandler(files))
	r.Handle("/files/*", http.StripPrefix("/files/", http.FileServer(http.Dir(cfg.DownloadDir))))
	r.Get("/ws", hub.WsHandler)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	done := make(chan bool, 1)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		slog.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()

		if err := mgr.Shutdown(ctx); err != nil {
			slog.Error("Jobs did not stop within the grace period", "error", err)
		}
		stopBackground()

		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Server forced to shutdown")
		}
		done <- true
	}()

	slog.Info("Server starting", "port", cfg.Port, "downloadDir", cfg.DownloadDir)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("Failed to start server")
	}
	<-done
	slog.Info("Server exited")
}

func SetupLogger(level slog.Level) {
	handler := tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02 15:04:05",
		AddSource:  true,
	})

	slog.SetDefault(slog.New(handler))
}
