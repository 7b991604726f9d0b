package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"audiosplit/cache"
	"audiosplit/config"
	"audiosplit/core/audio"
	"audiosplit/core/splitter"
	"audiosplit/core/workspace"
	"audiosplit/logger"
	"audiosplit/storage"

	"github.com/gorilla/mux"
)

// NewRouter registers the API routes and wraps them with the shared middleware.
func NewRouter(h *APIHandler) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/split-audio", h.SplitAudioHandler).Methods(http.MethodPost)
	router.HandleFunc("/split-audio-base64", h.SplitAudioBase64Handler).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{sessionId}", h.GetSessionHandler).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{sessionId}", h.DeleteSessionHandler).Methods(http.MethodDelete)

	return accessLogMiddleware(recoverMiddleware(corsMiddleware(router)))
}

// NewService builds the split service and its optional MinIO and Redis backends.
// The returned cleanup closes whatever was opened.
func NewService(ctx context.Context, cfg *config.Config) (*splitter.Service, func(), error) {
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create work directory %s: %w", cfg.WorkDir, err)
	}

	var (
		publisher splitter.SegmentPublisher
		manifests splitter.ManifestStore
		closers   []func()
	)

	if cfg.ReferenceDeliveryEnabled() {
		store, err := storage.NewSegmentStore(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		publisher = store
	}

	if cfg.ManifestCacheEnabled() {
		client, err := cache.NewClient(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, func() { client.Close() })
		manifests = cache.NewManifestCache(client, cfg.ManifestTTL)
		logger.Info("Redis manifest cache ready",
			logger.String("addr", cfg.RedisHost+":"+cfg.RedisPort))
	}

	svc := splitter.NewService(
		workspace.NewManager(cfg.WorkDir),
		audio.NewFFmpegProcessor(cfg.FFmpegPath, cfg.FFmpegTimeout),
		publisher,
		manifests,
		splitter.Options{
			SegmentExt:         cfg.SegmentExt,
			DefaultSegmentTime: cfg.DefaultSegmentTime,
			MaxSegmentTime:     cfg.MaxSegmentTime,
			MaxConcurrentJobs:  cfg.MaxConcurrentJobs,
			AdmissionTimeout:   cfg.AdmissionTimeout,
		},
	)

	cleanup := func() {
		for _, c := range closers {
			c()
		}
	}
	return svc, cleanup, nil
}

// Start runs the HTTP server until SIGINT or SIGTERM.
func Start(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, cleanup, err := NewService(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(NewAPIHandler(svc, cfg.MaxBodyBytes)),
		ReadHeaderTimeout: 10 * time.Second,
		// A request may wait for a slot, then for ffmpeg, then upload its response.
		WriteTimeout: cfg.AdmissionTimeout + cfg.FFmpegTimeout + 2*time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Server starting",
			logger.String("addr", server.Addr),
			logger.String("ffmpeg", cfg.FFmpegPath),
			logger.String("workDir", cfg.WorkDir),
			logger.Int("maxConcurrentJobs", cfg.MaxConcurrentJobs),
			logger.Bool("referenceDelivery", cfg.ReferenceDeliveryEnabled()),
			logger.Bool("manifestCache", cfg.ManifestCacheEnabled()))

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("Server stopped")
	return nil
}
