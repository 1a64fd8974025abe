package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/mangovision/mango-api/internal/config"
	"github.com/mangovision/mango-api/internal/detect"
	"github.com/mangovision/mango-api/internal/handlers"
	"github.com/mangovision/mango-api/internal/metrics"
	"github.com/mangovision/mango-api/internal/model"
	"github.com/mangovision/mango-api/internal/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	if cfg.OnnxLibPath != "" {
		ort.SetSharedLibraryPath(cfg.OnnxLibPath)
	}

	modelDir := resolveModelDir(cfg.ModelDir)
	logger.Info("loading models", zap.String("dir", modelDir))

	registry, err := model.NewRegistry(modelDir, logger)
	if err != nil {
		logger.Fatal("failed to initialize model registry", zap.Error(err))
	}
	defer registry.Close()

	metricsSource := metrics.NewSource(modelDir)
	engine := detect.NewEngine(registry, metricsSource, cfg.MangoThreshold, logger)

	var history handlers.History
	if cfg.HistoryDB != "" {
		st, err := store.Open(cfg.HistoryDB)
		if err != nil {
			logger.Fatal("failed to open history database", zap.Error(err))
		}
		defer st.Close()
		history = st
		logger.Info("detection history enabled", zap.String("db", cfg.HistoryDB))
	}

	handler := handlers.NewHandler(engine, registry, metricsSource, history, logger, cfg.MaxUploadBytes)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler.Register(router, cfg.CORSOrigins)

	srv := &http.Server{
		Addr:           ":" + cfg.Port,
		Handler:        router,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	status := registry.Status()
	logger.Info("server starting",
		zap.String("port", cfg.Port),
		zap.Bool("model_present", status.ModelPresent),
		zap.Bool("svm_present", status.SVMPresent),
		zap.Bool("rf_present", status.RFPresent))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited")
}

// resolveModelDir makes a relative model dir work both from the repo root
// and from cmd/server.
func resolveModelDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	if _, err := os.Stat(dir); err == nil {
		return dir
	}
	wd, err := os.Getwd()
	if err != nil {
		return dir
	}
	if filepath.Base(wd) == "server" {
		return filepath.Join(wd, "../..", dir)
	}
	return dir
}
