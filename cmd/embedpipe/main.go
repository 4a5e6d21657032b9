package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/embedpipe/internal/cache"
	"github.com/xxxsen/embedpipe/internal/chunker"
	"github.com/xxxsen/embedpipe/internal/config"
	"github.com/xxxsen/embedpipe/internal/db"
	"github.com/xxxsen/embedpipe/internal/handler"
	"github.com/xxxsen/embedpipe/internal/job"
	"github.com/xxxsen/embedpipe/internal/manager"
	"github.com/xxxsen/embedpipe/internal/middleware"
	"github.com/xxxsen/embedpipe/internal/ollama"
	"github.com/xxxsen/embedpipe/internal/pipeline"
	"github.com/xxxsen/embedpipe/internal/schedule"
	"github.com/xxxsen/embedpipe/internal/vectorstore"
	"github.com/xxxsen/embedpipe/internal/watcher"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "embedpipe",
		Short: "embedpipe embedding pipeline server",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run embedpipe server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("--config is required")
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(
				cfg.LogConfig.File,
				cfg.LogConfig.Level,
				int(cfg.LogConfig.FileCount),
				int(cfg.LogConfig.FileSize),
				int(cfg.LogConfig.KeepDays),
				cfg.LogConfig.Console,
			)
			logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
			return runServer(cfg)
		},
	}

	runCmd.Flags().StringVar(&configPath, "config", "", "path to config.json")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

func buildStore(cfg *config.Config) (*vectorstore.DualStore, error) {
	var primary, secondary vectorstore.Backend
	if cfg.Database.Enable {
		conn, err := db.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		primary = vectorstore.NewPGBackend(conn, cfg.Qdrant.Dimension)
	}
	if cfg.Qdrant.Enable {
		backend, err := vectorstore.NewQdrantBackend(cfg.Qdrant)
		if err != nil {
			return nil, fmt.Errorf("init qdrant client: %w", err)
		}
		secondary = backend
	}
	return vectorstore.NewDualStore(primary, secondary), nil
}

func runServer(cfg *config.Config) error {
	ctx := context.Background()
	logutil.GetLogger(ctx).Info("starting server",
		zap.Int("port", cfg.Port),
		zap.String("model", cfg.Ollama.Model),
		zap.Bool("postgres", cfg.Database.Enable),
		zap.Bool("qdrant", cfg.Qdrant.Enable),
	)

	embedCache, err := cache.Open(
		cfg.Cache.Path,
		cfg.Cache.LRUSize,
		time.Duration(cfg.Cache.LRUTTLMinutes)*time.Minute,
	)
	if err != nil {
		return fmt.Errorf("open embedding cache: %w", err)
	}
	store, err := buildStore(cfg)
	if err != nil {
		return err
	}

	client := ollama.New(cfg.Ollama)
	pipe := pipeline.New(cfg.Pipeline, client, embedCache)
	ck := chunker.New(nil)

	var worker manager.SessionWorker
	if cfg.Watcher.Enable {
		worker = watcher.New(cfg.Watcher, ck, pipe)
	}
	mgr := manager.New(cfg, client, store, embedCache, pipe, worker, ck)
	if err := mgr.Initialize(ctx); err != nil {
		return fmt.Errorf("init manager: %w", err)
	}

	scheduler := schedule.NewCronScheduler()
	if cfg.Cache.PruneSpec != "" {
		if err := scheduler.AddJob(job.NewCachePruneJob(embedCache, cfg.Cache), cfg.Cache.PruneSpec); err != nil {
			return fmt.Errorf("schedule cache prune: %w", err)
		}
	}
	scheduler.Start(ctx)

	deps := handler.RouterDeps{
		Embed:  handler.NewEmbedHandler(mgr),
		Search: handler.NewSearchHandler(mgr),
		Admin:  handler.NewAdminHandler(mgr),
	}
	extra := []gin.HandlerFunc{
		middleware.CORS(),
		gzip.Gzip(gzip.DefaultCompression),
	}
	if cfg.RateLimitMS > 0 {
		extra = append(extra, middleware.RateLimit(time.Duration(cfg.RateLimitMS)*time.Millisecond))
	}
	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(extra...),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}
	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(ctx).Error("server error", zap.Error(err))
		}
	}()

	<-sigCtx.Done()
	logutil.GetLogger(ctx).Info("server stopping...")
	scheduler.Stop()
	mgr.Shutdown(ctx)
	return nil
}
