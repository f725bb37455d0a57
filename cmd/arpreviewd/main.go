package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tabular/ar-preview/internal/arsession"
	"github.com/tabular/ar-preview/internal/bridge"
	"github.com/tabular/ar-preview/internal/config"
	"github.com/tabular/ar-preview/internal/index"
	"github.com/tabular/ar-preview/internal/logging"
	"github.com/tabular/ar-preview/internal/protocol"
	"github.com/tabular/ar-preview/internal/server"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		port        = flag.Int("port", 9100, "HTTP server port")
		dbPath      = flag.String("db", "", "Index database path")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version information")
		listModels  = flag.Bool("models", false, "List the model library and exit")
		listScenes  = flag.Bool("scenes", false, "List saved scenes and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("AR Preview Service\n")
		fmt.Printf("Version: %s\n", version)
		fmt.Printf("Build Time: %s\n", buildTime)
		fmt.Printf("Git Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Override config with command line flags
	if *port != 9100 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DatabasePath = *dbPath
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := logging.NewLogger(cfg.LogLevel)
	logger.Info("Starting AR Preview Service",
		"version", version,
		"port", cfg.Port,
		"db_path", cfg.DatabasePath,
		"log_level", cfg.LogLevel,
	)

	// Initialize persistence
	kv, err := index.NewBoltKV(cfg.DatabasePath)
	if err != nil {
		logger.Error("Failed to open index database", "error", err)
		os.Exit(1)
	}
	defer kv.Close()

	files, err := index.NewOSFileProvider(cfg.MediaRoot)
	if err != nil {
		logger.Error("Failed to open media root", "error", err)
		os.Exit(1)
	}

	indexMgr := index.NewManager(kv, files, logger)

	if *listModels {
		if err := printModels(indexMgr); err != nil {
			logger.Error("Failed to list models", "error", err)
			os.Exit(1)
		}
		return
	}

	if *listScenes {
		if err := printScenes(indexMgr); err != nil {
			logger.Error("Failed to list scenes", "error", err)
			os.Exit(1)
		}
		return
	}

	// Wire bridge and session machines
	b := bridge.New(logger)
	session := arsession.NewSession(b, indexMgr, logger, time.Duration(cfg.RequestTimeoutMs)*time.Millisecond)
	session.Wire(b.Registry())

	// Diagnostic tap on every inbound engine message
	b.Registry().OnAny(func(env protocol.Envelope) {
		logger.Debug("Engine message", "type", env.Type, "message_id", env.MessageID)
	})

	svc := server.NewService(cfg, logger, b, session, indexMgr, files, server.StaticPermissions{Camera: true})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      svc.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("AR preview service started",
			"port", cfg.Port,
			"endpoint", fmt.Sprintf("http://localhost:%d", cfg.Port),
			"engine_ws", fmt.Sprintf("ws://localhost:%d/ws/engine", cfg.Port),
		)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", "error", err)
		os.Exit(1)
	}

	logger.Info("Server stopped successfully")
}

func printModels(mgr *index.Manager) error {
	idx, err := mgr.GetModelIndex()
	if err != nil {
		return err
	}

	fmt.Printf("Models: %d (cap %d)\n\n", len(idx.Models), index.MaxModels)
	for _, m := range idx.Models {
		fmt.Printf("Model: %s\n", m.ID)
		fmt.Printf("   Name: %s\n", m.Name)
		fmt.Printf("   Category: %s\n", m.Category)
		fmt.Printf("   Bundled: %t\n", m.IsBundled)
		fmt.Printf("   Size: %d bytes\n", m.Metadata.FileSize)
		fmt.Printf("   Vertices: %d\n", m.Metadata.VertexCount)
		fmt.Printf("   Created: %s\n", m.CreatedAt.Format(time.RFC3339))
		fmt.Printf("   Last Used: %s\n", m.LastUsedAt.Format(time.RFC3339))
		fmt.Printf("\n")
	}
	return nil
}

func printScenes(mgr *index.Manager) error {
	idx, err := mgr.GetSceneIndex()
	if err != nil {
		return err
	}

	fmt.Printf("Scenes: %d (cap %d)\n\n", len(idx.Scenes), index.MaxScenes)
	for _, s := range idx.Scenes {
		fmt.Printf("Scene: %s\n", s.ID)
		fmt.Printf("   Name: %s\n", s.Name)
		fmt.Printf("   Objects: %d\n", len(s.Objects))
		fmt.Printf("   Anchor: %s (%s)\n", s.AnchorID, s.AnchorType)
		fmt.Printf("   Created: %s\n", s.CreatedAt.Format(time.RFC3339))
		fmt.Printf("   Updated: %s\n", s.UpdatedAt.Format(time.RFC3339))
		fmt.Printf("\n")
	}
	return nil
}
