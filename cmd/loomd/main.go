// loomd runs the workflow orchestration engine as a long-lived process.
//
// Usage:
//
//	loomd serve                     # start the engine
//	loomd serve --config loom.yaml  # with a config file
//	loomd version                   # print version information
//	loomd health                    # probe a running instance
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/queryloom/loom/config"
	"github.com/queryloom/loom/engine"
	"github.com/queryloom/loom/internal/telemetry"
	"github.com/queryloom/loom/registry"
	"github.com/queryloom/loom/statestore"
	"github.com/queryloom/loom/workflow"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting loomd",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
	)

	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	store, err := buildStateStore(cfg.State, logger)
	if err != nil {
		logger.Fatal("failed to open state store", zap.Error(err))
	}
	cache, err := buildResultCache(cfg.Cache, logger)
	if err != nil {
		logger.Fatal("failed to open result cache", zap.Error(err))
	}

	eng := engine.New(engineConfig(cfg),
		engine.WithStore(store),
		engine.WithResultCache(cache),
		engine.WithLogger(logger),
	)

	if err := loadWorkflows(eng, cfg.Workflows.Paths, logger); err != nil {
		logger.Fatal("failed to load workflow definitions", zap.Error(err))
	}

	server := NewServer(cfg, eng, logger, otelProviders)
	if err := server.Start(); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
	server.WaitForShutdown()

	logger.Info("loomd stopped")
}

func engineConfig(cfg *config.Config) engine.Config {
	ec := engine.DefaultConfig()
	ec.DefaultStepTimeout = cfg.Engine.DefaultStepTimeout
	ec.DefaultWorkflowTimeout = cfg.Engine.DefaultWorkflowTimeout
	ec.SuccessPolicy = engine.SuccessPolicy{
		RequireAll:   cfg.Engine.RequireAllSteps,
		MinSuccesses: cfg.Engine.MinSuccessfulSteps,
	}
	ec.Breaker.FailureThreshold = cfg.Breaker.FailureThreshold
	ec.Breaker.ResetTimeout = cfg.Breaker.ResetTimeout
	ec.Queue.Workers = cfg.Queue.Workers
	ec.Queue.QueueCapacity = cfg.Queue.QueueCapacity
	ec.Queue.DrainTimeout = cfg.Queue.DrainTimeout
	return ec
}

func buildStateStore(cfg config.StateConfig, logger *zap.Logger) (statestore.Store, error) {
	switch cfg.Backend {
	case "memory":
		return statestore.NewMemoryStore(), nil
	case "sql":
		return statestore.OpenSQL(statestore.SQLConfig{
			Driver: cfg.SQLDriver,
			DSN:    cfg.DSN,
		}, logger)
	case "redis":
		return statestore.NewRedisStore(statestore.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		}, logger)
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return statestore.NewMongoStore(ctx, statestore.MongoConfig{
			URI:      cfg.MongoURI,
			Database: cfg.MongoDatabase,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

func buildResultCache(cfg config.CacheConfig, logger *zap.Logger) (registry.ResultCache, error) {
	switch cfg.Backend {
	case "memory":
		return registry.NewMemoryCache(time.Minute), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis cache: %w", err)
		}
		return registry.NewRedisCache(client, "loom:cache:", logger), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

func loadWorkflows(eng *engine.Engine, paths []string, logger *zap.Logger) error {
	for _, path := range paths {
		def, err := workflow.LoadDefinition(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		if err := eng.RegisterWorkflow(def); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
		logger.Info("workflow registered",
			zap.String("workflow_id", def.ID()),
			zap.String("path", path),
		)
	}
	return nil
}

func runHealthCheck(args []string) {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9090", "Server address")
	fs.Parse(args)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/healthz")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status %d\n", resp.StatusCode)
		os.Exit(1)
	}
	fmt.Println("OK")
}

func printVersion() {
	fmt.Printf("loomd %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`loomd - workflow orchestration engine

Usage:
  loomd <command> [options]

Commands:
  serve     Start the engine
  version   Show version information
  health    Check a running instance
  help      Show this help message

Options for 'serve':
  --config <path>   Path to configuration file (YAML)

Examples:
  loomd serve
  loomd serve --config /etc/loom/loom.yaml
  loomd health --addr http://localhost:9090
  loomd version`)
}
