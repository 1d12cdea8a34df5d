// Fluxion entry point.
//
// Usage:
//
//	fluxion run --workflow wf.yaml            # execute one workflow
//	fluxion serve --config fluxion.yaml       # webhook/websocket server
//	fluxion version
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/glebarez/sqlite"

	"github.com/fluxion-engine/fluxion/config"
	"github.com/fluxion-engine/fluxion/engine"
	"github.com/fluxion-engine/fluxion/history"
	"github.com/fluxion-engine/fluxion/internal/metrics"
	"github.com/fluxion-engine/fluxion/nodes"
	"github.com/fluxion-engine/fluxion/realtime"
	"github.com/fluxion-engine/fluxion/registry"
	"github.com/fluxion-engine/fluxion/sandbox"
	"github.com/fluxion-engine/fluxion/trigger"
	"github.com/fluxion-engine/fluxion/types"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runWorkflow(os.Args[2:])
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("fluxion %s (built %s)\n", Version, BuildTime)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// runtime bundles everything a command needs to execute workflows.
type runtime struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	engine   *engine.Engine
	manager  *trigger.Manager
	hub      *realtime.Hub
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := initLogger(cfg.Log)

	promReg := prometheus.NewRegistry()
	collector := metrics.NewCollector(cfg.Metrics.Namespace, promReg)

	reg := registry.New(logger)

	sandboxExec := sandbox.NewExecutor(sandbox.Config{
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
		NodePath:       cfg.Sandbox.NodePath,
	}, logger)

	hub := realtime.NewHub(logger)

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithMetrics(collector),
		engine.WithWorkerPool(cfg.Engine.Workers, cfg.Engine.QueueSize),
		engine.WithPublisher(hub),
	}

	if cfg.History.Enabled {
		db, err := gorm.Open(sqlite.Open(cfg.History.DSN), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("opening history database: %w", err)
		}
		store, err := history.NewStore(db, logger)
		if err != nil {
			return nil, err
		}
		opts = append(opts, engine.WithHistory(store))
	}

	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		opts = append(opts, engine.WithPublisher(
			realtime.NewRedisPublisher(client, cfg.Redis.KeyPrefix, logger)))
	}

	eng := engine.New(reg, opts...)

	manager := trigger.NewManager(eng, trigger.Config{
		WebhookRate:  cfg.Webhook.Rate,
		WebhookBurst: cfg.Webhook.Burst,
	}, collector, logger)

	err := nodes.RegisterBuiltins(reg, nodes.Options{
		Sandbox:        sandboxExec,
		SandboxTimeout: cfg.Sandbox.DefaultTimeout,
		CallWorkflow:   manager.CallSubWorkflow,
	})
	if err != nil {
		return nil, err
	}

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: promReg,
		engine:   eng,
		manager:  manager,
		hub:      hub,
	}, nil
}

func runWorkflow(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	workflowPath := fs.String("workflow", "", "Path to workflow YAML")
	seedJSON := fs.String("seed", "", "Seed items as a JSON array")
	fs.Parse(args)

	if *workflowPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --workflow")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	rt, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.engine.Close()
	defer rt.logger.Sync()

	wf, err := loadWorkflow(*workflowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load workflow: %v\n", err)
		os.Exit(1)
	}
	if err := rt.manager.Activate(wf); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to activate workflow: %v\n", err)
		os.Exit(1)
	}

	var seed types.Batch
	if *seedJSON != "" {
		if err := json.Unmarshal([]byte(*seedJSON), &seed); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid --seed: %v\n", err)
			os.Exit(1)
		}
	}

	res, runErr := rt.manager.RunManual(context.Background(), wf.ID, seed)
	if res != nil {
		printResult(res)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run failed: %v\n", runErr)
		os.Exit(1)
	}
}

func printResult(res *engine.RunResult) {
	out := struct {
		ExecutionID string                      `json:"execution_id"`
		Status      types.RunStatus             `json:"status"`
		Error       string                      `json:"error,omitempty"`
		Nodes       []types.NodeExecutionResult `json:"nodes"`
	}{
		ExecutionID: res.State.ExecutionID,
		Status:      res.State.Status,
		Error:       res.State.Error,
		Nodes:       res.Results,
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode result: %v\n", err)
		return
	}
	fmt.Println(string(encoded))
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	listen := fs.String("listen", ":8080", "HTTP listen address")
	workflowDir := fs.String("workflows", "", "Directory of workflow YAML files to activate")
	fs.Parse(args)

	cfg := loadConfig(*configPath)
	rt, err := buildRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	defer rt.engine.Close()
	defer rt.logger.Sync()

	logger := rt.logger
	logger.Info("starting fluxion",
		zap.String("version", Version),
		zap.String("listen", *listen),
	)

	if *workflowDir != "" {
		if err := activateDirectory(rt, *workflowDir); err != nil {
			logger.Fatal("activating workflows failed", zap.Error(err))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/hooks/", webhookHandler(rt))
	mux.Handle("/ws", rt.hub)
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "OK")
	})

	srv := &http.Server{
		Addr:         *listen,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		logger.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	rt.hub.Close()
	logger.Info("fluxion stopped")
}

// webhookHandler adapts HTTP deliveries into trigger manager calls.
func webhookHandler(rt *runtime) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/hooks")
		if path == "" {
			path = "/"
		}

		headers := make(map[string]string, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}
		query := make(map[string]string)
		for name, vals := range r.URL.Query() {
			if len(vals) > 0 {
				query[name] = vals[0]
			}
		}

		var body any
		if r.Body != nil {
			var decoded any
			if err := json.NewDecoder(r.Body).Decode(&decoded); err == nil {
				body = decoded
			}
		}

		res, err := rt.manager.HandleWebhook(r.Context(), trigger.WebhookRequest{
			Method:  r.Method,
			Path:    path,
			Headers: headers,
			Query:   query,
			Body:    body,
		})
		if err != nil {
			status := http.StatusBadRequest
			switch types.KindOf(err) {
			case types.ErrKindSecurity:
				status = http.StatusUnauthorized
			case types.ErrKindNetwork:
				status = http.StatusTooManyRequests
			}
			http.Error(w, err.Error(), status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"execution_id": res.State.ExecutionID,
			"status":       res.State.Status,
		})
	})
}

func activateDirectory(rt *runtime, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading workflow directory: %w", err)
	}
	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		wf, err := loadWorkflow(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		if err := rt.manager.Activate(wf); err != nil {
			return fmt.Errorf("activating %s: %w", wf.ID, err)
		}
		rt.logger.Info("workflow activated",
			zap.String("workflow_id", wf.ID),
			zap.String("file", entry.Name()),
		)
	}
	return nil
}

func loadConfig(path string) *config.Config {
	loader := config.NewLoader().WithEnvPrefix("FLUXION")
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func loadWorkflow(path string) (*types.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	var wf types.Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing workflow %s: %w", path, err)
	}
	if wf.ID == "" {
		wf.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &wf, nil
}

func initLogger(cfg config.LogConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func printUsage() {
	fmt.Println(`Fluxion - workflow execution engine

Usage:
  fluxion <command> [options]

Commands:
  run       Execute one workflow and print the result
  serve     Start the webhook/websocket server
  version   Show version information
  help      Show this help message

Options for 'run':
  --workflow <path>  Workflow YAML file (required)
  --config <path>    Configuration file
  --seed <json>      Seed items as a JSON array

Options for 'serve':
  --config <path>     Configuration file
  --listen <addr>     HTTP listen address (default :8080)
  --workflows <dir>   Directory of workflow YAML files to activate

Examples:
  fluxion run --workflow examples/hello.yaml
  fluxion run --workflow wf.yaml --seed '[{"name":"ada"}]'
  fluxion serve --config /etc/fluxion/config.yaml --workflows ./workflows`)
}
