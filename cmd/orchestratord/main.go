// Command orchestratord wires the plan repository, decomposer, executor,
// job manager, session store, structured action agent, and HTTP server into
// one running process.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/orchestrator-ai/planner/internal/agent"
	"github.com/orchestrator-ai/planner/internal/config"
	"github.com/orchestrator-ai/planner/internal/decomposer"
	"github.com/orchestrator-ai/planner/internal/executor"
	"github.com/orchestrator-ai/planner/internal/httpapi"
	"github.com/orchestrator-ai/planner/internal/job"
	"github.com/orchestrator-ai/planner/internal/llm"
	"github.com/orchestrator-ai/planner/internal/llm/anthropicllm"
	"github.com/orchestrator-ai/planner/internal/llm/openaillm"
	"github.com/orchestrator-ai/planner/internal/plan"
	"github.com/orchestrator-ai/planner/internal/planfiles"
	"github.com/orchestrator-ai/planner/internal/regstore"
	"github.com/orchestrator-ai/planner/internal/session"
	"github.com/orchestrator-ai/planner/internal/tools"
	"github.com/orchestrator-ai/planner/internal/tools/graphrag"
	"github.com/orchestrator-ai/planner/internal/tools/websearch"
)

func configureLogger(logLevel string, dev bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if dev {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// newLLMClient builds the provider adapter named by cfg.Provider. Each of
// the conversation/decomposition/executor LLMs is wired independently, per
// internal/llm's documented "never shares a rate limit, model, or API key"
// contract.
func newLLMClient(cfg config.LLMConfig, maxTokens int) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "anthropic":
		return anthropicllm.NewFromAPIKey(cfg.APIKey, cfg.Model, maxTokens, 0)
	case "openai":
		return openaillm.NewFromAPIKey(cfg.APIKey, cfg.Model, maxTokens, 0)
	default:
		return nil, fmt.Errorf("orchestratord: unknown llm provider %q", cfg.Provider)
	}
}

func main() {
	configPath := flag.String("config", "orchestratord.toml", "path to config file")
	dev := flag.Bool("dev", false, "use text log format (default is JSON)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("orchestratord starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = configureLogger(cfg.General.LogLevel, *dev)
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.General.DataRoot, 0o755); err != nil {
		logger.Error("failed to create data root", "path", cfg.General.DataRoot, "error", err)
		os.Exit(1)
	}

	reg, err := regstore.Open(filepath.Join(cfg.General.DataRoot, "registry.db"))
	if err != nil {
		logger.Error("failed to open registry store", "error", err)
		os.Exit(1)
	}
	defer reg.Close()

	files, err := planfiles.New(cfg.General.DataRoot, cfg.General.MaxPlanFiles)
	if err != nil {
		logger.Error("failed to open plan files cache", "error", err)
		os.Exit(1)
	}
	defer files.Close()

	jobStore, err := job.Open(filepath.Join(cfg.General.DataRoot, "jobs.db"))
	if err != nil {
		logger.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer jobStore.Close()

	repo := plan.New(reg, files, cfg.General.DataRoot)
	sessions := session.New(reg)
	jobs := job.New(jobStore, reg, 256)

	decompClient, err := newLLMClient(cfg.Decomposition.LLM, 4096)
	if err != nil {
		logger.Error("failed to build decomposition llm client", "error", err)
		os.Exit(1)
	}
	execClient, err := newLLMClient(cfg.Executor.LLM, 4096)
	if err != nil {
		logger.Error("failed to build executor llm client", "error", err)
		os.Exit(1)
	}

	dec, err := decomposer.New(repo, decompClient, cfg.Decomposition.LLM.Model, 4096)
	if err != nil {
		logger.Error("failed to build decomposer", "error", err)
		os.Exit(1)
	}
	exec := executor.New(repo, execClient, cfg.Executor.LLM.Model, 4096)

	search := websearch.New(websearch.Config{
		DefaultProvider:  cfg.WebSearch.DefaultProvider,
		BuiltinURL:       cfg.WebSearch.BuiltinURL,
		BuiltinAPIKey:    cfg.WebSearch.ProviderKeys[cfg.WebSearch.BuiltinProvider],
		PerplexityAPIKey: cfg.WebSearch.ProviderKeys["perplexity"],
	})
	graph := graphrag.New(graphrag.Config{
		TriplesPath: cfg.GraphRAG.TriplesPath,
		CacheTTL:    cfg.GraphRAG.CacheTTL.Duration,
	})
	toolRegistry := tools.New(search, graph)

	convClient, err := newLLMClient(cfg.Conversation, 4096)
	if err != nil {
		logger.Error("failed to build conversation llm client", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(repo, sessions, jobs, dec, exec, toolRegistry, convClient, agent.Config{
		Model:                 cfg.Conversation.Model,
		MaxTokens:             4096,
		AutoDecomposeOnCreate: cfg.Decomposition.AutoOnCreate,
		DecomposerOptions: decomposer.Options{
			MaxDepth:        cfg.Decomposition.MaxDepth,
			MaxChildren:     cfg.Decomposition.MaxChildren,
			TotalNodeBudget: cfg.Decomposition.TotalNodeBudget,
			RetryLimit:      cfg.Decomposition.RetryLimit,
		},
		ExecutorOptions: executor.Options{
			MaxRetries:     cfg.Executor.MaxRetries,
			TimeoutPerTask: cfg.Executor.Timeout.Duration,
			UseContext:     cfg.Executor.UseContext,
			Parallelism:    cfg.Executor.Parallelism,
		},
	})
	if err != nil {
		logger.Error("failed to build agent", "error", err)
		os.Exit(1)
	}

	httpSrv := httpapi.New(cfg.API.Bind, a, repo, sessions, jobs, dec, exec, logger.With("component", "httpapi"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs.Start(ctx, 4)

	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		retention := time.Duration(cfg.JobRetention.RetentionDays) * 24 * time.Hour
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := jobs.Cleanup(ctx, retention, cfg.JobRetention.MaxRows); err != nil {
					logger.Warn("job retention cleanup failed", "error", err)
				}
			}
		}
	}()

	go func() {
		if err := httpSrv.Start(ctx); err != nil {
			logger.Error("http server error", "error", err)
		}
	}()

	logger.Info("orchestratord running", "bind", cfg.API.Bind, "data_root", cfg.General.DataRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	shutdownStart := time.Now()
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("orchestratord stopped", "shutdown_duration", time.Since(shutdownStart).String())
}
