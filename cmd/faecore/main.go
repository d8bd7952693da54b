// Command faecore is the process entry point for Fae Core: it loads
// configuration, wires providers, the Memory Store, Scheduler Authority, and
// Pipeline Coordinator, and exposes them through the Host Command/Event
// Boundary until told to shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fae-run/fae-core/internal/config"
	"github.com/fae-run/fae-core/internal/host"
	"github.com/fae-run/fae-core/internal/mcp"
	"github.com/fae-run/fae-core/internal/mcp/mcphost"
	"github.com/fae-run/fae-core/internal/mcp/tools"
	"github.com/fae-run/fae-core/internal/mcp/tools/fileio"
	"github.com/fae-run/fae-core/internal/mcp/tools/memorytool"
	"github.com/fae-run/fae-core/internal/observe"
	"github.com/fae-run/fae-core/internal/pipeline"
	"github.com/fae-run/fae-core/internal/resilience"
	"github.com/fae-run/fae-core/internal/scheduler"

	"github.com/fae-run/fae-core/pkg/audio"
	"github.com/fae-run/fae-core/pkg/audio/mixer"
	audiomock "github.com/fae-run/fae-core/pkg/audio/mock"
	"github.com/fae-run/fae-core/pkg/eventbus"
	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/memory/postgres"
	"github.com/fae-run/fae-core/pkg/provider/embeddings"
	embeddingsopenai "github.com/fae-run/fae-core/pkg/provider/embeddings/openai"
	"github.com/fae-run/fae-core/pkg/provider/llm"
	llmanthropic "github.com/fae-run/fae-core/pkg/provider/llm/anthropic"
	llmanyllm "github.com/fae-run/fae-core/pkg/provider/llm/anyllm"
	llmopenai "github.com/fae-run/fae-core/pkg/provider/llm/openai"
	"github.com/fae-run/fae-core/pkg/provider/stt"
	sttopenai "github.com/fae-run/fae-core/pkg/provider/stt/openai"
	"github.com/fae-run/fae-core/pkg/provider/tts"
	ttsopenai "github.com/fae-run/fae-core/pkg/provider/tts/openai"
	vadmock "github.com/fae-run/fae-core/pkg/provider/vad/mock"
	"github.com/fae-run/fae-core/pkg/types"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "faecore: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "faecore: %v\n", err)
		}
		return 1
	}

	resolved, err := config.ResolvePaths(cfg.Server)
	if err != nil {
		fmt.Fprintf(os.Stderr, "faecore: resolve paths: %v\n", err)
		return 1
	}
	cfg.Server = resolved

	slog.SetDefault(newLogger(cfg.Server.LogLevel))
	slog.Info("faecore starting", "config", *configPath, "data_dir", cfg.Server.DataDir, "config_dir", cfg.Server.ConfigDir)

	for _, dir := range []string{cfg.Server.DataDir, cfg.Server.ConfigDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Error("failed to create directory", "dir", dir, "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	llmPool, err := buildLLMPool(cfg, reg)
	if err != nil {
		slog.Error("failed to build llm pool", "error", err)
		return 1
	}

	sttProvider, err := buildSTT(cfg, reg)
	if err != nil {
		slog.Error("failed to build stt provider", "error", err)
		return 1
	}
	ttsProvider, err := buildTTS(cfg, reg)
	if err != nil {
		slog.Error("failed to build tts provider", "error", err)
		return 1
	}

	var store memory.Store
	if cfg.Memory.Enabled && cfg.Memory.PostgresDSN != "" {
		store, err = postgres.NewStore(ctx, cfg.Memory.PostgresDSN, cfg.Memory.EmbeddingDimensions)
		if err != nil {
			slog.Error("failed to connect memory store", "error", err)
			return 1
		}
		if cfg.Memory.IntegrityCheckOnStartup {
			if err := store.IntegrityCheck(ctx); err != nil {
				slog.Error("memory store failed integrity check", "error", err)
				return 1
			}
		}
		slog.Info("memory store connected")
	}

	mcpHost := mcphost.New()
	for _, server := range cfg.MCP.Servers {
		if err := mcpHost.RegisterServer(ctx, mcp.ServerConfig{
			Name:      server.Name,
			Transport: mcp.Transport(server.Transport),
			Command:   server.Command,
			URL:       server.URL,
			Env:       server.Env,
		}); err != nil {
			slog.Warn("failed to register mcp server, continuing without it", "name", server.Name, "error", err)
		}
	}
	defer mcpHost.Close()

	registerBuiltinTools(mcpHost, fileio.NewTools(filepath.Join(cfg.Server.DataDir, "workspace")))
	if store != nil {
		registerBuiltinTools(mcpHost, memorytool.NewTools(store))
	}

	bus := eventbus.New()
	startedAt := time.Now()

	factory := func(ctx context.Context) (pipeline.Deps, error) {
		playback := &audiomock.Playback{}
		mix := mixer.New(func(chunk []byte) {
			_ = playback.Play(audio.AudioFrame{Data: chunk, SampleRate: 24000, Channels: 1})
		})
		return pipeline.Deps{
			Device: &audiomock.Device{
				CaptureResult:  &audiomock.Capture{},
				PlaybackResult: playback,
			},
			Mixer:   mix,
			VAD:     &vadmock.Engine{},
			STT:     sttProvider,
			TTS:     ttsProvider,
			LLMPool: llmPool,
			MCPHost: mcpHost,
			Store:   store,
			Bus:     bus,
			Metrics: metrics,
			Config:  cfg,
			Voice:   types.VoiceProfile{Name: "default"},
		}, nil
	}

	stopGrace := time.Duration(cfg.Runtime.StopGraceSecs) * time.Second
	runtime := pipeline.NewRuntime(factory, stopGrace)

	taskRegistry := scheduler.NewTaskRegistry(config.SchedulerStateFile(cfg.Server.ConfigDir))
	ensureDefaultTasks(taskRegistry, store)
	leaseMgr := scheduler.NewLeaseManager(config.SchedulerLeaseFile(cfg.Server.ConfigDir), instanceID())
	ledger := scheduler.NewLedger(config.SchedulerLedgerFile(cfg.Server.ConfigDir))
	sched := scheduler.New(leaseMgr, ledger, taskRegistry, schedulerExecutor(runtime, store, cfg), bus, startedAt)
	sched.SetMetrics(metrics)

	coreHandler := host.NewCoreHandler(runtime, sched, taskRegistry, cfg, startedAt)
	boundary := host.New(coreHandler, metrics)

	var unixSrv *host.UnixServer
	var httpSrv *http.Server
	errCh := make(chan error, 3)

	go func() {
		if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("scheduler: %w", err)
		}
	}()

	if cfg.Server.IPCEnabled {
		unixSrv = host.NewUnixServer(boundary, bus, config.IPCSocketPath(cfg.Server.ConfigDir), cfg.Server.IPCBearerToken)
		go func() {
			if err := unixSrv.Serve(ctx); err != nil {
				errCh <- fmt.Errorf("unix transport: %w", err)
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/ws", host.NewWebSocketBridge(boundary, bus, cfg.Server.IPCBearerToken))
		httpSrv = &http.Server{Handler: mux}

		wsListener, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			slog.Error("failed to open websocket bridge listener", "error", err)
			return 1
		}
		slog.Info("websocket bridge listening", "addr", wsListener.Addr())
		go func() {
			if err := httpSrv.Serve(wsListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket bridge: %w", err)
			}
		}()
	}

	slog.Info("faecore ready — press Ctrl+C to shut down")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		slog.Error("subsystem failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := runtime.Stop(shutdownCtx); err != nil {
		slog.Error("runtime stop error", "error", err)
	}
	if unixSrv != nil {
		unixSrv.Close()
	}
	if httpSrv != nil {
		httpSrv.Close()
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires every production (non-mock) provider
// factory this tree ships with. VAD and Audio have no production
// implementation, so no factories are registered for those kinds; the
// pipeline factory in run wires audiomock.Device and vadmock.Engine for
// them directly. buildLLMPool, buildSTT and buildTTS skip a configured
// name that has no registered factory (config.ErrProviderNotRegistered).
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []llmopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, llmopenai.WithBaseURL(e.BaseURL))
		}
		return llmopenai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []llmanthropic.Option{}
		if e.BaseURL != "" {
			opts = append(opts, llmanthropic.WithBaseURL(e.BaseURL))
		}
		return llmanthropic.New(e.APIKey, e.Model, opts...)
	})
	// anyllm bridges any backend any-llm-go supports; the concrete backend is
	// named in the entry's options ("provider": "ollama", "groq", ...).
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["provider"].(string)
		if backend == "" {
			return nil, fmt.Errorf("anyllm provider entry needs options.provider")
		}
		return llmanyllm.New(backend, e.Model)
	})

	reg.RegisterSTT("openai", func(e config.ProviderEntry) (stt.Provider, error) {
		opts := []sttopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, sttopenai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, sttopenai.WithModel(e.Model))
		}
		return sttopenai.New(e.APIKey, opts...)
	})

	reg.RegisterTTS("openai", func(e config.ProviderEntry) (tts.Provider, error) {
		opts := []ttsopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(e.BaseURL))
		}
		if e.Model != "" {
			opts = append(opts, ttsopenai.WithModel(e.Model))
		}
		return ttsopenai.New(e.APIKey, opts...)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []embeddingsopenai.Option{}
		if e.BaseURL != "" {
			opts = append(opts, embeddingsopenai.WithBaseURL(e.BaseURL))
		}
		return embeddingsopenai.New(e.APIKey, e.Model, opts...)
	})
}

// fallbackConfig is the circuit-breaker tuning shared by every wrapped
// provider: trip after 3 consecutive failures, probe again after 30s.
func fallbackConfig() resilience.FallbackConfig {
	return resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: 30 * time.Second,
	}}
}

func buildLLMPool(cfg *config.Config, reg *config.Registry) ([]pipeline.LLMCandidate, error) {
	pool := make([]pipeline.LLMCandidate, 0, len(cfg.Providers.LLMPool)+1)
	entries := cfg.Providers.LLMPool
	if cfg.Providers.LLM.Name != "" {
		entries = append([]config.ProviderEntry{cfg.Providers.LLM}, entries...)
	}
	for _, entry := range entries {
		p, err := reg.CreateLLM(entry)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("llm provider not registered, skipping", "name", entry.Name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("create llm provider %q: %w", entry.Name, err)
		}
		name := entry.Name + "/" + entry.Model
		pool = append(pool, pipeline.LLMCandidate{
			Name:     name,
			Provider: resilience.NewLLMFallback(p, name, fallbackConfig()),
			Tier:     entry.Tier,
			Priority: entry.Priority,
		})
	}
	return pool, nil
}

func buildSTT(cfg *config.Config, reg *config.Registry) (stt.Provider, error) {
	if cfg.Providers.STT.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateSTT(cfg.Providers.STT)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("stt provider not registered, skipping", "name", cfg.Providers.STT.Name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resilience.NewSTTFallback(p, cfg.Providers.STT.Name, fallbackConfig()), nil
}

func buildTTS(cfg *config.Config, reg *config.Registry) (tts.Provider, error) {
	if cfg.Providers.TTS.Name == "" {
		return nil, nil
	}
	p, err := reg.CreateTTS(cfg.Providers.TTS)
	if errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Warn("tts provider not registered, skipping", "name", cfg.Providers.TTS.Name)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resilience.NewTTSFallback(p, cfg.Providers.TTS.Name, fallbackConfig()), nil
}

// memoryBackupTaskID is the well-known ID of the built-in memory
// maintenance task: an atomic backup followed by rotation.
const memoryBackupTaskID = "memory-backup"

// schedulerExecutor runs built-in maintenance tasks directly and injects any
// other due task's name as a proactive conversation turn into the running
// pipeline. A reminder task fired while the pipeline is stopped cannot be
// spoken to the user, so it surfaces as NeedsUserAction rather than silently
// failing or auto-starting the runtime.
func schedulerExecutor(runtime *pipeline.Runtime, store memory.Store, cfg *config.Config) scheduler.Executor {
	return func(ctx context.Context, task types.ScheduledTask) (types.TaskOutcome, string, error) {
		if task.ID == memoryBackupTaskID {
			if store == nil {
				return types.OutcomeError, "memory store is not configured", nil
			}
			path, err := store.Backup(ctx, config.MemoryBackupDir(cfg.Server.DataDir))
			if err != nil {
				return types.OutcomeError, err.Error(), nil
			}
			keep := cfg.Memory.BackupKeepCount
			if keep <= 0 {
				keep = 5
			}
			deleted, err := store.RotateBackups(ctx, keep)
			if err != nil {
				return types.OutcomeError, err.Error(), nil
			}
			return types.OutcomeSuccess, fmt.Sprintf("backup written to %s, %d old backups removed", path, deleted), nil
		}

		c := runtime.Coordinator()
		if c == nil {
			return types.OutcomeNeedsUserAction, fmt.Sprintf("runtime is not running, cannot run task %q", task.Name), nil
		}
		c.InjectText(ctx, task.Name)
		return types.OutcomeSuccess, "", nil
	}
}

// ensureDefaultTasks registers the built-in maintenance tasks on first run.
// Existing definitions (including user edits to their schedules) are left
// untouched.
func ensureDefaultTasks(reg *scheduler.TaskRegistry, store memory.Store) {
	if store == nil {
		return
	}
	existing, err := reg.List()
	if err != nil {
		slog.Warn("failed to read task registry, skipping default tasks", "error", err)
		return
	}
	for _, t := range existing {
		if t.ID == memoryBackupTaskID {
			return
		}
	}
	if err := reg.Upsert(types.ScheduledTask{
		ID:       memoryBackupTaskID,
		Name:     "memory backup",
		Schedule: types.Schedule{Kind: types.ScheduleDaily, Hour: 3, Minute: 30},
		Enabled:  true,
	}); err != nil {
		slog.Warn("failed to register default backup task", "error", err)
	}
}

// registerBuiltinTools adapts in-process tool definitions into mcphost
// built-ins. Registration failures are logged, not fatal: a missing tool
// degrades the LLM's capabilities, never the runtime.
func registerBuiltinTools(h *mcphost.Host, ts []tools.Tool) {
	for _, t := range ts {
		if err := h.RegisterBuiltin(mcphost.BuiltinTool{
			Definition:  t.Definition,
			Handler:     t.Handler,
			DeclaredP50: t.DeclaredP50,
			DeclaredMax: t.DeclaredMax,
		}); err != nil {
			slog.Warn("failed to register builtin tool", "tool", t.Definition.Name, "error", err)
		}
	}
}

func instanceID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "faecore"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
