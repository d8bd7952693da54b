package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/fae-run/fae-core/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "anyllm", "ollama", "gemini", "deepseek", "mistral", "groq"},
	"stt":        {"openai"},
	"tts":        {"openai"},
	"embeddings": {"openai"},
	"vad":        {"silero"},
	"audio":      {"default"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies
// defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in defaults
// for any field left at its YAML zero value.
func applyDefaults(cfg *Config) {
	if cfg.Memory.RecallMaxItems == 0 {
		cfg.Memory.RecallMaxItems = 8
	}
	if cfg.Memory.RecallMaxChars == 0 {
		cfg.Memory.RecallMaxChars = 2000
	}
	if cfg.Memory.FreshnessTauDays == 0 {
		cfg.Memory.FreshnessTauDays = 30
	}
	if cfg.Memory.MaxRecordChars == 0 {
		cfg.Memory.MaxRecordChars = 4000
	}
	if cfg.Memory.BackupKeepCount == 0 {
		cfg.Memory.BackupKeepCount = 7
	}
	if cfg.VAD.MinSilenceDurationMs == 0 {
		cfg.VAD.MinSilenceDurationMs = 1000
	}
	if cfg.BargeIn.BargeInSilenceMs == 0 {
		cfg.BargeIn.BargeInSilenceMs = 300
	}
	if cfg.LLM.ToolMode == "" {
		cfg.LLM.ToolMode = ToolModeReadOnly
	}
	if cfg.LLM.MaxTurns == 0 {
		cfg.LLM.MaxTurns = 25
	}
	if cfg.LLM.MaxToolCallsPerTurn == 0 {
		cfg.LLM.MaxToolCallsPerTurn = 10
	}
	if cfg.LLM.ToolTimeoutSecs == 0 {
		cfg.LLM.ToolTimeoutSecs = 30
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 3
	}
	if cfg.LLM.ModelSelectTimeoutSecs == 0 {
		cfg.LLM.ModelSelectTimeoutSecs = 30
	}
	if cfg.Runtime.KernelSignatureMode == "" {
		cfg.Runtime.KernelSignatureMode = KernelSignatureOff
	}
	if cfg.Runtime.StopGraceSecs == 0 {
		cfg.Runtime.StopGraceSecs = 5
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("audio", cfg.Providers.Audio.Name)

	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	if cfg.Memory.Enabled && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.enabled is true but memory.postgres_dsn is empty"))
	}

	if cfg.LLM.ToolMode != "" && !cfg.LLM.ToolMode.IsValid() {
		errs = append(errs, fmt.Errorf("llm.tool_mode %q is invalid; valid values: off, read_only, read_write, full, full_no_approval", cfg.LLM.ToolMode))
	}
	if cfg.LLM.MaxTurns < 0 {
		errs = append(errs, fmt.Errorf("llm.max_turns %d must be >= 0", cfg.LLM.MaxTurns))
	}

	if cfg.Runtime.KernelSignatureMode != "" && !cfg.Runtime.KernelSignatureMode.IsValid() {
		errs = append(errs, fmt.Errorf("runtime.kernel_signature_mode %q is invalid; valid values: off, warn, enforce", cfg.Runtime.KernelSignatureMode))
	}

	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		}
		transport := mcp.Transport(srv.Transport)
		if srv.Transport != "" && !transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
