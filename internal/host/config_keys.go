package host

import (
	"fmt"
	"strings"

	"github.com/fae-run/fae-core/internal/config"
)

// configGet and configSet implement the bounded-scope config.get/config.patch
// surface: exactly the memory.*, vad.*, barge_in.*, conversation.*,
// llm.*, runtime.*, and scheduler.<task_id>.enabled keys, nothing else. Each
// key is wired through its own accessor rather than a reflective path walker,
// so a typo'd or unlisted key fails closed with CodeInvalidPayload instead of
// silently reaching into unrelated configuration.
func configGet(cfg *config.Config, key string) (any, bool) {
	if id, ok := schedulerTaskKey(key); ok {
		override, found := cfg.Scheduler.Tasks[id]
		if !found || override.Enabled == nil {
			return true, true
		}
		return *override.Enabled, true
	}

	switch key {
	case "memory.enabled":
		return cfg.Memory.Enabled, true
	case "memory.auto_capture":
		return cfg.Memory.AutoCapture, true
	case "memory.auto_recall":
		return cfg.Memory.AutoRecall, true
	case "memory.recall_max_items":
		return cfg.Memory.RecallMaxItems, true
	case "memory.recall_max_chars":
		return cfg.Memory.RecallMaxChars, true
	case "memory.min_profile_confidence":
		return cfg.Memory.MinProfileConfidence, true
	case "memory.retention_days":
		return cfg.Memory.RetentionDays, true
	case "memory.backup_keep_count":
		return cfg.Memory.BackupKeepCount, true
	case "memory.use_hybrid_search":
		return cfg.Memory.UseHybridSearch, true
	case "memory.semantic_weight":
		return cfg.Memory.SemanticWeight, true
	case "memory.freshness_tau_days":
		return cfg.Memory.FreshnessTauDays, true

	case "vad.min_silence_duration_ms":
		return cfg.VAD.MinSilenceDurationMs, true

	case "barge_in.barge_in_silence_ms":
		return cfg.BargeIn.BargeInSilenceMs, true

	case "conversation.idle_timeout_s":
		return cfg.Conversation.IdleTimeoutS, true
	case "conversation.wake_phrase":
		return cfg.Conversation.WakePhrase, true
	case "conversation.sleep_phrases":
		return cfg.Conversation.SleepPhrases, true

	case "llm.tool_mode":
		return string(cfg.LLM.ToolMode), true
	case "llm.max_turns":
		return cfg.LLM.MaxTurns, true
	case "llm.max_tool_calls_per_turn":
		return cfg.LLM.MaxToolCallsPerTurn, true
	case "llm.tool_timeout_secs":
		return cfg.LLM.ToolTimeoutSecs, true
	case "llm.max_retries":
		return cfg.LLM.MaxRetries, true
	case "llm.model_select_timeout_secs":
		return cfg.LLM.ModelSelectTimeoutSecs, true

	case "runtime.kernel_signature_mode":
		return string(cfg.Runtime.KernelSignatureMode), true
	case "runtime.stop_grace_secs":
		return cfg.Runtime.StopGraceSecs, true

	default:
		return nil, false
	}
}

func configSet(cfg *config.Config, key string, value any) error {
	if id, ok := schedulerTaskKey(key); ok {
		enabled, ok := value.(bool)
		if !ok {
			return fmt.Errorf("config key %q expects a bool", key)
		}
		if cfg.Scheduler.Tasks == nil {
			cfg.Scheduler.Tasks = make(map[string]config.SchedulerTaskOverride)
		}
		cfg.Scheduler.Tasks[id] = config.SchedulerTaskOverride{Enabled: &enabled}
		return nil
	}

	switch key {
	case "memory.enabled":
		return setBool(key, value, &cfg.Memory.Enabled)
	case "memory.auto_capture":
		return setBool(key, value, &cfg.Memory.AutoCapture)
	case "memory.auto_recall":
		return setBool(key, value, &cfg.Memory.AutoRecall)
	case "memory.recall_max_items":
		return setInt(key, value, &cfg.Memory.RecallMaxItems)
	case "memory.recall_max_chars":
		return setInt(key, value, &cfg.Memory.RecallMaxChars)
	case "memory.min_profile_confidence":
		return setFloat(key, value, &cfg.Memory.MinProfileConfidence)
	case "memory.retention_days":
		return setInt(key, value, &cfg.Memory.RetentionDays)
	case "memory.backup_keep_count":
		return setInt(key, value, &cfg.Memory.BackupKeepCount)
	case "memory.use_hybrid_search":
		return setBool(key, value, &cfg.Memory.UseHybridSearch)
	case "memory.semantic_weight":
		return setFloat(key, value, &cfg.Memory.SemanticWeight)
	case "memory.freshness_tau_days":
		return setFloat(key, value, &cfg.Memory.FreshnessTauDays)

	case "vad.min_silence_duration_ms":
		return setInt(key, value, &cfg.VAD.MinSilenceDurationMs)

	case "barge_in.barge_in_silence_ms":
		return setInt(key, value, &cfg.BargeIn.BargeInSilenceMs)

	case "conversation.idle_timeout_s":
		return setInt(key, value, &cfg.Conversation.IdleTimeoutS)
	case "conversation.wake_phrase":
		return setString(key, value, &cfg.Conversation.WakePhrase)
	case "conversation.sleep_phrases":
		phrases, ok := toStringSlice(value)
		if !ok {
			return fmt.Errorf("config key %q expects a list of strings", key)
		}
		cfg.Conversation.SleepPhrases = phrases
		return nil

	case "llm.tool_mode":
		s, ok := value.(string)
		if !ok || !config.ToolMode(s).IsValid() {
			return fmt.Errorf("config key %q expects a valid tool mode", key)
		}
		cfg.LLM.ToolMode = config.ToolMode(s)
		return nil
	case "llm.max_turns":
		return setInt(key, value, &cfg.LLM.MaxTurns)
	case "llm.max_tool_calls_per_turn":
		return setInt(key, value, &cfg.LLM.MaxToolCallsPerTurn)
	case "llm.tool_timeout_secs":
		return setInt(key, value, &cfg.LLM.ToolTimeoutSecs)
	case "llm.max_retries":
		return setInt(key, value, &cfg.LLM.MaxRetries)
	case "llm.model_select_timeout_secs":
		return setInt(key, value, &cfg.LLM.ModelSelectTimeoutSecs)

	case "runtime.kernel_signature_mode":
		s, ok := value.(string)
		if !ok || !config.KernelSignatureMode(s).IsValid() {
			return fmt.Errorf("config key %q expects a valid kernel signature mode", key)
		}
		cfg.Runtime.KernelSignatureMode = config.KernelSignatureMode(s)
		return nil
	case "runtime.stop_grace_secs":
		return setInt(key, value, &cfg.Runtime.StopGraceSecs)

	default:
		return fmt.Errorf("unknown config key %q", key)
	}
}

func schedulerTaskKey(key string) (string, bool) {
	const prefix = "scheduler."
	const suffix = ".enabled"
	if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	if id == "" {
		return "", false
	}
	return id, true
}

func setBool(key string, value any, dst *bool) error {
	b, ok := value.(bool)
	if !ok {
		return fmt.Errorf("config key %q expects a bool", key)
	}
	*dst = b
	return nil
}

func setString(key string, value any, dst *string) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("config key %q expects a string", key)
	}
	*dst = s
	return nil
}

func setInt(key string, value any, dst *int) error {
	switch v := value.(type) {
	case float64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return fmt.Errorf("config key %q expects a number", key)
	}
	return nil
}

func setFloat(key string, value any, dst *float64) error {
	v, ok := value.(float64)
	if !ok {
		return fmt.Errorf("config key %q expects a number", key)
	}
	*dst = v
	return nil
}

func toStringSlice(value any) ([]string, bool) {
	raw, ok := value.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
