package host

import (
	"testing"

	"github.com/fae-run/fae-core/internal/config"
)

func TestConfigGetSet_RoundTrip(t *testing.T) {
	cfg := &config.Config{}

	if err := configSet(cfg, "memory.enabled", true); err != nil {
		t.Fatalf("configSet: %v", err)
	}
	v, ok := configGet(cfg, "memory.enabled")
	if !ok || v != true {
		t.Errorf("configGet: got (%v, %v), want (true, true)", v, ok)
	}

	if err := configSet(cfg, "llm.max_turns", float64(4)); err != nil {
		t.Fatalf("configSet: %v", err)
	}
	if cfg.LLM.MaxTurns != 4 {
		t.Errorf("MaxTurns: got %d, want 4", cfg.LLM.MaxTurns)
	}
}

func TestConfigGetSet_UnknownKeyRejected(t *testing.T) {
	cfg := &config.Config{}
	if _, ok := configGet(cfg, "not.a.real.key"); ok {
		t.Error("configGet: expected unknown key to be rejected")
	}
	if err := configSet(cfg, "not.a.real.key", "x"); err == nil {
		t.Error("configSet: expected unknown key to be rejected")
	}
}

func TestConfigGetSet_SchedulerTaskEnabled(t *testing.T) {
	cfg := &config.Config{}

	if err := configSet(cfg, "scheduler.daily-digest.enabled", false); err != nil {
		t.Fatalf("configSet: %v", err)
	}
	v, ok := configGet(cfg, "scheduler.daily-digest.enabled")
	if !ok || v != false {
		t.Errorf("configGet: got (%v, %v), want (false, true)", v, ok)
	}

	v, ok = configGet(cfg, "scheduler.never-configured.enabled")
	if !ok || v != true {
		t.Errorf("configGet: unconfigured task should default enabled, got (%v, %v)", v, ok)
	}
}

func TestConfigSet_TypeMismatchRejected(t *testing.T) {
	cfg := &config.Config{}
	if err := configSet(cfg, "memory.enabled", "not-a-bool"); err == nil {
		t.Error("expected type mismatch to be rejected")
	}
}
