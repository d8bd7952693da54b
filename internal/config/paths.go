package config

import (
	"os"
	"path/filepath"
)

// sandboxRootEnv, when set, overrides both default roots with paths beneath
// it. Set by a sandboxed host (container, app-sandbox) that wants Fae's
// state confined to a single bind-mounted directory instead of the normal
// per-user application data/config locations.
const sandboxRootEnv = "FAECORE_SANDBOX_ROOT"

// ResolvePaths fills ServerConfig.DataDir and ServerConfig.ConfigDir with
// platform-appropriate defaults for any field left empty, then returns the
// resolved (possibly unchanged) copy. It is the single platform helper every
// other package resolves filesystem roots through; no other package calls
// os.UserConfigDir or os.UserCacheDir directly.
func ResolvePaths(cfg ServerConfig) (ServerConfig, error) {
	if root := os.Getenv(sandboxRootEnv); root != "" {
		if cfg.DataDir == "" {
			cfg.DataDir = filepath.Join(root, "data")
		}
		if cfg.ConfigDir == "" {
			cfg.ConfigDir = filepath.Join(root, "config")
		}
		return cfg, nil
	}

	if cfg.DataDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return cfg, err
		}
		cfg.DataDir = filepath.Join(dir, "fae-core")
	}
	if cfg.ConfigDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return cfg, err
		}
		cfg.ConfigDir = filepath.Join(dir, "fae-core")
	}
	return cfg, nil
}

// MemoryDBPath returns the canonical memory store path under dataDir.
func MemoryDBPath(dataDir string) string {
	return filepath.Join(dataDir, "memory", "fae.db")
}

// MemoryBackupDir returns the canonical backup directory under dataDir.
func MemoryBackupDir(dataDir string) string {
	return filepath.Join(dataDir, "memory", "backups")
}

// SchedulerLeaseFile returns the canonical leader lease path under
// configDir.
func SchedulerLeaseFile(configDir string) string {
	return filepath.Join(configDir, "scheduler.leader.lock")
}

// SchedulerStateFile returns the canonical persisted task state path under
// configDir.
func SchedulerStateFile(configDir string) string {
	return filepath.Join(configDir, "scheduler.json")
}

// SchedulerLedgerFile returns the canonical run-key dedupe ledger path under
// configDir.
func SchedulerLedgerFile(configDir string) string {
	return filepath.Join(configDir, "scheduler.ledger.json")
}

// IPCSocketPath returns the canonical Mode B Unix-domain-socket path under
// configDir.
func IPCSocketPath(configDir string) string {
	return filepath.Join(configDir, "fae.sock")
}
