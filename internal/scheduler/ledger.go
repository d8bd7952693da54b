package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
	"github.com/gofrs/flock"
)

// RunStatus is the dedupe ledger's record of a run key's progress.
type RunStatus string

const (
	RunInProgress RunStatus = "in_progress"
	RunSuccess    RunStatus = "success"
	RunNeedsUser  RunStatus = "needs_action"
	RunError      RunStatus = "error"
)

// ledgerEntry is one persisted run-key record.
type ledgerEntry struct {
	TaskID      string    `json:"task_id"`
	ScheduledAt time.Time `json:"scheduled_at"`
	Generation  uint64    `json:"generation"`
	Status      RunStatus `json:"status"`
	Detail      string    `json:"detail,omitempty"`
}

type ledgerFile struct {
	Entries []ledgerEntry `json:"entries"`
}

// Ledger is the persisted, file-locked set of completed and in-progress run
// keys. Every method refreshes from disk under the lock before acting, per
// the run-key dedupe protocol: in-process caches must never be trusted
// across a restart or leader failover.
type Ledger struct {
	path     string
	fileLock *flock.Flock
}

// NewLedger returns a Ledger backed by the file at path.
func NewLedger(path string) *Ledger {
	return &Ledger{path: path, fileLock: flock.New(path + ".flock")}
}

// Begin records runKey as in_progress if and only if it is not already
// present in the ledger (in any status). Returns alreadyRun=true if the key
// was already recorded, in which case the caller must skip execution.
func (l *Ledger) Begin(runKey types.RunKey) (alreadyRun bool, err error) {
	if err := l.fileLock.Lock(); err != nil {
		return false, fmt.Errorf("scheduler: lock ledger: %w", err)
	}
	defer l.fileLock.Unlock()

	lf, err := l.read()
	if err != nil {
		return false, err
	}
	for _, e := range lf.Entries {
		if e.TaskID == runKey.TaskID && e.ScheduledAt.Equal(runKey.ScheduledAt) && e.Generation == runKey.Generation {
			return true, nil
		}
	}

	lf.Entries = append(lf.Entries, ledgerEntry{
		TaskID:      runKey.TaskID,
		ScheduledAt: runKey.ScheduledAt,
		Generation:  runKey.Generation,
		Status:      RunInProgress,
	})
	if err := l.write(lf); err != nil {
		return false, err
	}
	return false, nil
}

// Complete records the final outcome for runKey. If the leader that began
// the run has since lost its lease and a new leader observes this key still
// in_progress, the new leader calls Complete with RunError/"lease_lost"
// instead, per the failure semantics; this call simply overwrites whatever
// status is present.
func (l *Ledger) Complete(runKey types.RunKey, status RunStatus, detail string) error {
	if err := l.fileLock.Lock(); err != nil {
		return fmt.Errorf("scheduler: lock ledger: %w", err)
	}
	defer l.fileLock.Unlock()

	lf, err := l.read()
	if err != nil {
		return err
	}
	found := false
	for i, e := range lf.Entries {
		if e.TaskID == runKey.TaskID && e.ScheduledAt.Equal(runKey.ScheduledAt) && e.Generation == runKey.Generation {
			lf.Entries[i].Status = status
			lf.Entries[i].Detail = detail
			found = true
			break
		}
	}
	if !found {
		lf.Entries = append(lf.Entries, ledgerEntry{
			TaskID: runKey.TaskID, ScheduledAt: runKey.ScheduledAt, Generation: runKey.Generation,
			Status: status, Detail: detail,
		})
	}
	return l.write(lf)
}

// ReconcileStaleInProgress marks every entry still in_progress with
// ScheduledAt older than cutoff as error("lease_lost"). Called by a newly
// elected Leader at TryAcquire time to account for a predecessor that died
// mid-execution.
func (l *Ledger) ReconcileStaleInProgress(cutoff time.Time) (int, error) {
	if err := l.fileLock.Lock(); err != nil {
		return 0, fmt.Errorf("scheduler: lock ledger: %w", err)
	}
	defer l.fileLock.Unlock()

	lf, err := l.read()
	if err != nil {
		return 0, err
	}
	n := 0
	for i, e := range lf.Entries {
		if e.Status == RunInProgress && e.ScheduledAt.Before(cutoff) {
			lf.Entries[i].Status = RunError
			lf.Entries[i].Detail = "lease_lost"
			n++
		}
	}
	if n > 0 {
		if err := l.write(lf); err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (l *Ledger) read() (ledgerFile, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ledgerFile{}, nil
		}
		return ledgerFile{}, fmt.Errorf("scheduler: read ledger: %w", err)
	}
	var lf ledgerFile
	if err := json.Unmarshal(data, &lf); err != nil {
		return ledgerFile{}, fmt.Errorf("scheduler: corrupt ledger: %w", err)
	}
	return lf, nil
}

func (l *Ledger) write(lf ledgerFile) error {
	return atomicWriteJSON(l.path, lf)
}
