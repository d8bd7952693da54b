// Package scheduler implements the Scheduler Authority: leader election via
// a file-persisted lease, a run-key dedupe ledger refreshed from disk on
// every write, and a tick loop that fires Interval/Daily/Weekly tasks
// exactly once per scheduled instant across restarts and failover.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
)

// LeaseTTL is how long a leader's lease remains valid without a heartbeat.
const LeaseTTL = 15 * time.Second

// HeartbeatInterval is how often the Leader renews its lease.
const HeartbeatInterval = 5 * time.Second

// LeaseState is the scheduler's leader-election state.
type LeaseState string

const (
	StateFollower  LeaseState = "follower"
	StateCandidate LeaseState = "candidate"
	StateLeader    LeaseState = "leader"
)

// LeaseManager mediates ownership of the Scheduler Authority's exclusive
// execution right via a single LeaderLease file. A sidecar flock file
// serializes the read-check-write sequence across instances so two
// candidates racing an expired lease cannot both win.
type LeaseManager struct {
	path       string
	instanceID string
	pid        int
	fileLock   *flock.Flock

	state LeaseState
	lease types.LeaderLease
}

// NewLeaseManager returns a LeaseManager for the lease file at path. The
// flock sidecar lives alongside it at path+".flock".
func NewLeaseManager(path, instanceID string) *LeaseManager {
	return &LeaseManager{
		path:       path,
		instanceID: instanceID,
		pid:        os.Getpid(),
		fileLock:   flock.New(path + ".flock"),
		state:      StateFollower,
	}
}

// State returns the manager's last-known leadership state.
func (m *LeaseManager) State() LeaseState {
	return m.state
}

// TryAcquire attempts to become Leader: creates the lease file if absent,
// or takes over if the existing lease has expired. Returns false without
// error if another instance currently holds a valid lease.
func (m *LeaseManager) TryAcquire(ctx context.Context, now time.Time) (bool, error) {
	locked, err := m.fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return false, fmt.Errorf("scheduler: lock lease file: %w", err)
	}
	if !locked {
		m.state = StateCandidate
		return false, nil
	}
	defer m.fileLock.Unlock()

	existing, err := readLease(m.path)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}
	if err == nil && existing.InstanceID != m.instanceID && existing.LeaseExpiresAt.After(now) {
		m.state = StateFollower
		return false, nil
	}

	newLease := types.LeaderLease{
		InstanceID:     m.instanceID,
		PID:            m.pid,
		StartedAt:      now,
		HeartbeatAt:    now,
		LeaseExpiresAt: now.Add(LeaseTTL),
	}
	if existing.InstanceID == m.instanceID {
		newLease.StartedAt = existing.StartedAt
	}
	if err := writeLease(m.path, newLease); err != nil {
		return false, err
	}

	m.state = StateLeader
	m.lease = newLease
	return true, nil
}

// Heartbeat renews the lease's TTL. Must only be called while State() ==
// StateLeader; followers observe heartbeat jitter tolerantly by never
// preempting until LeaseExpiresAt has actually passed.
func (m *LeaseManager) Heartbeat(ctx context.Context, now time.Time) error {
	if m.state != StateLeader {
		return fmt.Errorf("scheduler: heartbeat called while not leader (state=%s)", m.state)
	}

	locked, err := m.fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil {
		return fmt.Errorf("scheduler: lock lease file: %w", err)
	}
	if !locked {
		return fmt.Errorf("scheduler: could not acquire lease lock for heartbeat")
	}
	defer m.fileLock.Unlock()

	lease := m.lease
	lease.HeartbeatAt = now
	lease.LeaseExpiresAt = now.Add(LeaseTTL)
	if err := writeLease(m.path, lease); err != nil {
		return err
	}
	m.lease = lease
	return nil
}

// Release relinquishes leadership on graceful shutdown by deleting the
// lease file. No-op if this instance is not the current Leader.
func (m *LeaseManager) Release(ctx context.Context) error {
	if m.state != StateLeader {
		return nil
	}

	locked, err := m.fileLock.TryLockContext(ctx, 10*time.Millisecond)
	if err == nil && locked {
		defer m.fileLock.Unlock()
		if rmErr := os.Remove(m.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("scheduler: remove lease file: %w", rmErr)
		}
	}

	m.state = StateFollower
	m.lease = types.LeaderLease{}
	return nil
}

func readLease(path string) (types.LeaderLease, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.LeaderLease{}, err
	}
	var l types.LeaderLease
	if err := json.Unmarshal(data, &l); err != nil {
		return types.LeaderLease{}, fmt.Errorf("scheduler: corrupt lease file: %w", err)
	}
	return l, nil
}

func writeLease(path string, l types.LeaderLease) error {
	return atomicWriteJSON(path, l)
}

// atomicWriteJSON encodes v as indented JSON and writes it to path via
// renameio, so a crash mid-write never leaves a torn file visible under the
// final name.
func atomicWriteJSON(path string, v any) error {
	pf, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("scheduler: create pending file: %w", err)
	}
	defer pf.Cleanup()

	enc := json.NewEncoder(pf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("scheduler: encode: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("scheduler: atomically replace: %w", err)
	}
	return nil
}
