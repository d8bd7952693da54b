package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fae-run/fae-core/pkg/types"
)

// ErrAlreadyRunning is returned by Runtime.Start when the pipeline is already
// Starting or Running, satisfying the Host Boundary's runtime.start
// idempotence requirement.
var ErrAlreadyRunning = errors.New("pipeline: runtime already starting or running")

// Factory builds the Deps for one Coordinator lifetime. It is called once
// per successful Start, so it may do work that must not be repeated across
// restarts without being redone (opening devices, re-reading config).
type Factory func(ctx context.Context) (Deps, error)

// Runtime is the Host Command/Event Boundary's lifecycle handle onto the
// Pipeline Coordinator. Unlike Coordinator, which is built once per Run call,
// Runtime survives repeated runtime.start/runtime.stop cycles, constructing
// a fresh Coordinator each time Start succeeds.
type Runtime struct {
	factory   Factory
	stopGrace time.Duration

	mu      sync.Mutex
	coord   *Coordinator
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewRuntime returns a Runtime that builds its Coordinator from factory on
// each Start, waiting at most stopGrace for a running Coordinator to drain
// on Stop before the caller gives up waiting (the Coordinator itself is
// still allowed to finish in the background).
func NewRuntime(factory Factory, stopGrace time.Duration) *Runtime {
	return &Runtime{factory: factory, stopGrace: stopGrace}
}

// Start builds a new Coordinator and runs it on its own goroutine, blocking
// until the Coordinator reaches RuntimeRunning or RuntimeError (or ctx is
// cancelled first). Returns ErrAlreadyRunning if a Coordinator from a
// previous Start is still Starting or Running.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.coord != nil {
		state := r.coord.State()
		if state == types.RuntimeStarting || state == types.RuntimeRunning {
			r.mu.Unlock()
			return ErrAlreadyRunning
		}
	}

	deps, err := r.factory(ctx)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("pipeline: runtime start: build deps: %w", err)
	}

	coord := New(deps)
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	r.coord = coord
	r.cancel = cancel
	r.done = done
	r.runErr = nil
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := coord.Run(runCtx)
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
	}()

	select {
	case <-coord.Ready():
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	if coord.State() == types.RuntimeError {
		r.mu.Lock()
		runErr := r.runErr
		r.mu.Unlock()
		if runErr != nil {
			return fmt.Errorf("pipeline: runtime start: %w", runErr)
		}
		return errors.New("pipeline: runtime start: coordinator entered error state")
	}
	return nil
}

// Stop cancels the running Coordinator and waits up to the Runtime's
// stopGrace (or ctx's deadline, whichever is sooner) for it to fully drain.
// Stop on an already-Stopped or never-started Runtime returns nil
// immediately, satisfying the Host Boundary's runtime.stop idempotence
// requirement.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	coord := r.coord
	cancel := r.cancel
	done := r.done
	r.mu.Unlock()

	if coord == nil || coord.State() == types.RuntimeStopped {
		return nil
	}

	cancel()

	grace := r.stopGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("pipeline: runtime stop: stage graph did not drain within %s", grace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current Coordinator's lifecycle state, or
// types.RuntimeStopped if no Coordinator has ever been started.
func (r *Runtime) State() types.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord == nil {
		return types.RuntimeStopped
	}
	return r.coord.State()
}

// Coordinator returns the live Coordinator, or nil if none is running. Used
// by the Host Boundary to proxy conversation/approval/model commands to
// whichever Coordinator is currently active.
func (r *Runtime) Coordinator() *Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.coord == nil {
		return nil
	}
	switch r.coord.State() {
	case types.RuntimeStopped:
		return nil
	default:
		return r.coord
	}
}
