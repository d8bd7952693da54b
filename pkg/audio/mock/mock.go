// Package mock provides in-memory mock implementations of the [audio.Device],
// [audio.Capture], [audio.Playback], and [audio.Mixer] interfaces for use in
// unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	cap := &mock.Capture{FramesResult: make(chan audio.AudioFrame, 16)}
//	dev := &mock.Device{CaptureResult: cap}
//	got, err := dev.OpenCapture(ctx)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/fae-run/fae-core/pkg/audio"
)

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock implementation of [audio.Capture].
// Set the exported Result fields before use; inspect the Call* fields after.
type Capture struct {
	mu sync.Mutex

	// FramesResult is returned by [Capture.Frames].
	FramesResult <-chan audio.AudioFrame

	// FramesError is returned by [Capture.Frames].
	FramesError error

	// StopError is returned by [Capture.Stop].
	StopError error

	// CallCountFrames records how many times Frames was called.
	CallCountFrames int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Frames implements [audio.Capture]. Returns FramesResult / FramesError.
func (c *Capture) Frames(_ context.Context) (<-chan audio.AudioFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountFrames++
	return c.FramesResult, c.FramesError
}

// Stop implements [audio.Capture]. Returns StopError.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountStop++
	return c.StopError
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Playback is a mock implementation of [audio.Playback].
type Playback struct {
	mu sync.Mutex

	// PlayError is returned by [Playback.Play].
	PlayError error

	// FlushError is returned by [Playback.Flush].
	FlushError error

	// StopError is returned by [Playback.Stop].
	StopError error

	// PlayedFrames records every frame passed to Play, in order.
	PlayedFrames []audio.AudioFrame

	// CallCountFlush records how many times Flush was called.
	CallCountFlush int

	// CallCountStop records how many times Stop was called.
	CallCountStop int
}

// Play implements [audio.Playback]. Records frame and returns PlayError.
func (p *Playback) Play(frame audio.AudioFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.PlayedFrames = append(p.PlayedFrames, frame)
	return p.PlayError
}

// Flush implements [audio.Playback]. Returns FlushError.
func (p *Playback) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountFlush++
	return p.FlushError
}

// Stop implements [audio.Playback]. Returns StopError.
func (p *Playback) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CallCountStop++
	return p.StopError
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [audio.Device].
type Device struct {
	mu sync.Mutex

	// CaptureResult is the [audio.Capture] returned by OpenCapture.
	CaptureResult audio.Capture

	// CaptureError is the error returned by OpenCapture.
	CaptureError error

	// PlaybackResult is the [audio.Playback] returned by OpenPlayback.
	PlaybackResult audio.Playback

	// PlaybackError is the error returned by OpenPlayback.
	PlaybackError error

	// CallCountOpenCapture records how many times OpenCapture was called.
	CallCountOpenCapture int

	// CallCountOpenPlayback records how many times OpenPlayback was called.
	CallCountOpenPlayback int
}

// OpenCapture implements [audio.Device]. Returns CaptureResult / CaptureError.
func (d *Device) OpenCapture(_ context.Context) (audio.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenCapture++
	return d.CaptureResult, d.CaptureError
}

// OpenPlayback implements [audio.Device]. Returns PlaybackResult / PlaybackError.
func (d *Device) OpenPlayback(_ context.Context) (audio.Playback, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountOpenPlayback++
	return d.PlaybackResult, d.PlaybackError
}

// ─── Mixer ────────────────────────────────────────────────────────────────────

// EnqueueCall records the arguments of a single [Mixer.Enqueue] invocation.
type EnqueueCall struct {
	// Segment is the audio segment passed to Enqueue.
	Segment *audio.AudioSegment
	// Priority is the priority argument passed to Enqueue.
	Priority int
}

// InterruptCall records the arguments of a single [Mixer.Interrupt] invocation.
type InterruptCall struct {
	// Reason is the interrupt reason passed to Interrupt.
	Reason audio.InterruptReason
}

// SetGapCall records the arguments of a single [Mixer.SetGap] invocation.
type SetGapCall struct {
	// Duration is the gap duration passed to SetGap.
	Duration time.Duration
}

// Mixer is a mock implementation of [audio.Mixer].
type Mixer struct {
	mu sync.Mutex

	// EnqueueCalls records all Enqueue invocations.
	EnqueueCalls []EnqueueCall

	// InterruptCalls records all Interrupt invocations.
	InterruptCalls []InterruptCall

	// SetGapCalls records all SetGap invocations.
	SetGapCalls []SetGapCall

	// CallCountOnBargeIn records how many times OnBargeIn was called.
	CallCountOnBargeIn int

	// BargeInHandlers holds the handlers registered via OnBargeIn in registration order.
	BargeInHandlers []func(speakerID string)
}

// Enqueue implements [audio.Mixer]. Records the call arguments.
func (m *Mixer) Enqueue(segment *audio.AudioSegment, priority int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EnqueueCalls = append(m.EnqueueCalls, EnqueueCall{Segment: segment, Priority: priority})
}

// Interrupt implements [audio.Mixer]. Records the reason.
func (m *Mixer) Interrupt(reason audio.InterruptReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InterruptCalls = append(m.InterruptCalls, InterruptCall{Reason: reason})
}

// OnBargeIn implements [audio.Mixer]. Appends handler to BargeInHandlers.
func (m *Mixer) OnBargeIn(handler func(speakerID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountOnBargeIn++
	m.BargeInHandlers = append(m.BargeInHandlers, handler)
}

// SetGap implements [audio.Mixer]. Records the gap duration.
func (m *Mixer) SetGap(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SetGapCalls = append(m.SetGapCalls, SetGapCall{Duration: d})
}

// TriggerBargeIn calls all registered barge-in handlers with speakerID.
// Use this in tests to simulate the user interrupting the assistant.
func (m *Mixer) TriggerBargeIn(speakerID string) {
	m.mu.Lock()
	handlers := make([]func(string), len(m.BargeInHandlers))
	copy(handlers, m.BargeInHandlers)
	m.mu.Unlock()
	for _, h := range handlers {
		h(speakerID)
	}
}
