// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (e.g., a local
// Whisper server or a hosted API) and exposes a uniform streaming interface.
// The central abstraction is SessionHandle: once opened, a session accepts
// AudioFrame values from the capture stage and emits two streams of
// Transcription values — low-latency partials for UX only, and
// authoritative finals that the Pipeline Coordinator passes to the
// Conversation Gate.
//
// Implementations must be safe for concurrent use. Audio input and
// transcription output channels are goroutine-safe by construction.
package stt

import (
	"context"

	"github.com/fae-run/fae-core/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new STT
// session. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. Fae's working rate is 16000.
	SampleRate int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect the language, if
	// supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words (names, jargon). See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost
}

// SessionHandle represents an open STT streaming session. It is an
// interface so that test code can provide mock implementations without
// requiring a live provider connection.
//
// Callers must call Close when the session is no longer needed. Failing to
// do so may leak goroutines and network connections inside the provider
// implementation. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers one captured frame to the provider for
	// transcription. The frame's SampleRate must match StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(frame types.AudioFrame) error

	// Partials returns a read-only channel that emits low-latency interim
	// Transcription values (IsFinal=false) as the provider makes
	// preliminary guesses. These drive UX only and must never trigger LLM
	// generation. The channel is closed when the session ends.
	Partials() <-chan types.Transcription

	// Finals returns a read-only channel that emits authoritative
	// Transcription values (IsFinal=true) once the provider has committed
	// to a recognition result. The channel is closed when the session
	// ends.
	Finals() <-chan types.Transcription

	// SetKeywords replaces the active keyword boost list without
	// restarting the session. Providers that do not support mid-session
	// keyword updates may return ErrNotSupported. Changes take effect on a
	// best-effort basis; already-buffered audio frames may still use the
	// previous keyword set.
	SetKeywords(keywords []types.KeywordBoost) error

	// Close terminates the session, flushes any pending audio, and
	// releases all associated resources. After Close returns, the
	// Partials and Finals channels will be closed. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use, though Fae opens at most
// one session at a time.
type Provider interface {
	// StartStream opens a new streaming transcription session with the
	// given audio format and recognition configuration. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already
	// cancelled). The caller owns the SessionHandle and must call Close
	// when done.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
