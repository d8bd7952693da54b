// Package openai provides an STT provider backed by the OpenAI audio
// transcription API (Whisper-family models served over REST).
//
// OpenAI's transcription endpoint is a batch (non-streaming) API: it accepts
// a complete audio file and returns a complete transcript. To present this as
// a streaming session, the provider buffers incoming frames, applies an
// energy-based silence detector to segment utterances, and submits each
// completed utterance for transcription as soon as it is committed. This
// mirrors how a local batch engine is adapted to the same SessionHandle
// contract elsewhere in this package family; unlike a local server, round
// trips here incur network latency, so partials and finals still arrive
// together but later than a true streaming engine would produce them.
package openai

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fae-run/fae-core/pkg/provider/stt"
	"github.com/fae-run/fae-core/pkg/types"
)

const (
	bitsPerSample = 16

	defaultRMSThreshold        = 300.0
	defaultSampleRate          = 16000
	defaultSilenceThresholdMs  = 500
	defaultMaxBufferDurationMs = 10_000
	defaultModel               = "whisper-1"
)

var _ stt.Provider = (*Provider)(nil)

var errNotSupported = errors.New("openai: keyword boosting is not supported by the transcription API")

// config holds optional configuration for the provider.
type config struct {
	baseURL             string
	model               string
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the transcription model (e.g., "whisper-1", "gpt-4o-transcribe").
// Defaults to "whisper-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithSilenceThresholdMs sets the consecutive-silence duration (in
// milliseconds) that triggers a flush of the accumulated speech buffer.
// Defaults to 500 ms.
func WithSilenceThresholdMs(ms int) Option {
	return func(c *config) { c.silenceThresholdMs = ms }
}

// WithMaxBufferDurationMs sets the maximum duration of audio that may
// accumulate before a flush is forced regardless of silence. Defaults to
// 10 000 ms.
func WithMaxBufferDurationMs(ms int) Option {
	return func(c *config) { c.maxBufferDurationMs = ms }
}

// Provider implements stt.Provider backed by the OpenAI transcription API.
type Provider struct {
	client              oai.Client
	model               string
	silenceThresholdMs  int
	maxBufferDurationMs int
}

// New constructs a new OpenAI STT Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{
		model:               defaultModel,
		silenceThresholdMs:  defaultSilenceThresholdMs,
		maxBufferDurationMs: defaultMaxBufferDurationMs,
	}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client:              oai.NewClient(reqOpts...),
		model:               cfg.model,
		silenceThresholdMs:  cfg.silenceThresholdMs,
		maxBufferDurationMs: cfg.maxBufferDurationMs,
	}, nil
}

// StartStream opens a new transcription session. The returned SessionHandle
// is ready to accept audio immediately; no network call is made until the
// first utterance flush.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("openai: context already cancelled: %w", err)
	}

	sr := cfg.SampleRate
	if sr <= 0 {
		sr = defaultSampleRate
	}

	s := &session{
		client:              p.client,
		model:               p.model,
		language:            languageHint(cfg.Language),
		sampleRate:          sr,
		silenceThresholdMs:  p.silenceThresholdMs,
		maxBufferDurationMs: p.maxBufferDurationMs,

		audioCh:  make(chan []float32, 256),
		partials: make(chan types.Transcription, 64),
		finals:   make(chan types.Transcription, 64),
		done:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.processLoop(ctx)

	return s, nil
}

// languageHint converts a BCP-47 tag (e.g., "en-US") to the two-letter
// ISO-639-1 code the transcription API expects, since it does not accept
// region subtags.
func languageHint(tag string) string {
	if tag == "" {
		return ""
	}
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		return tag[:i]
	}
	return tag
}

// session is a live OpenAI transcription session. All mutable buffering
// state is confined to the processLoop goroutine to avoid data races.
type session struct {
	client              oai.Client
	model               string
	language            string
	sampleRate          int
	silenceThresholdMs  int
	maxBufferDurationMs int

	audioCh  chan []float32
	partials chan types.Transcription
	finals   chan types.Transcription

	seq  uint64
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a captured frame for silence analysis and buffering.
func (s *session) SendAudio(frame types.AudioFrame) error {
	select {
	case <-s.done:
		return errors.New("openai: session is closed")
	default:
	}
	select {
	case s.audioCh <- frame.Samples:
		return nil
	case <-s.done:
		return errors.New("openai: session is closed")
	}
}

// Partials returns a channel of interim transcriptions. For this provider
// each partial is emitted alongside its corresponding final.
func (s *session) Partials() <-chan types.Transcription { return s.partials }

// Finals returns a channel of authoritative transcriptions.
func (s *session) Finals() <-chan types.Transcription { return s.finals }

// SetKeywords always returns an error: the transcription API does not expose
// a keyword-boosting mechanism.
func (s *session) SetKeywords(_ []types.KeywordBoost) error {
	return fmt.Errorf("openai: %w", errNotSupported)
}

// Close terminates the session, flushing any pending speech for a final
// transcription request. Safe to call more than once.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []float32
		hadSpeech bool
		silenceMs int
	)

	samplesPerMs := s.sampleRate / 1000
	if samplesPerMs <= 0 {
		samplesPerMs = 16
	}
	maxBufferSamples := s.maxBufferDurationMs * samplesPerMs

	doFlush := func(flushCtx context.Context) {
		if len(buffer) == 0 || !hadSpeech {
			buffer = nil
			hadSpeech = false
			silenceMs = 0
			return
		}

		pcm := buffer
		buffer = nil
		hadSpeech = false
		silenceMs = 0

		text, err := s.infer(flushCtx, pcm)
		if err != nil || text == "" {
			return
		}

		s.seq++
		out := types.Transcription{Text: text, IsFinal: false}
		select {
		case s.partials <- out:
		default:
		}
		out.IsFinal = true
		select {
		case s.finals <- out:
		default:
		}
	}

	flushWithTimeout := func() {
		fc, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		doFlush(fc)
	}

	for {
		select {
		case <-ctx.Done():
			flushWithTimeout()
			return

		case <-s.done:
			flushWithTimeout()
			return

		case chunk, ok := <-s.audioCh:
			if !ok {
				flushWithTimeout()
				return
			}

			rms := computeRMS(chunk)
			chunkMs := len(chunk) / samplesPerMs

			if rms < defaultRMSThreshold {
				if hadSpeech {
					silenceMs += chunkMs
					buffer = append(buffer, chunk...)
					if silenceMs >= s.silenceThresholdMs {
						doFlush(ctx)
					}
				}
			} else {
				hadSpeech = true
				silenceMs = 0
				buffer = append(buffer, chunk...)
				if maxBufferSamples > 0 && len(buffer) >= maxBufferSamples {
					doFlush(ctx)
				}
			}
		}
	}
}

// infer encodes pcm as a WAV file and submits it to the transcription API.
func (s *session) infer(ctx context.Context, pcm []float32) (string, error) {
	wav := encodeWAV(pcm, s.sampleRate)

	params := oai.AudioTranscriptionNewParams{
		Model: oai.AudioModel(s.model),
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
	}
	if s.language != "" {
		params.Language = oai.String(s.language)
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: transcriptions.new: %w", err)
	}
	return resp.Text, nil
}

// encodeWAV wraps raw f32 PCM samples as 16-bit signed little-endian PCM in
// a standard RIFF/WAV container.
func encodeWAV(samples []float32, sampleRate int) []byte {
	const channels = 1
	const bps = bitsPerSample
	byteRate := sampleRate * channels * bps / 8
	blockAlign := channels * bps / 8
	dataSize := len(samples) * 2

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1)
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bps))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))

	for i, s := range samples {
		v := s
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		sample := int16(v * 32767)
		binary.LittleEndian.PutUint16(buf[44+i*2:46+i*2], uint16(sample))
	}

	return buf
}

// computeRMS returns the root-mean-square energy of a f32 PCM buffer,
// expressed in 16-bit signed PCM units (0-32767) for comparison against
// defaultRMSThreshold.
func computeRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) * 32767
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
