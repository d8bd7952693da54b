// Package openai provides a TTS provider backed by the OpenAI audio speech
// API.
//
// Unlike a token-streamed WebSocket TTS service, OpenAI's speech endpoint is
// a request/response REST call: given a complete text fragment, it returns a
// complete audio file. SynthesizeStream bridges this to the streaming
// Provider contract by submitting each text fragment as it arrives on the
// input channel and forwarding the resulting audio in fixed-size chunks, so
// that downstream mixing can begin before the next fragment's synthesis
// completes.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/fae-run/fae-core/pkg/provider/tts"
	"github.com/fae-run/fae-core/pkg/types"
)

const (
	defaultModel       = "tts-1"
	defaultResponseFmt = oai.AudioSpeechNewParamsResponseFormatPCM
	defaultChunkBytes  = 4096
)

var _ tts.Provider = (*Provider)(nil)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel sets the speech synthesis model (e.g., "tts-1", "tts-1-hd",
// "gpt-4o-mini-tts"). Defaults to "tts-1".
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// Provider implements tts.Provider backed by the OpenAI speech API.
type Provider struct {
	client oai.Client
	model  string
}

// New constructs a new OpenAI TTS Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}

	cfg := &config{model: defaultModel}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// SynthesizeStream consumes text fragments from text and submits each as a
// separate speech synthesis request, forwarding decoded PCM audio in
// defaultChunkBytes pieces on the returned channel. The channel is closed
// when text is closed (after the in-flight request drains) or ctx is
// cancelled.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice types.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai: voice.ID must not be empty")
	}

	audioCh := make(chan []byte, 256)

	go func() {
		defer close(audioCh)

		for {
			select {
			case fragment, ok := <-text:
				if !ok {
					return
				}
				if fragment == "" {
					continue
				}
				if err := p.synthesizeFragment(ctx, fragment, voice, audioCh); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return audioCh, nil
}

func (p *Provider) synthesizeFragment(ctx context.Context, fragment string, voice types.VoiceProfile, audioCh chan<- []byte) error {
	params := oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(p.model),
		Input:          fragment,
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: defaultResponseFmt,
	}

	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai: speech.new: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, defaultChunkBytes)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case audioCh <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("openai: read speech response: %w", err)
		}
	}
}

// ---- ListVoices ----

// builtinVoices enumerates the fixed set of voices OpenAI's speech API
// supports; unlike ElevenLabs, there is no catalogue endpoint to query.
var builtinVoices = []string{
	"alloy", "echo", "fable", "onyx", "nova", "shimmer", "coral", "verse",
}

// ListVoices returns the fixed set of built-in OpenAI voices. The API
// exposes no catalogue endpoint, so this list is maintained here.
func (p *Provider) ListVoices(ctx context.Context) ([]types.VoiceProfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	profiles := make([]types.VoiceProfile, 0, len(builtinVoices))
	for _, id := range builtinVoices {
		profiles = append(profiles, types.VoiceProfile{
			ID:       id,
			Name:     id,
			Provider: "openai",
		})
	}
	return profiles, nil
}

// CloneVoice always returns an error: the OpenAI speech API does not support
// custom voice cloning.
func (p *Provider) CloneVoice(ctx context.Context, samples [][]byte) (*types.VoiceProfile, error) {
	return nil, errors.New("openai: voice cloning is not supported")
}
