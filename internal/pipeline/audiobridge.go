package pipeline

import (
	"github.com/fae-run/fae-core/pkg/audio"
	"github.com/fae-run/fae-core/pkg/types"
)

// toTypesFrame converts a raw little-endian int16 PCM frame, as produced by
// the capture device and consumed by VAD, into the f32 [types.AudioFrame]
// representation the STT provider expects. Capture, VAD, and Mixer work in
// raw bytes because that is the format every Device implementation and the
// [pkg/audio/mixer] package speak; STT works in f32 because
// stt.SessionHandle.SendAudio takes a [types.AudioFrame].
func toTypesFrame(frame audio.AudioFrame, seq uint64) types.AudioFrame {
	samples := make([]float32, len(frame.Data)/2)
	for i := range samples {
		s := int16(frame.Data[i*2]) | int16(frame.Data[i*2+1])<<8
		samples[i] = float32(s) / 32768.0
	}
	return types.AudioFrame{
		Samples:    samples,
		SampleRate: frame.SampleRate,
		Sequence:   seq,
		Timestamp:  frame.Timestamp,
	}
}
