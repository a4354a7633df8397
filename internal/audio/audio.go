// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// Audio formats on the two sides of the bridge. The telephony side is fixed
// G.711 µ-law 8 kHz mono; the realtime AI side is PCM16 24 kHz mono. There is
// no codec negotiation.
const (
	TelephonyRate = 8000
	RealtimeRate  = 24000

	BytesPerSample = 2 // LINEAR16

	// 20 ms frames on the wire: 160 µ-law bytes per RTP packet.
	FrameDuration     = 20
	TelephonyFrame    = TelephonyRate * FrameDuration / 1000
	TimestampPerFrame = TelephonyFrame
)

// AudioConfig describes a linear PCM stream.
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Resampler converts linear PCM16 between sample rates. Only integer-ratio
// conversions are supported, which covers the fixed 8 kHz ⇄ 24 kHz path.
type Resampler interface {
	Resample(data []byte, from, to AudioConfig) ([]byte, error)
}

type linearResampler struct{}

// NewResampler returns the linear interpolation resampler.
func NewResampler() Resampler {
	return &linearResampler{}
}

// DecodeUlaw converts µ-law bytes to little-endian PCM16.
func DecodeUlaw(payload []byte) []byte {
	return g711.DecodeUlaw(payload)
}

// EncodeUlaw converts little-endian PCM16 to µ-law bytes.
func EncodeUlaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// Resample converts PCM16 between the two fixed rates. Upsampling uses linear
// interpolation; downsampling averages each group of source samples.
func (r *linearResampler) Resample(data []byte, from, to AudioConfig) ([]byte, error) {
	if from.Channels != 1 || to.Channels != 1 {
		return nil, fmt.Errorf("resampler supports mono only, got %d -> %d channels", from.Channels, to.Channels)
	}
	if len(data)%BytesPerSample != 0 {
		return nil, fmt.Errorf("pcm data length %d is not sample aligned", len(data))
	}
	if from.SampleRate == to.SampleRate {
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	samples := bytesToSamples(data)
	switch {
	case to.SampleRate > from.SampleRate && to.SampleRate%from.SampleRate == 0:
		return samplesToBytes(upsample(samples, to.SampleRate/from.SampleRate)), nil
	case from.SampleRate > to.SampleRate && from.SampleRate%to.SampleRate == 0:
		return samplesToBytes(downsample(samples, from.SampleRate/to.SampleRate)), nil
	default:
		return nil, fmt.Errorf("unsupported resample ratio %d -> %d", from.SampleRate, to.SampleRate)
	}
}

// upsample inserts ratio-1 linearly interpolated samples between neighbours.
func upsample(in []int16, ratio int) []int16 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int16, 0, len(in)*ratio)
	for i := 0; i < len(in); i++ {
		cur := int32(in[i])
		next := cur
		if i+1 < len(in) {
			next = int32(in[i+1])
		}
		for step := 0; step < ratio; step++ {
			v := cur + (next-cur)*int32(step)/int32(ratio)
			out = append(out, int16(v))
		}
	}
	return out
}

// downsample averages each group of ratio samples into one.
func downsample(in []int16, ratio int) []int16 {
	out := make([]int16, 0, len(in)/ratio)
	for i := 0; i+ratio <= len(in); i += ratio {
		var sum int32
		for j := 0; j < ratio; j++ {
			sum += int32(in[i+j])
		}
		out = append(out, int16(sum/int32(ratio)))
	}
	return out
}

func bytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/BytesPerSample)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

func samplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	return data
}
