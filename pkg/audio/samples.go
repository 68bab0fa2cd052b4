package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Decoder turns one wire message of encoded audio into mono float32 samples
// in [-1, 1] at the target sample rate. A Decoder carries per-stream state
// (e.g. the Opus decoder history); create one per connection and do not share
// it across goroutines.
type Decoder interface {
	Decode(msg []byte) ([]float32, error)
}

// Float32FromS16LE converts little-endian signed 16-bit PCM to float32
// samples scaled to [-1, 1). Returns an error on an odd byte count.
func Float32FromS16LE(pcm []byte) ([]float32, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: s16le payload has odd byte count %d", len(pcm))
	}
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768
	}
	return out, nil
}

// Float32FromF32LE reinterprets little-endian IEEE-754 32-bit float PCM as
// float32 samples. Returns an error when the payload is not a whole number
// of samples.
func Float32FromF32LE(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("audio: f32le payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// s16leDecoder decodes raw s16le mono PCM, resampling from srcRate to
// dstRate when they differ.
type s16leDecoder struct {
	srcRate int
	dstRate int
}

// NewS16LEDecoder returns a Decoder for raw little-endian 16-bit mono PCM
// delivered at srcRate, producing samples at dstRate.
func NewS16LEDecoder(srcRate, dstRate int) Decoder {
	return &s16leDecoder{srcRate: srcRate, dstRate: dstRate}
}

func (d *s16leDecoder) Decode(msg []byte) ([]float32, error) {
	if len(msg)%2 != 0 {
		return nil, fmt.Errorf("audio: s16le payload has odd byte count %d", len(msg))
	}
	pcm := ResampleMono16(msg, d.srcRate, d.dstRate)
	return Float32FromS16LE(pcm)
}

// f32leDecoder decodes raw f32le mono PCM. No resampling is performed:
// float input must already be at the target rate.
type f32leDecoder struct{}

// NewF32LEDecoder returns a Decoder for raw little-endian float32 mono PCM.
// srcRate must equal dstRate; f32le input is expected pre-resampled.
func NewF32LEDecoder(srcRate, dstRate int) (Decoder, error) {
	if srcRate != dstRate {
		return nil, fmt.Errorf("audio: f32le input must be delivered at %s, got %s",
			formatString(dstRate, 1), formatString(srcRate, 1))
	}
	return f32leDecoder{}, nil
}

func (f32leDecoder) Decode(msg []byte) ([]float32, error) {
	return Float32FromF32LE(msg)
}
