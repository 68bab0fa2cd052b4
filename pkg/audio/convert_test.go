package audio_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/eschmidbauer/moshi/pkg/audio"
)

// samplesToBytes converts a slice of int16 samples to little-endian byte representation.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts a little-endian byte slice to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestStereoToMono(t *testing.T) {
	// Two stereo frames: L=100,R=200 and L=-100,R=-200
	stereo := samplesToBytes([]int16{100, 200, -100, -200})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	want := []int16{150, -150}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono_Clamping(t *testing.T) {
	// Two max-positive samples should clamp to 32767 (not overflow).
	stereo := samplesToBytes([]int16{32767, 32767})
	mono := audio.StereoToMono(stereo)
	got := bytesToSamples(mono)
	if len(got) != 1 {
		t.Fatalf("length mismatch: got %d, want 1", len(got))
	}
	if got[0] != 32767 {
		t.Errorf("got %d, want 32767", got[0])
	}
}

func TestResampleMono16_SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16_Downsample(t *testing.T) {
	// 6 samples at 48kHz → 3 samples at 24kHz
	pcm := samplesToBytes([]int16{100, 200, 300, 400, 500, 600})
	out := audio.ResampleMono16(pcm, 48000, 24000)
	got := bytesToSamples(out)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 100 {
		t.Errorf("first sample: got %d, want 100", got[0])
	}
}

func TestResampleMono16_Upsample(t *testing.T) {
	// 2 samples at 16kHz → 6 samples at 48kHz (3x)
	pcm := samplesToBytes([]int16{1000, 2000})
	out := audio.ResampleMono16(pcm, 16000, 48000)
	got := bytesToSamples(out)
	if len(got) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(got))
	}
	if got[0] != 1000 {
		t.Errorf("first sample: got %d, want 1000", got[0])
	}
	last := got[len(got)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample: got %d, want close to 2000", last)
	}
}

func TestFloat32FromS16LE(t *testing.T) {
	pcm := samplesToBytes([]int16{0, 16384, -16384, 32767, -32768})
	got, err := audio.Float32FromS16LE(pcm)
	if err != nil {
		t.Fatalf("Float32FromS16LE: %v", err)
	}
	want := []float32{0, 0.5, -0.5, 32767.0 / 32768, -1}
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-6 {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32FromS16LE_OddLength(t *testing.T) {
	if _, err := audio.Float32FromS16LE([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for odd byte count")
	}
}

func TestFloat32FromF32LE(t *testing.T) {
	want := []float32{0, 0.25, -0.75, 1}
	buf := make([]byte, len(want)*4)
	for i, v := range want {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	got, err := audio.Float32FromF32LE(buf)
	if err != nil {
		t.Fatalf("Float32FromF32LE: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestFloat32FromF32LE_Misaligned(t *testing.T) {
	if _, err := audio.Float32FromF32LE(make([]byte, 6)); err == nil {
		t.Fatal("expected error for misaligned payload")
	}
}

func TestS16LEDecoder_Resamples(t *testing.T) {
	dec := audio.NewS16LEDecoder(48000, 24000)
	samples, err := dec.Decode(samplesToBytes([]int16{100, 200, 300, 400}))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(samples) != 2 {
		t.Errorf("expected 2 samples after 2:1 downsample, got %d", len(samples))
	}
}

func TestNewF32LEDecoder_RejectsRateMismatch(t *testing.T) {
	if _, err := audio.NewF32LEDecoder(48000, 24000); err == nil {
		t.Fatal("expected error for f32le rate mismatch")
	}
	dec, err := audio.NewF32LEDecoder(24000, 24000)
	if err != nil {
		t.Fatalf("NewF32LEDecoder: %v", err)
	}
	if _, err := dec.Decode(make([]byte, 8)); err != nil {
		t.Errorf("Decode: %v", err)
	}
}
