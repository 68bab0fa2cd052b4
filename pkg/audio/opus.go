package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// Opus ingest is fixed at 48 kHz stereo with 20 ms packets, the format
// produced by browser capture pipelines.
const (
	opusSampleRate  = 48000
	opusChannels    = 2
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per channel per 20 ms packet.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960
)

// opusDecoder decodes Opus packets, downmixes to mono, and resamples to the
// target rate. Decoder state carries across packets, so one instance must
// stay bound to one stream.
type opusDecoder struct {
	dec     *gopus.Decoder
	dstRate int
}

// NewOpusDecoder returns a Decoder for Opus packets (one packet per wire
// message) producing mono samples at dstRate.
func NewOpusDecoder(dstRate int) (Decoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &opusDecoder{dec: dec, dstRate: dstRate}, nil
}

func (d *opusDecoder) Decode(msg []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(msg, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	mono := StereoToMono(int16sToBytes(pcm))
	mono = ResampleMono16(mono, opusSampleRate, d.dstRate)
	return Float32FromS16LE(mono)
}
