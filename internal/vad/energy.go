// Package vad implements frame-based energy voice activity detection.
//
// The detector consumes raw PCM sample batches, slices them into fixed-length
// frames, and classifies each frame as voiced or silent by comparing its mean
// squared amplitude against a threshold. Silence must persist for a minimum
// duration before a voiced region is considered ended, which suppresses
// spurious speech-end flips on short pauses.
//
// All timing is derived from the amount of audio pushed through [Detector.Process],
// never from the wall clock, so detection behaviour is deterministic and
// independent of scheduling jitter. A Detector is a plain single-owner state
// machine: it performs no I/O, never blocks, and is not safe for concurrent use.
package vad

// Config holds the parameters for an energy [Detector].
type Config struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// FrameLength is the number of samples per classification frame.
	// With the defaults (24 kHz, 480 samples) each frame covers 20 ms.
	FrameLength int

	// EnergyThreshold is the mean squared amplitude above which a frame is
	// classified as voiced. Unitless; samples are expected in [-1, 1].
	EnergyThreshold float64

	// MinSilence is the silence duration in seconds that must accumulate
	// before an active speech region is considered ended.
	MinSilence float64
}

// DefaultConfig returns the detector parameters tuned for 24 kHz mono speech.
func DefaultConfig() Config {
	return Config{
		SampleRate:      24000,
		FrameLength:     480,
		EnergyThreshold: 7.5e-4,
		MinSilence:      0.6,
	}
}

// enabled reports whether the config permits frame processing. A zero sample
// rate or frame length disables the detector entirely; this is a valid, inert
// configuration rather than an error.
func (c Config) enabled() bool {
	return c.SampleRate > 0 && c.FrameLength > 0
}

// frameDuration returns the duration of one frame in seconds.
func (c Config) frameDuration() float64 {
	return float64(c.FrameLength) / float64(c.SampleRate)
}

// Event signals that a speech region has ended: silence persisted for at
// least Config.MinSilence after the last voiced frame.
type Event struct {
	// EndTime is the end instant of the most recent voiced frame, in seconds
	// on the detector's audio-derived clock.
	EndTime float64
}

// Detector is an energy-based voice activity detector. Create one with [New];
// the zero value is not usable.
type Detector struct {
	cfg Config

	// residual holds samples that do not yet form a complete frame.
	residual []float32

	currentTime   float64
	inSpeech      bool
	silenceAccum  float64
	lastVoiceTime float64
}

// New creates a Detector with the given configuration.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Process appends pcm to the residual queue and classifies every complete
// frame it now holds, in arrival order. It returns one [Event] per
// voiced-to-confirmed-silent transition that occurred; the returned slice is
// nil when no region ended.
//
// Empty input and disabled configurations are no-ops.
func (d *Detector) Process(pcm []float32) []Event {
	if len(pcm) == 0 || !d.cfg.enabled() {
		return nil
	}
	d.residual = append(d.residual, pcm...)

	frameLen := d.cfg.FrameLength
	frameDur := d.cfg.frameDuration()

	var events []Event
	off := 0
	for len(d.residual)-off >= frameLen {
		frame := d.residual[off : off+frameLen]
		off += frameLen

		var energy float64
		for _, s := range frame {
			energy += float64(s) * float64(s)
		}
		energy /= float64(frameLen)

		next := d.currentTime + frameDur
		switch {
		case energy >= d.cfg.EnergyThreshold:
			d.inSpeech = true
			d.silenceAccum = 0
			d.lastVoiceTime = next
		case d.inSpeech:
			d.silenceAccum += frameDur
			if d.silenceAccum >= d.cfg.MinSilence {
				d.inSpeech = false
				d.silenceAccum = 0
				events = append(events, Event{EndTime: d.lastVoiceTime})
			}
		}
		d.currentTime = next
	}

	// Compact the queue so the backing array does not grow without bound.
	if off > 0 {
		n := copy(d.residual, d.residual[off:])
		d.residual = d.residual[:n]
	}
	return events
}

// Reset clears the residual queue and returns all timing and speech state to
// its initial values.
func (d *Detector) Reset() {
	d.residual = d.residual[:0]
	d.currentTime = 0
	d.inSpeech = false
	d.silenceAccum = 0
	d.lastVoiceTime = 0
}

// CurrentTime returns the detector's clock in seconds: the total duration of
// audio classified so far. It advances by one frame duration per processed
// frame regardless of classification and only [Detector.Reset] rewinds it.
func (d *Detector) CurrentTime() float64 { return d.currentTime }

// LastVoiceTime returns the end instant of the most recent voiced frame, or
// zero when no voiced frame has been observed.
func (d *Detector) LastVoiceTime() float64 { return d.lastVoiceTime }

// InSpeech reports whether the detector currently considers the stream voiced.
func (d *Detector) InSpeech() bool { return d.inSpeech }
