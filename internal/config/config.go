// Package config provides the configuration schema, loader, and file watcher
// for the moshi transcript assembly service.
package config

import (
	"github.com/eschmidbauer/moshi/internal/transcript"
	"github.com/eschmidbauer/moshi/internal/vad"
)

// LogLevel controls log verbosity for the moshi server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Format identifies an audio wire format accepted on the ingest endpoint.
type Format string

const (
	// FormatS16LE is raw little-endian signed 16-bit PCM.
	FormatS16LE Format = "s16le"

	// FormatF32LE is raw little-endian IEEE-754 32-bit float PCM.
	FormatF32LE Format = "f32le"

	// FormatOpus is Opus packets at 48 kHz stereo, one packet per message.
	FormatOpus Format = "opus"
)

// IsValid reports whether f is a recognised audio format.
func (f Format) IsValid() bool {
	switch f {
	case FormatS16LE, FormatF32LE, FormatOpus:
		return true
	}
	return false
}

// Config is the root configuration structure for moshi.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	VAD     VADConfig     `yaml:"vad"`
	Tracker TrackerConfig `yaml:"tracker"`
	Audio   AudioConfig   `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the ingest server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr is the TCP address for the Prometheus /metrics and health
	// endpoints. Empty disables the telemetry listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// VADConfig tunes the energy voice activity detector.
type VADConfig struct {
	// SampleRate is the audio sample rate in Hz the detector operates at.
	SampleRate int `yaml:"sample_rate"`

	// FrameLength is the number of samples per classification frame.
	FrameLength int `yaml:"frame_length"`

	// EnergyThreshold is the mean squared amplitude above which a frame
	// counts as voiced.
	EnergyThreshold float64 `yaml:"energy_threshold"`

	// MinSilenceS is the silence duration in seconds required before a
	// voiced region is considered ended.
	MinSilenceS float64 `yaml:"min_silence_s"`
}

// TrackerConfig tunes transcript segment assembly.
type TrackerConfig struct {
	// FinalizeAfterS is the silence duration in seconds, measured on the
	// detector's audio clock, after which an open segment auto-finalises.
	FinalizeAfterS float64 `yaml:"finalize_after_s"`
}

// AudioConfig controls the accepted ingest audio formats.
type AudioConfig struct {
	// DefaultFormat applies when a client does not request a format.
	DefaultFormat Format `yaml:"default_format"`
}

// Default returns the configuration used when a field is absent from the
// YAML file: 24 kHz / 20 ms frames, 600 ms silence hysteresis, 800 ms
// finalize timer.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:  ":8080",
			MetricsAddr: ":9090",
			LogLevel:    LogInfo,
		},
		VAD: VADConfig{
			SampleRate:      24000,
			FrameLength:     480,
			EnergyThreshold: 7.5e-4,
			MinSilenceS:     0.6,
		},
		Tracker: TrackerConfig{
			FinalizeAfterS: 0.8,
		},
		Audio: AudioConfig{
			DefaultFormat: FormatS16LE,
		},
	}
}

// DetectorDisabled reports whether the VAD settings describe an inert
// detector. A zero sample rate or frame length is valid, but such sessions
// only close segments on explicit finalize; callers should surface this so a
// typo does not silently disable silence-driven finalisation.
func (c *Config) DetectorDisabled() bool {
	return c.VAD.SampleRate == 0 || c.VAD.FrameLength == 0
}

// TrackerSettings converts the loaded configuration into the tracker's own
// config type.
func (c *Config) TrackerSettings() transcript.Config {
	return transcript.Config{
		VAD: vad.Config{
			SampleRate:      c.VAD.SampleRate,
			FrameLength:     c.VAD.FrameLength,
			EnergyThreshold: c.VAD.EnergyThreshold,
			MinSilence:      c.VAD.MinSilenceS,
		},
		FinalizeAfter: c.Tracker.FinalizeAfterS,
	}
}
