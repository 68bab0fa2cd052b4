package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills absent fields from
// [Default], and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults restores defaults for fields a config file set to their zero
// value (YAML cannot distinguish "absent" from "zero" for scalars once the
// document overwrites a section).
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = def.Server.LogLevel
	}
	if cfg.Audio.DefaultFormat == "" {
		cfg.Audio.DefaultFormat = def.Audio.DefaultFormat
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.VAD.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("vad.sample_rate %d must not be negative", cfg.VAD.SampleRate))
	}
	if cfg.VAD.FrameLength < 0 {
		errs = append(errs, fmt.Errorf("vad.frame_length %d must not be negative", cfg.VAD.FrameLength))
	}
	if cfg.VAD.EnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("vad.energy_threshold %g must not be negative", cfg.VAD.EnergyThreshold))
	}
	if cfg.VAD.MinSilenceS < 0 {
		errs = append(errs, fmt.Errorf("vad.min_silence_s %g must not be negative", cfg.VAD.MinSilenceS))
	}

	if cfg.Tracker.FinalizeAfterS < 0 {
		errs = append(errs, fmt.Errorf("tracker.finalize_after_s %g must not be negative", cfg.Tracker.FinalizeAfterS))
	}

	if !cfg.Audio.DefaultFormat.IsValid() {
		errs = append(errs, fmt.Errorf("audio.default_format %q is invalid; valid values: s16le, f32le, opus", cfg.Audio.DefaultFormat))
	}

	return errors.Join(errs...)
}
