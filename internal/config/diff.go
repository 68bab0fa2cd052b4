package config

// Changes describes what differs between two configs.
// Only fields that can be safely hot-reloaded are tracked: detector and
// tracker tuning applies to sessions opened after the reload, and the log
// level applies immediately. Listen addresses require a restart and are not
// diffed.
type Changes struct {
	// TuningChanged is true when any vad.* or tracker.* field changed.
	TuningChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// FormatChanged is true when audio.default_format changed.
	FormatChanged bool
	NewFormat     Format
}

// Any reports whether the diff contains at least one change.
func (d Changes) Any() bool {
	return d.TuningChanged || d.LogLevelChanged || d.FormatChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) Changes {
	d := Changes{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.VAD != new.VAD || old.Tracker != new.Tracker {
		d.TuningChanged = true
	}

	if old.Audio.DefaultFormat != new.Audio.DefaultFormat {
		d.FormatChanged = true
		d.NewFormat = new.Audio.DefaultFormat
	}

	return d
}
