// Package transcript assembles discrete word-recognition events into coherent
// text segments.
//
// The [Tracker] folds two independently timed input streams — raw audio
// batches and recognised words with their own timestamps — into a single
// sequence of [Update] values. Partial snapshots are emitted as the open
// segment's text or stop time changes (deduplicated against the previous
// emission); a segment is finalised either when the owned voice activity
// detector confirms sustained silence past a configured duration, or when the
// caller ends it explicitly.
//
// A Tracker is a synchronous, single-owner state machine. Callers that share
// one instance across goroutines must serialise access themselves; see the
// session package for the standard wrapper.
package transcript

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/eschmidbauer/moshi/internal/vad"
)

// Config holds the parameters for a [Tracker].
type Config struct {
	// VAD configures the owned energy detector.
	VAD vad.Config

	// FinalizeAfter is the silence duration in seconds, measured on the
	// detector's audio-derived clock, after which an open segment is
	// finalised automatically.
	FinalizeAfter float64
}

// DefaultConfig returns tracker parameters tuned for 24 kHz mono speech.
func DefaultConfig() Config {
	return Config{
		VAD:           vad.DefaultConfig(),
		FinalizeAfter: 0.8,
	}
}

// Update is a snapshot of a transcript segment. A non-final Update describes
// the current open segment; a final Update closes it.
type Update struct {
	// Text is the accumulated segment text, whitespace-trimmed.
	Text string `json:"text"`

	// StartTime is the recogniser-reported start of the segment's first word,
	// in seconds.
	StartTime float64 `json:"start_time"`

	// StopTime is the most recent end-of-word timestamp, in seconds. Nil when
	// no end-of-word signal has arrived for this segment yet.
	StopTime *float64 `json:"stop_time,omitempty"`

	// IsFinal marks the terminal update of a segment.
	IsFinal bool `json:"is_final"`
}

// emitted is the (text, stop time, finality) tuple of the last update sent
// out, kept purely for deduplicating partial snapshots.
type emitted struct {
	text    string
	stop    float64
	hasStop bool
	isFinal bool
}

// Tracker accumulates recognised words into segments and decides when to
// surface output. It exclusively owns one [vad.Detector].
type Tracker struct {
	vad           *vad.Detector
	finalizeAfter float64

	buf         string
	startTime   float64
	hasStart    bool
	lastStop    float64
	hasLastStop bool
	lastEmitted *emitted
}

// New creates a Tracker and its owned detector from cfg.
func New(cfg Config) *Tracker {
	return &Tracker{
		vad:           vad.New(cfg.VAD),
		finalizeAfter: cfg.FinalizeAfter,
	}
}

// IngestAudio forwards pcm to the owned detector and finalises the open
// segment when the silence timer has elapsed. The returned slice holds the
// final update, if one was produced.
func (t *Tracker) IngestAudio(pcm []float32) []Update {
	// Speech-end events from the detector are deliberately discarded; the
	// silence timer below recomputes the same condition anchored on
	// LastVoiceTime, which keeps finalisation timing identical whether the
	// transition happened in this batch or an earlier one.
	t.vad.Process(pcm)
	if t.shouldFinalizeByTimer() {
		if u, ok := t.finalize(t.vad.LastVoiceTime(), true); ok {
			return []Update{u}
		}
	}
	return nil
}

// HandleWord appends a recognised word to the open segment, opening one if
// necessary, and returns a partial update when the snapshot changed. The word
// is trimmed first; an empty result is a no-op. startTime becomes the
// segment's start only for the first word of a segment.
func (t *Tracker) HandleWord(word string, startTime float64) (Update, bool) {
	piece := strings.TrimSpace(word)
	if piece == "" {
		return Update{}, false
	}
	if t.buf != "" && needsSeparator(t.buf, piece) {
		t.buf += " "
	}
	t.buf += piece
	if !t.hasStart {
		t.startTime = startTime
		t.hasStart = true
	}
	return t.emitPartial()
}

// HandleEndWord records stopTime as the segment's latest end-of-word instant
// (the most recent signal always wins) and returns a partial update when the
// snapshot changed.
func (t *Tracker) HandleEndWord(stopTime float64) (Update, bool) {
	t.lastStop = stopTime
	t.hasLastStop = true
	return t.emitPartial()
}

// ForceFinalize closes the open segment explicitly, e.g. at stream end. When
// no end-of-word timestamp was recorded the stop time falls back to the
// detector's last voiced instant, then its clock, then none at all.
func (t *Tracker) ForceFinalize() (Update, bool) {
	fallback, ok := t.lastStop, t.hasLastStop
	if !ok {
		if v := t.vad.LastVoiceTime(); v > 0 {
			fallback, ok = v, true
		} else if c := t.vad.CurrentTime(); c > 0 {
			fallback, ok = c, true
		}
	}
	return t.finalize(fallback, ok)
}

// Reset clears all segment state and the owned detector. Unlike finalisation
// this restarts the audio-derived clock, so it marks a session boundary, not
// a segment boundary.
func (t *Tracker) Reset() {
	t.clearSegment()
	t.vad.Reset()
}

// emitPartial builds a candidate non-final update for the open segment and
// returns it only when it differs from the previously emitted snapshot in
// text, stop time, or finality.
func (t *Tracker) emitPartial() (Update, bool) {
	if !t.hasStart {
		return Update{}, false
	}
	text := strings.TrimSpace(t.buf)
	if text == "" {
		return Update{}, false
	}
	cand := emitted{text: text, stop: t.lastStop, hasStop: t.hasLastStop}
	if prev := t.lastEmitted; prev != nil && *prev == cand {
		return Update{}, false
	}
	t.lastEmitted = &cand
	u := Update{Text: text, StartTime: t.startTime}
	if cand.hasStop {
		stop := cand.stop
		u.StopTime = &stop
	}
	return u, true
}

// finalize closes the segment. The stop time is the recorded end-of-word
// timestamp, or fallback when none was recorded; a stop time earlier than the
// segment start is clamped up to the start, guarding against detector
// timestamps that lag behind the recogniser's reported start. Segment state
// is always cleared, the detector never is. Final updates bypass
// deduplication.
func (t *Tracker) finalize(fallback float64, hasFallback bool) (Update, bool) {
	if !t.hasStart {
		return Update{}, false
	}
	text := strings.TrimSpace(t.buf)
	if text == "" {
		t.clearSegment()
		return Update{}, false
	}
	stop, hasStop := t.lastStop, t.hasLastStop
	if !hasStop {
		stop, hasStop = fallback, hasFallback
	}
	if hasStop && stop < t.startTime {
		stop = t.startTime
	}
	u := Update{Text: text, StartTime: t.startTime, IsFinal: true}
	if hasStop {
		v := stop
		u.StopTime = &v
	}
	t.clearSegment()
	return u, true
}

// clearSegment resets segment-scoped state only. The detector's clock and
// speech state keep running so timestamps stay continuous across segments
// within one session.
func (t *Tracker) clearSegment() {
	t.buf = ""
	t.startTime = 0
	t.hasStart = false
	t.lastStop = 0
	t.hasLastStop = false
	t.lastEmitted = nil
}

// shouldFinalizeByTimer reports whether the open segment has been silent long
// enough to close: there is buffered text, the detector is not currently
// voiced, voice has been observed at least once, and the silence measured on
// the audio-derived clock has reached the configured duration.
func (t *Tracker) shouldFinalizeByTimer() bool {
	if t.buf == "" {
		return false
	}
	if t.vad.InSpeech() {
		return false
	}
	lastVoice := t.vad.LastVoiceTime()
	if lastVoice <= 0 {
		return false
	}
	return t.vad.CurrentTime()-lastVoice >= t.finalizeAfter
}

// needsSeparator reports whether a single space must be inserted between the
// buffered text and the next piece: only when the buffer's last non-space
// rune and the piece's first non-space rune are both alphanumeric. This keeps
// ordinary words separated while avoiding a spurious space before leading
// punctuation or attached suffixes.
func needsSeparator(buf, piece string) bool {
	prev, okPrev := lastNonSpaceRune(buf)
	next, okNext := firstNonSpaceRune(piece)
	return okPrev && okNext && isAlphanumeric(prev) && isAlphanumeric(next)
}

func isAlphanumeric(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

func firstNonSpaceRune(s string) (rune, bool) {
	for _, r := range s {
		if !unicode.IsSpace(r) {
			return r, true
		}
	}
	return 0, false
}

func lastNonSpaceRune(s string) (rune, bool) {
	for len(s) > 0 {
		r, size := utf8.DecodeLastRuneInString(s)
		s = s[:len(s)-size]
		if !unicode.IsSpace(r) {
			return r, true
		}
	}
	return 0, false
}
