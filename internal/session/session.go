// Package session wraps the transcript tracker for use by concurrent
// transports.
//
// A [Session] owns exactly one tracker and serialises every call into it, so
// the tracker's single-owner invariants hold even when audio and word events
// arrive from different goroutines. The [Manager] tracks live sessions,
// hands out per-session tracker configuration (which may be hot-reloaded for
// sessions opened later), and finalises stragglers on shutdown.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eschmidbauer/moshi/internal/observe"
	"github.com/eschmidbauer/moshi/internal/transcript"
)

// Session serialises access to one transcript tracker. All exported methods
// are safe for concurrent use.
type Session struct {
	id      string
	started time.Time
	log     *slog.Logger
	metrics *observe.Metrics

	// sampleRate converts ingested sample counts to audio seconds for
	// metrics; zero when the detector is disabled.
	sampleRate int

	mu       sync.Mutex
	tracker  *transcript.Tracker
	partials int
	finals   int
}

// newSession is called by the Manager; use [Manager.Open].
func newSession(id string, cfg transcript.Config, m *observe.Metrics) *Session {
	return &Session{
		id:         id,
		started:    time.Now(),
		log:        slog.Default().With("session", id),
		metrics:    m,
		sampleRate: cfg.VAD.SampleRate,
		tracker:    transcript.New(cfg),
	}
}

// ID returns the session identifier assigned by the Manager.
func (s *Session) ID() string { return s.id }

// IngestAudio feeds decoded samples to the tracker and returns any updates
// the silence timer produced.
func (s *Session) IngestAudio(ctx context.Context, pcm []float32) []transcript.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	updates := s.tracker.IngestAudio(pcm)
	if s.sampleRate > 0 {
		s.metrics.AudioSeconds.Add(ctx, float64(len(pcm))/float64(s.sampleRate))
	}
	s.record(ctx, updates)
	return updates
}

// HandleWord feeds one recognised word to the tracker.
func (s *Session) HandleWord(ctx context.Context, word string, startTime float64) []transcript.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.RecordWordEvent(ctx, "word")
	if u, ok := s.tracker.HandleWord(word, startTime); ok {
		updates := []transcript.Update{u}
		s.record(ctx, updates)
		return updates
	}
	return nil
}

// HandleEndWord feeds one end-of-word timestamp to the tracker.
func (s *Session) HandleEndWord(ctx context.Context, stopTime float64) []transcript.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metrics.RecordWordEvent(ctx, "end_word")
	if u, ok := s.tracker.HandleEndWord(stopTime); ok {
		updates := []transcript.Update{u}
		s.record(ctx, updates)
		return updates
	}
	return nil
}

// Finalize closes the open segment explicitly, e.g. at stream end.
func (s *Session) Finalize(ctx context.Context) []transcript.Update {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.tracker.ForceFinalize(); ok {
		updates := []transcript.Update{u}
		s.record(ctx, updates)
		return updates
	}
	return nil
}

// Reset clears the tracker and its detector, restarting the session clock.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.Reset()
	s.log.Debug("session reset")
}

// record updates emission metrics and counters. Caller holds s.mu.
func (s *Session) record(ctx context.Context, updates []transcript.Update) {
	for _, u := range updates {
		if u.IsFinal {
			s.finals++
			s.metrics.RecordUpdate(ctx, "final")
			if u.StopTime != nil {
				s.metrics.SegmentDuration.Record(ctx, *u.StopTime-u.StartTime)
			}
			s.log.Debug("segment finalised",
				"chars", len(u.Text),
				"start", u.StartTime,
			)
		} else {
			s.partials++
			s.metrics.RecordUpdate(ctx, "partial")
		}
	}
}

// close logs the session summary. Called by the Manager.
func (s *Session) close() {
	s.mu.Lock()
	partials, finals := s.partials, s.finals
	s.mu.Unlock()

	s.log.Info("session closed",
		"duration", time.Since(s.started).Round(time.Millisecond),
		"partials", partials,
		"finals", finals,
	)
}

// Manager tracks live sessions and supplies their tracker configuration.
// All exported methods are safe for concurrent use.
type Manager struct {
	metrics *observe.Metrics

	mu       sync.Mutex
	cfg      transcript.Config
	sessions map[string]*Session
	nextID   uint64
}

// NewManager creates a Manager that opens sessions with cfg.
func NewManager(cfg transcript.Config, m *observe.Metrics) *Manager {
	return &Manager{
		metrics:  m,
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// SetConfig replaces the tracker configuration used for sessions opened from
// now on. Live sessions keep the configuration they were opened with.
func (m *Manager) SetConfig(cfg transcript.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// Open creates and registers a new session.
func (m *Manager) Open(ctx context.Context) *Session {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("sess-%d", m.nextID)
	s := newSession(id, m.cfg, m.metrics)
	m.sessions[id] = s
	m.mu.Unlock()

	m.metrics.SessionsOpened.Add(ctx, 1)
	m.metrics.ActiveSessions.Add(ctx, 1)
	s.log.Info("session opened")
	return s
}

// Close unregisters a session and records its summary. Closing an unknown or
// already-closed session is a no-op.
func (m *Manager) Close(ctx context.Context, s *Session) {
	m.mu.Lock()
	_, known := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if !known {
		return
	}
	m.metrics.ActiveSessions.Add(ctx, -1)
	s.close()
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Drain finalises and closes every live session. Used during shutdown so
// buffered segment text is not silently lost.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Finalize(ctx)
		m.Close(ctx, s)
	}
}
