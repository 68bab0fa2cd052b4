// Package server exposes the transcript assembly engine over WebSocket.
//
// One connection is one session. Binary frames carry audio in the negotiated
// wire format; text frames carry JSON control events from the upstream
// recogniser (word, end_word, finalize, reset). Every transcript update the
// triggering message produced is written back to the client as a JSON text
// frame, in order.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/eschmidbauer/moshi/internal/config"
	"github.com/eschmidbauer/moshi/internal/observe"
	"github.com/eschmidbauer/moshi/internal/session"
	"github.com/eschmidbauer/moshi/internal/transcript"
	"github.com/eschmidbauer/moshi/pkg/audio"
)

// clientEvent is the JSON structure of a control message sent by the client.
type clientEvent struct {
	// Type is one of "word", "end_word", "finalize", "reset".
	Type string `json:"type"`

	// Word is the recognised token for Type "word".
	Word string `json:"word,omitempty"`

	// StartTime is the recogniser start timestamp in seconds for Type "word".
	StartTime float64 `json:"start_time,omitempty"`

	// StopTime is the end-of-word timestamp in seconds for Type "end_word".
	StopTime float64 `json:"stop_time,omitempty"`
}

// errorReply is sent to the client when a message could not be processed.
// The connection stays open; audio and subsequent events are unaffected.
type errorReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Server handles ingest WebSocket connections. Create one with [New]; it is
// safe for concurrent use by the HTTP stack.
type Server struct {
	sessions      *session.Manager
	metrics       *observe.Metrics
	defaultFormat config.Format
	vadRate       int
}

// New creates a Server that opens sessions from mgr. defaultFormat applies
// when a client does not pass ?format=, and vadRate is the sample rate the
// detector runs at (audio is resampled to it where the format allows).
func New(mgr *session.Manager, m *observe.Metrics, defaultFormat config.Format, vadRate int) *Server {
	return &Server{
		sessions:      mgr,
		metrics:       m,
		defaultFormat: defaultFormat,
		vadRate:       vadRate,
	}
}

// Register adds the ingest route to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stream", s.handleStream)
}

// newDecoder builds the audio decoder for one connection from its query
// parameters and reports the format it settled on.
func (s *Server) newDecoder(r *http.Request) (audio.Decoder, config.Format, error) {
	format := s.defaultFormat
	if v := r.URL.Query().Get("format"); v != "" {
		format = config.Format(v)
	}
	srcRate := s.vadRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, format, fmt.Errorf("server: invalid rate %q", v)
		}
		srcRate = n
	}

	switch format {
	case config.FormatS16LE:
		return audio.NewS16LEDecoder(srcRate, s.vadRate), format, nil
	case config.FormatF32LE:
		dec, err := audio.NewF32LEDecoder(srcRate, s.vadRate)
		return dec, format, err
	case config.FormatOpus:
		dec, err := audio.NewOpusDecoder(s.vadRate)
		return dec, format, err
	default:
		return nil, format, fmt.Errorf("server: unsupported format %q", format)
	}
}

// handleStream upgrades the connection and runs the per-session read loop.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx, span := observe.StartSpan(r.Context(), "stream",
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()
	log := observe.Logger(ctx)

	dec, format, err := s.newDecoder(r)
	if err != nil {
		s.metrics.RecordProtocolError(ctx, "bad_format")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}

	sess := s.sessions.Open(ctx)
	span.SetAttributes(observe.SessionID(sess.ID()), observe.AudioFormat(string(format)))
	defer func() {
		// Flush whatever segment is still open so its text is not lost,
		// best-effort delivering the final update if the peer still reads.
		if updates := sess.Finalize(ctx); len(updates) > 0 {
			_ = s.writeUpdates(ctx, conn, updates)
		}
		s.sessions.Close(ctx, sess)
		conn.Close(websocket.StatusNormalClosure, "session closed")
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
				return
			}
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Debug("read loop ended", "err", err)
			return
		}

		var updates []transcript.Update
		switch typ {
		case websocket.MessageBinary:
			pcm, err := dec.Decode(data)
			if err != nil {
				s.metrics.RecordProtocolError(ctx, "bad_audio")
				log.Warn("dropping undecodable audio message", "err", err)
				s.replyError(ctx, conn, err)
				continue
			}
			updates = sess.IngestAudio(ctx, pcm)

		case websocket.MessageText:
			updates, err = s.dispatchEvent(ctx, log, sess, data)
			if err != nil {
				s.replyError(ctx, conn, err)
				continue
			}
		}

		if err := s.writeUpdates(ctx, conn, updates); err != nil {
			log.Debug("write failed, closing session", "err", err)
			return
		}
	}
}

// dispatchEvent parses one control message and applies it to the session.
func (s *Server) dispatchEvent(ctx context.Context, log *slog.Logger, sess *session.Session, data []byte) ([]transcript.Update, error) {
	var ev clientEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.metrics.RecordProtocolError(ctx, "bad_json")
		return nil, fmt.Errorf("server: invalid event json: %w", err)
	}

	switch ev.Type {
	case "word":
		return sess.HandleWord(ctx, ev.Word, ev.StartTime), nil
	case "end_word":
		return sess.HandleEndWord(ctx, ev.StopTime), nil
	case "finalize":
		return sess.Finalize(ctx), nil
	case "reset":
		sess.Reset()
		return nil, nil
	default:
		s.metrics.RecordProtocolError(ctx, "unknown_type")
		log.Warn("unknown event type", "type", ev.Type)
		return nil, fmt.Errorf("server: unknown event type %q", ev.Type)
	}
}

// writeUpdates sends each update as one JSON text frame, preserving order.
func (s *Server) writeUpdates(ctx context.Context, conn *websocket.Conn, updates []transcript.Update) error {
	for _, u := range updates {
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("server: marshal update: %w", err)
		}
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return err
		}
	}
	return nil
}

// replyError reports a recoverable per-message failure to the client.
func (s *Server) replyError(ctx context.Context, conn *websocket.Conn, err error) {
	data, merr := json.Marshal(errorReply{Type: "error", Error: err.Error()})
	if merr != nil {
		return
	}
	_ = conn.Write(ctx, websocket.MessageText, data)
}
