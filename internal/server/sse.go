package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/user/prayerfeed/internal/stream"
	"github.com/user/prayerfeed/internal/types"
)

// sseSink writes events as text/event-stream frames.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) Send(event types.ChangeEvent) error {
	data, err := json.Marshal(event.Payload())
	if err != nil {
		return fmt.Errorf("encode event %d: %w", event.Seq, err)
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\ndata: %s\n\n", event.Seq, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Advance writes an id-only frame. Clients record the id without firing a
// message event.
func (s *sseSink) Advance(seq uint64) error {
	if _, err := fmt.Fprintf(s.w, "id: %d\n\n", seq); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) KeepAlive() error {
	if _, err := s.w.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	release, ok := s.admit(w, r)
	if !ok {
		return
	}
	defer release()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	req := s.request(r)
	err := s.hub.Serve(r.Context(), &sseSink{w: w, flusher: flusher}, req)
	switch {
	case err == nil:
	case errors.Is(err, stream.ErrHubStopped):
		slog.Debug("stream refused during shutdown", "remote", r.RemoteAddr)
	default:
		slog.Debug("sse stream ended", "remote", r.RemoteAddr, "viewer", string(req.Viewer), "error", err)
	}
}
