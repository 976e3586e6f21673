package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"firestige.xyz/ferry/internal/store"
)

const (
	// streamChunk is the read size for log streaming.
	streamChunk = 4096
	// statusCheckEvery bounds how often the streamer re-reads task status.
	statusCheckEvery = 100 * time.Millisecond
	// idleSleep paces the read loop while no new bytes are available.
	idleSleep = time.Millisecond
)

// handleTaskLog streams one of the task's log files as text/plain. A reader
// joining mid-task sees all bytes from offset zero and the response stays
// open until the task reaches a terminal status. A task that never produced
// the requested log yields an empty 200, matching the polling clients that
// treat "no log yet" as "keep waiting elsewhere".
func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	stream := r.PathValue("stream")
	if stream != "stdout" && stream != "stderr" {
		httpError(w, http.StatusBadRequest, fmt.Errorf("unknown log stream %q", stream))
		return
	}

	t, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, err)
			return
		}
		httpError(w, http.StatusInternalServerError, err)
		return
	}

	path := t.Stdout
	if stream == "stderr" {
		path = t.Stderr
	}
	slog.Info("log stream requested", "task_id", id.Hex(), "stream", stream, "path", path)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if path == "" {
		return
	}
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunk)
	var lastCheck time.Time
	finished := false

	for {
		n, _ := f.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			continue
		}

		if finished {
			return
		}
		if time.Since(lastCheck) > statusCheckEvery {
			cur, err := s.tasks.Get(r.Context(), id)
			if err != nil || cur.Status.Terminal() {
				// One more drain pass picks up bytes written before the
				// status flipped, then the loop ends.
				finished = true
			}
			lastCheck = time.Now()
		}

		select {
		case <-r.Context().Done():
			return
		case <-time.After(idleSleep):
		}
	}
}
