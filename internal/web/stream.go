package web

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// heartbeatInterval keeps idle streams open through proxies.
const heartbeatInterval = 15 * time.Second

var ansiRe = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]|\x1b\][^\x07]*\x07|\x1b[()][012B]`)

func stripANSI(s string) string {
	return ansiRe.ReplaceAllString(s, "")
}

// handleOutputStream serves runner output for an item as Server-Sent Events.
// Recent lines are replayed first. While a run is active new lines follow
// as they are produced; a "done" event ends the stream.
func (s *Server) handleOutputStream(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		http.Error(w, "invalid issue number", http.StatusBadRequest)
		return
	}
	if _, err := s.opts.States.Get(r.Context(), id); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			http.Error(w, "no state for "+id, http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	backlog, lines, cancel := s.opts.Output.Subscribe(id)
	defer cancel()

	for _, l := range backlog {
		writeLine(w, l)
	}
	flusher.Flush()

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	if lines == nil {
		sendDone("no active run")
		return
	}

	tick := time.NewTicker(heartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case l, open := <-lines:
			if !open {
				sendDone("run finished")
				return
			}
			writeLine(w, l)
			flusher.Flush()
		}
	}
}

func writeLine(w http.ResponseWriter, l orchestrator.OutputLine) {
	fmt.Fprintf(w, "event: %s\n", l.Stream)
	for _, part := range strings.Split(stripANSI(l.Line), "\n") {
		fmt.Fprintf(w, "data: %s\n", part)
	}
	fmt.Fprint(w, "\n")
}
