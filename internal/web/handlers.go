package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/lucasnoah/autopr/internal/intake"
	"github.com/lucasnoah/autopr/internal/orchestrator"
	"github.com/lucasnoah/autopr/internal/pipeline"
)

// maxBodySize caps webhook and work item payloads.
const maxBodySize = 25 << 20

type statusResponse struct {
	Status  string `json:"status"`
	IssueID string `json:"issue_id,omitempty"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, statusResponse{Status: "error", Message: msg})
}

// handleWebhook receives GitHub issue events.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.logger.Error("read webhook body", "error", err)
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}

	if err := s.opts.Intake.Verify(body, r.Header.Get("X-Hub-Signature-256")); err != nil {
		s.logger.Warn("webhook signature rejected", "error", err, "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	delivery := r.Header.Get("X-GitHub-Delivery")
	log := s.logger.With("event_type", event, "delivery_id", delivery)

	if event != "" && event != "issues" {
		log.Debug("ignoring non-issue event")
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored", Message: "unsupported event " + event})
		return
	}
	if s.opts.Intake.Duplicate(delivery) {
		log.Info("duplicate delivery ignored")
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored", Message: "duplicate delivery"})
		return
	}

	item, err := s.opts.Intake.Parse(body)
	if err != nil {
		if errors.Is(err, intake.ErrUnsupportedAction) {
			log.Debug("ignoring issue event", "reason", err)
		} else {
			log.Warn("invalid issue event", "error", err)
		}
		writeJSON(w, http.StatusOK, statusResponse{Status: "ignored", Message: err.Error()})
		return
	}

	if !s.enqueue(w, item) {
		s.opts.Intake.Forget(delivery)
	}
}

// handleWorkItem accepts an already normalized work item.
func (s *Server) handleWorkItem(w http.ResponseWriter, r *http.Request) {
	var item pipeline.WorkItem
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid work item: "+err.Error())
		return
	}
	if err := intake.Validate(&item); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.enqueue(w, &item)
}

// enqueue hands item to the queue and writes the response. It reports
// whether the item was accepted.
func (s *Server) enqueue(w http.ResponseWriter, item *pipeline.WorkItem) bool {
	id := item.ID()
	if err := s.opts.Queue.Enqueue(item); err != nil {
		s.logger.Error("enqueue work item", "issue_id", id, "error", err)
		if errors.Is(err, orchestrator.ErrQueueFull) || errors.Is(err, orchestrator.ErrQueueClosed) {
			w.Header().Set("Retry-After", "30")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return false
	}
	s.logger.Info("work item accepted", "issue_id", id, "action", item.Action)
	writeJSON(w, http.StatusAccepted, statusResponse{Status: "accepted", IssueID: id})
	return true
}

func (s *Server) handleListStates(w http.ResponseWriter, r *http.Request) {
	var (
		states []pipeline.State
		err    error
	)
	if name := r.URL.Query().Get("stage"); name != "" {
		stage, perr := pipeline.ParseStage(name)
		if perr != nil {
			writeError(w, http.StatusBadRequest, perr.Error())
			return
		}
		states, err = s.opts.States.ListByStage(r.Context(), stage)
	} else {
		states, err = s.opts.States.ListActive(r.Context())
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if states == nil {
		states = []pipeline.State{}
	}
	writeJSON(w, http.StatusOK, states)
}

// itemID builds the work item ID from the {owner}/{repo}/{number} path.
func itemID(r *http.Request) (string, bool) {
	n, err := strconv.Atoi(r.PathValue("number"))
	if err != nil || n <= 0 {
		return "", false
	}
	return pipeline.FormatID(r.PathValue("owner"), r.PathValue("repo"), n), true
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	id, ok := itemID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid issue number")
		return
	}
	st, err := s.opts.States.Get(r.Context(), id)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no state for "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type readyResponse struct {
	Status       string          `json:"status"`
	Store        string          `json:"store"`
	Dependencies map[string]bool `json:"dependencies"`
}

// handleReady fails only when the state store is unreachable. Other
// dependencies are reported for information.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Status: "ready", Store: "ok", Dependencies: map[string]bool{}}
	status := http.StatusOK
	if s.opts.Ping != nil {
		if err := s.opts.Ping(r.Context()); err != nil {
			s.logger.Warn("state store not ready", "error", err)
			resp.Status, resp.Store = "not_ready", err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	for name, dep := range s.opts.Dependencies {
		resp.Dependencies[name] = dep.HealthCheck(r.Context())
	}
	writeJSON(w, status, resp)
}
