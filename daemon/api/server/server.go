package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/service"
	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/ratelimit"
)

// HTTP contract types

type (
	StartJobResponse struct {
		JobID       string `json:"job_id"`
		ElectionID  string `json:"election_id"`
		Operation   string `json:"operation"`
		Status      string `json:"status"`
		TotalChunks int    `json:"total_chunks"`
	}

	DecryptionHTTPRequest struct {
		ElectionID       string          `json:"election_id"`
		GuardianID       string          `json:"guardian_id"`
		GuardianSequence int             `json:"guardian_sequence"`
		Credentials      json.RawMessage `json:"credentials"`
		Passphrase       string          `json:"passphrase"`
		CreatedBy        string          `json:"created_by"`
	}

	CancelJobResponse struct {
		JobID     string `json:"job_id"`
		Cancelled bool   `json:"cancelled"`
	}

	// AlreadyInProgressResponse is the informational answer to a
	// duplicate initiation: the operation is running, here is who
	// started it and when. Not an error.
	AlreadyInProgressResponse struct {
		Status        string    `json:"status"`
		Holder        string    `json:"holder"`
		OperationType string    `json:"operationType"`
		StartedAt     time.Time `json:"startedAt"`
	}

	JobEventJSON struct {
		JobID           string            `json:"job_id"`
		ElectionID      string            `json:"election_id"`
		EventType       string            `json:"event_type"`
		Timestamp       int64             `json:"timestamp"`
		ProgressPercent float64           `json:"progress_percent"`
		Message         string            `json:"message,omitempty"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}
)

// DaemonAPIServer wires the orchestrator to HTTP handlers.

type DaemonAPIServer struct {
	orch    *service.Orchestrator
	events  *service.EventPublisher
	limiter *ratelimit.TokenBucket
}

func NewDaemonAPIServer(orch *service.Orchestrator, events *service.EventPublisher) *DaemonAPIServer {
	return &DaemonAPIServer{
		orch:    orch,
		events:  events,
		limiter: ratelimit.NewTokenBucket(50, 100),
	}
}

// RegisterHTTP registers REST routes on mux.
func (s *DaemonAPIServer) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/tally", s.limited(s.handleStartTally))
	mux.HandleFunc("/api/v1/decryption", s.limited(s.handleStartDecryption))
	mux.HandleFunc("/api/v1/combine", s.limited(s.handleStartCombine))
	mux.HandleFunc("/api/v1/progress/", s.limited(s.handleProgress))
	mux.HandleFunc("/api/v1/jobs/", s.limited(s.handleJobPrefix))
	mux.HandleFunc("/api/v1/elections/", s.limited(s.handleElectionPrefix))
	mux.HandleFunc("/api/v1/events", SSEHandler(s.events))
}

func (s *DaemonAPIServer) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(1) {
			writeJSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next(w, r)
	}
}

func (s *DaemonAPIServer) handleStartTally(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.TallyJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	job, err := s.orch.StartTally(&req)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStartJobResponse(job))
}

func (s *DaemonAPIServer) handleStartDecryption(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var httpReq DecryptionHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&httpReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	req := service.DecryptionJobRequest{
		ElectionID:       httpReq.ElectionID,
		GuardianID:       httpReq.GuardianID,
		GuardianSequence: httpReq.GuardianSequence,
		Passphrase:       httpReq.Passphrase,
		CreatedBy:        httpReq.CreatedBy,
	}
	if err := json.Unmarshal(httpReq.Credentials, &req.Credentials); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid credentials blob")
		return
	}
	job, err := s.orch.StartDecryption(&req)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStartJobResponse(job))
}

func (s *DaemonAPIServer) handleStartCombine(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	var req service.CombineJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid JSON body")
		return
	}
	job, err := s.orch.StartCombine(&req)
	if err != nil {
		writeFaultError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toStartJobResponse(job))
}

func (s *DaemonAPIServer) handleProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/api/v1/progress/")
	if jobID == "" || strings.Contains(jobID, "/") {
		http.NotFound(w, r)
		return
	}
	progress, err := s.orch.Progress(jobID)
	if err != nil {
		if errors.Is(err, manager.ErrJobNotFound) {
			writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "job not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *DaemonAPIServer) handleJobPrefix(w http.ResponseWriter, r *http.Request) {
	// Expect /api/v1/jobs/{job_id}/cancel
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/jobs/"), "/")
	if len(parts) != 2 || parts[1] != "cancel" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID := parts[0]
	cancelled := s.orch.Cancel(jobID)
	if !cancelled {
		writeJSONError(w, http.StatusNotFound, "NOT_FOUND", "job not running")
		return
	}
	writeJSON(w, http.StatusOK, &CancelJobResponse{JobID: jobID, Cancelled: true})
}

func (s *DaemonAPIServer) handleElectionPrefix(w http.ResponseWriter, r *http.Request) {
	// Expect /api/v1/elections/{election_id}/progress
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/v1/elections/"), "/")
	if len(parts) != 2 || parts[1] != "progress" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	list, err := s.orch.ElectionProgress(parts[0])
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// SSEHandler streams job events as server-sent events.
func SSEHandler(events *service.EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		filter := r.URL.Query().Get("job_id")
		sub := events.Subscribe(filter)
		defer events.Unsubscribe(sub.ID)
		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Channel:
				if !ok {
					return
				}
				line, err := json.Marshal(toJobEventJSON(ev))
				if err != nil {
					continue
				}
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(line)
				_, _ = w.Write([]byte("\n\n"))
				flusher.Flush()
			}
		}
	}
}

func toJobEventJSON(ev *service.JobEvent) *JobEventJSON {
	return &JobEventJSON{
		JobID:           ev.JobID,
		ElectionID:      ev.ElectionID,
		EventType:       ev.EventType.String(),
		Timestamp:       ev.Timestamp.UnixMilli(),
		ProgressPercent: ev.ProgressPercent,
		Message:         ev.Message,
		Metadata:        ev.Metadata,
	}
}

func toStartJobResponse(job *manager.Job) *StartJobResponse {
	return &StartJobResponse{
		JobID:       job.ID,
		ElectionID:  job.ElectionID,
		Operation:   job.OperationType,
		Status:      job.Status,
		TotalChunks: job.TotalChunks,
	}
}

// writeFaultError maps the failure taxonomy onto HTTP status codes.
func writeFaultError(w http.ResponseWriter, err error) {
	switch faults.Classify(err) {
	case faults.KindInvalidInput:
		writeJSONError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case faults.KindLocked:
		// A duplicate initiation is informational, not a failure: tell
		// the caller who already runs the operation and since when.
		var held *service.LockHeldError
		if errors.As(err, &held) {
			writeJSON(w, http.StatusOK, &AlreadyInProgressResponse{
				Status:        "already in progress",
				Holder:        held.Meta.Holder,
				OperationType: held.Meta.OperationType,
				StartedAt:     held.Meta.AcquiredAt,
			})
			return
		}
		writeJSONError(w, http.StatusConflict, "LOCKED", err.Error())
	case faults.KindTransientStore, faults.KindTransientBus:
		writeJSONError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// JSON helpers

type JSONError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}
