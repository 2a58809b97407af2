package controlapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"mlx/internal/job"
	"mlx/internal/store"
	"mlx/pkg/api"
)

// Control is the coordinator surface the API exposes. Satisfied by
// *coordinator.Coordinator.
type Control interface {
	Submit(ctx context.Context, spec job.Spec, maxRetries int) (*job.Job, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error)
	ListJobs(ctx context.Context) ([]job.Job, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan store.JobStatus, error)
	RegisterNode(ctx context.Context, n *store.Node) error
	ListNodes(ctx context.Context) ([]store.Node, error)
	Logs(ctx context.Context, id uuid.UUID) (io.ReadCloser, error)
}

// Pinger reports store liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

type handlers struct {
	ctl    Control
	pinger Pinger
	log    *slog.Logger
}

func newHandlers(ctl Control, pinger Pinger, log *slog.Logger) *handlers {
	return &handlers{ctl: ctl, pinger: pinger, log: log}
}

func (h *handlers) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func (h *handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJSON(w, code, api.ErrorResponse{Error: message, Code: strconv.Itoa(code)})
}

func (h *handlers) jobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *handlers) submitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	j, err := h.ctl.Submit(r.Context(), specFromWire(req.Spec), req.MaxRetries)
	if err != nil {
		if errors.Is(err, job.ErrInvalidSpec) {
			h.httpError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		h.log.Error("submit failed", "error", err)
		h.httpError(w, "failed to submit job", http.StatusInternalServerError)
		return
	}

	h.respondJSON(w, http.StatusCreated, api.SubmitJobResponse{
		JobID: j.ID.String(),
		State: string(j.State),
	})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	j, err := h.ctl.GetJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("get job failed", "job_id", id, "error", err)
		h.httpError(w, "failed to load job", http.StatusInternalServerError)
		return
	}
	h.respondJSON(w, http.StatusOK, jobToWire(j))
}

func (h *handlers) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.ctl.ListJobs(r.Context())
	if err != nil {
		h.log.Error("list jobs failed", "error", err)
		h.httpError(w, "failed to list jobs", http.StatusInternalServerError)
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobStatus, 0, len(jobs))}
	for i := range jobs {
		resp.Jobs = append(resp.Jobs, jobToWire(&jobs[i]))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	if err := h.ctl.Cancel(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("cancel failed", "job_id", id, "error", err)
		h.httpError(w, "failed to cancel job", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// streamEvents writes one JSON status per line until the job reaches a
// terminal state or the client goes away.
func (h *handlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	events, err := h.ctl.Subscribe(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "job not found", http.StatusNotFound)
			return
		}
		h.log.Error("subscribe failed", "job_id", id, "error", err)
		h.httpError(w, "failed to subscribe", http.StatusInternalServerError)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range events {
		if err := enc.Encode(statusToWire(ev)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// streamLogs proxies the job's container log stream to the client.
func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.jobID(w, r)
	if !ok {
		return
	}

	rc, err := h.ctl.Logs(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.httpError(w, "job not found", http.StatusNotFound)
			return
		}
		h.httpError(w, err.Error(), http.StatusConflict)
		return
	}
	defer rc.Close()

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if _, err := w.Write(append(scanner.Bytes(), '\n')); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (h *handlers) registerNode(w http.ResponseWriter, r *http.Request) {
	var req api.RegisterNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	n := nodeFromWire(req)
	if err := h.ctl.RegisterNode(r.Context(), n); err != nil {
		h.httpError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.ctl.ListNodes(r.Context())
	if err != nil {
		h.log.Error("list nodes failed", "error", err)
		h.httpError(w, "failed to list nodes", http.StatusInternalServerError)
		return
	}

	resp := api.ListNodesResponse{Nodes: make([]api.NodeStatus, 0, len(nodes))}
	for i := range nodes {
		resp.Nodes = append(resp.Nodes, nodeToWire(&nodes[i]))
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.pinger.Ping(r.Context()); err != nil {
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
