// Package httpapi exposes the orchestration substrate over HTTP: task
// submission and status, per-task server-sent-event streams, interrupt
// responses, and skill execution. Authentication, uploads, and the rest of
// the product surface live in front of this API and are not handled here.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hyperstudiox/hyperagent/internal/eventbus"
	"github.com/hyperstudiox/hyperagent/internal/hitl"
	"github.com/hyperstudiox/hyperagent/internal/queue"
	"github.com/hyperstudiox/hyperagent/internal/skills"
)

// Server holds the collaborators the HTTP handlers drive.
type Server struct {
	Store       queue.Store
	Broker      queue.Broker
	Bus         *eventbus.Bus
	Worker      *queue.Worker
	HITL        *hitl.Manager
	Skills      *skills.Engine
	RateLimiter RateLimiter
	Identity    Identity
	Logger      *slog.Logger
}

// Handler builds the routed, rate-limited handler tree.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/tasks", s.submitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTask)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.cancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/events", s.streamEvents)
	mux.HandleFunc("GET /v1/tasks/{id}/interrupt", s.pendingInterrupt)
	mux.HandleFunc("POST /v1/tasks/{id}/interrupt", s.respondInterrupt)
	mux.HandleFunc("POST /v1/skills/{id}/execute", s.executeSkill)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return rateLimitMiddleware(s.RateLimiter, s.Identity, mux)
}

type submitTaskRequest struct {
	Query     string `json:"query"`
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	ProjectID string `json:"project_id,omitempty"`
	Priority  int    `json:"priority,omitempty"`
	DelayMS   int    `json:"delay_ms,omitempty"`
}

type submitTaskResponse struct {
	TaskID string `json:"task_id"`
	JobID  string `json:"job_id"`
}

func (s *Server) submitTask(w http.ResponseWriter, req *http.Request) {
	var body submitTaskRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	kind := queue.Kind(body.Kind)
	if kind == "" {
		kind = queue.KindTask
	}
	if kind != queue.KindTask && kind != queue.KindResearch {
		http.Error(w, "kind must be task or research", http.StatusBadRequest)
		return
	}
	userID := body.UserID
	if userID == "" {
		userID = s.Identity.Resolve(req)
	}
	if userID == "" {
		userID = "anonymous"
	}

	task := &queue.Task{
		ID:         uuid.NewString(),
		Query:      body.Query,
		Kind:       kind,
		Status:     queue.StatusPending,
		MaxRetries: 3,
		Priority:   body.Priority,
		UserID:     userID,
		ProjectID:  body.ProjectID,
	}
	jobID, err := queue.Enqueue(req.Context(), s.Store, s.Broker, task, body.Priority, time.Duration(body.DelayMS)*time.Millisecond)
	if err != nil {
		s.Logger.Error("enqueue failed", "error", err)
		http.Error(w, "could not enqueue task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, submitTaskResponse{TaskID: task.ID, JobID: jobID})
}

func (s *Server) getTask(w http.ResponseWriter, req *http.Request) {
	task, err := s.Store.Get(req.Context(), req.PathValue("id"))
	if errors.Is(err, queue.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "could not load task", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) cancelTask(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	cancelled := false
	if s.Worker != nil {
		cancelled = s.Worker.CancelJob(id)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// streamEvents replays worker progress to the client as server-sent
// events. The bus only delivers events published after subscription;
// reconnecting clients rehydrate from the task row and any pending
// interrupt, both sent as synthetic first events.
func (s *Server) streamEvents(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	task, err := s.Store.Get(req.Context(), id)
	if errors.Is(err, queue.ErrTaskNotFound) {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "could not load task", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events, unsubscribe := s.Bus.Subscribe(req.Context(), eventbus.ChannelName(id))
	defer unsubscribe()

	// Checkpointed state first, so late subscribers see where the task is.
	_ = writeSSE(w, flusher, eventbus.ProgressEvent(task.Progress, string(task.Status)))
	if pending, err := s.HITL.GetPendingInterrupt(req.Context(), id); err == nil && pending != nil {
		_ = writeSSE(w, flusher, eventbus.Event{
			Type: eventbus.TypeInterrupt,
			Interrupt: &eventbus.InterruptPayload{
				InterruptID: pending.InterruptID,
				Title:       pending.Title,
				Message:     pending.Message,
				Options:     pending.Options,
				Kind:        eventbus.InterruptKind(pending.Kind),
			},
		})
	}
	if task.Status == queue.StatusCompleted {
		_ = writeSSE(w, flusher, eventbus.CompleteEvent())
		return
	}
	if task.Status == queue.StatusFailed || task.Status == queue.StatusCancelled {
		_ = writeSSE(w, flusher, eventbus.ErrorEvent(task.Error, string(task.Status)))
		return
	}

	for {
		select {
		case <-req.Context().Done():
			return
		case evt, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, evt); err != nil {
				return
			}
			if evt.Terminal() {
				return
			}
		}
	}
}

func (s *Server) pendingInterrupt(w http.ResponseWriter, req *http.Request) {
	pending, err := s.HITL.GetPendingInterrupt(req.Context(), req.PathValue("id"))
	if err != nil {
		http.Error(w, "could not load interrupt", http.StatusInternalServerError)
		return
	}
	if pending == nil {
		http.Error(w, "no pending interrupt", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type interruptResponseRequest struct {
	InterruptID string `json:"interrupt_id"`
	Action      string `json:"action"`
	Value       string `json:"value,omitempty"`
}

func (s *Server) respondInterrupt(w http.ResponseWriter, req *http.Request) {
	var body interruptResponseRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if body.InterruptID == "" || body.Action == "" {
		http.Error(w, "interrupt_id and action are required", http.StatusBadRequest)
		return
	}
	delivered, err := s.HITL.SubmitResponse(req.Context(), req.PathValue("id"), body.InterruptID, hitl.Action(body.Action), body.Value)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !delivered {
		http.Error(w, "no subscriber", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

type executeSkillRequest struct {
	Params map[string]any `json:"params"`
	TaskID string         `json:"task_id,omitempty"`
}

func (s *Server) executeSkill(w http.ResponseWriter, req *http.Request) {
	var body executeSkillRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	userID := s.Identity.Resolve(req)
	if userID == "" {
		userID = "anonymous"
	}

	channel := ""
	if body.TaskID != "" {
		channel = eventbus.ChannelName(body.TaskID)
	}
	exec, err := s.Skills.Execute(req.Context(), req.PathValue("id"), body.Params, userID, body.TaskID, channel)
	if err != nil {
		if exec == nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Execution record exists; surface the failure with its record.
		writeJSON(w, http.StatusUnprocessableEntity, exec)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
