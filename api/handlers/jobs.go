package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"internal-perplexity/research/api"
	"internal-perplexity/research/llm/agents/main-agents/orchestrator"
	"internal-perplexity/research/llm/events"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const wsWriteTimeout = 10 * time.Second

// JobSubmitter starts distributed jobs
type JobSubmitter interface {
	Submit(ctx context.Context, question string) (orchestrator.Job, error)
}

// JobHandler handles job submission and event streaming
type JobHandler struct {
	jobs          JobSubmitter
	broadcaster   events.Broadcaster
	streamTimeout time.Duration
	upgrader      websocket.Upgrader
	logger        zerolog.Logger
}

// NewJobHandler creates a new job handler. streamTimeout bounds event
// streams that do not pass their own timeout.
func NewJobHandler(jobs JobSubmitter, b events.Broadcaster, streamTimeout time.Duration, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		jobs:          jobs,
		broadcaster:   b,
		streamTimeout: streamTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With().Str("component", "job_handler").Logger(),
	}
}

// SubmitJob handles POST /jobs
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.JobRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	job, err := h.jobs.Submit(r.Context(), req.Question)
	if err != nil {
		if errors.Is(err, orchestrator.ErrEmptyQuestion) {
			writeJSONError(w, http.StatusBadRequest, "Invalid request", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("job submission failed")
		writeJSONError(w, http.StatusServiceUnavailable, "Job submission failed", err.Error())
		return
	}

	h.logger.Info().Str("job_id", job.ID).Msg("job accepted")
	writeJSON(w, http.StatusAccepted, api.JobResponse{
		JobID:   job.ID,
		Channel: job.Channel,
		Events:  fmt.Sprintf("/api/v1/jobs/%s/events", job.ID),
		Socket:  fmt.Sprintf("/api/v1/jobs/%s/ws", job.ID),
	})
}

// StreamEvents handles GET /jobs/{id}/events as Server-Sent Events
func (h *JobHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "Streaming unsupported", "")
		return
	}

	sub, err := h.broadcaster.Subscribe(r.Context(), jobID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Subscribe failed", err.Error())
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	logger := h.logger.With().Str("job_id", jobID).Logger()
	_, err = events.Drain(r.Context(), sub, streamTimeout(r, h.streamTimeout), func(ev events.Event) {
		data, err := json.Marshal(ev)
		if err != nil {
			logger.Warn().Err(err).Msg("encode event")
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()
	})
	if errors.Is(err, events.ErrListenTimeout) {
		fmt.Fprint(w, ": stream timeout\n\n")
		flusher.Flush()
	}
	if err != nil {
		logger.Debug().Err(err).Msg("event stream ended without terminal event")
	}
}

// StreamWebSocket handles GET /jobs/{id}/ws
func (h *JobHandler) StreamWebSocket(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	logger := h.logger.With().Str("job_id", jobID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, err := h.broadcaster.Subscribe(ctx, jobID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "Subscribe failed", err.Error())
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// The client never sends data; reading only detects that it went away.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	_, err = events.Drain(ctx, sub, streamTimeout(r, h.streamTimeout), func(ev events.Event) {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(ev); err != nil {
			logger.Debug().Err(err).Msg("websocket write failed")
			cancel()
		}
	})

	reason := "job finished"
	if err != nil {
		reason = err.Error()
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason))
}
