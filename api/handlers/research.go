package handlers

import (
	"context"
	"errors"
	"net/http"

	"internal-perplexity/research/api"
	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/main-agents/primary"
	"internal-perplexity/research/llm/events"

	"github.com/rs/zerolog"
)

// Researcher answers a question in process
type Researcher interface {
	Run(ctx context.Context, question string, pub events.Publisher) (agents.RunResult, error)
}

// ResearchHandler handles single-process research requests
type ResearchHandler struct {
	agent  Researcher
	logger zerolog.Logger
}

// NewResearchHandler creates a new research handler
func NewResearchHandler(agent Researcher, logger zerolog.Logger) *ResearchHandler {
	return &ResearchHandler{
		agent:  agent,
		logger: logger.With().Str("component", "research_handler").Logger(),
	}
}

// Research handles POST /research
func (h *ResearchHandler) Research(w http.ResponseWriter, r *http.Request) {
	var req api.ResearchRequest
	if err := decodeRequest(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	buf := events.NewBuffer()
	result, err := h.agent.Run(r.Context(), req.Question, buf)
	if err != nil {
		if errors.Is(err, primary.ErrEmptyQuestion) {
			writeJSONError(w, http.StatusBadRequest, "Invalid request", err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("research failed")
		writeJSONError(w, http.StatusInternalServerError, "Research failed", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, api.ResearchResponse{
		Result: result,
		Events: buf.Events(),
	})
}
