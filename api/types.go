package api

import (
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/events"
)

// ResearchRequest represents a request to answer a question in process
type ResearchRequest struct {
	Question string `json:"question" validate:"required"`
}

// ResearchResponse carries the run result and every event it produced
type ResearchResponse struct {
	Result agents.RunResult `json:"result"`
	Events []events.Event   `json:"events"`
}

// JobRequest represents a request to start a distributed job
type JobRequest struct {
	Question string `json:"question" validate:"required"`
}

// JobResponse identifies an accepted job
type JobResponse struct {
	JobID   string `json:"job_id"`
	Channel string `json:"channel"`
	Events  string `json:"events"`
	Socket  string `json:"socket"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}
