package handlers

import (
	"net/http"
	"time"

	"internal-perplexity/research/api"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   Version,
	})
}
