// Package handlers implements the HTTP endpoints of the research API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"internal-perplexity/research/api"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// decodeRequest reads a JSON body into v and validates its struct tags
func decodeRequest(w http.ResponseWriter, r *http.Request, v interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body is empty")
		}
		return err
	}
	return validate.Struct(v)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string, details string) {
	errorResp := api.ErrorResponse{
		Error: message,
		Code:  http.StatusText(status),
	}
	if details != "" {
		errorResp.Details = map[string]interface{}{
			"details": details,
		}
	}
	writeJSON(w, status, errorResp)
}

// streamTimeout reads the timeout query parameter as a Go duration ("90s")
// or a number of seconds, falling back to def
func streamTimeout(r *http.Request, def time.Duration) time.Duration {
	value := r.URL.Query().Get("timeout")
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
