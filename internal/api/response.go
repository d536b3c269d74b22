package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-summarizer/internal/apperr"
)

// categoryRequest marks malformed input rejected before the pipeline runs.
const categoryRequest = "request"

type envelope struct {
	Data any          `json:"data"`
	Meta responseMeta `json:"meta"`
}

type responseMeta struct {
	Status     string  `json:"status"`
	StatusCode int     `json:"status_code"`
	Timestamp  string  `json:"timestamp"`
	Message    *string `json:"message"`
	Category   string  `json:"category,omitempty"`
}

func writeSuccess(w http.ResponseWriter, clock Clock, data any) {
	writeJSON(w, http.StatusOK, envelope{
		Data: data,
		Meta: responseMeta{
			Status:     "success",
			StatusCode: http.StatusOK,
			Timestamp:  timestamp(clock),
		},
	})
}

func writeError(w http.ResponseWriter, clock Clock, status int, category, msg string) {
	writeJSON(w, status, envelope{
		Meta: responseMeta{
			Status:     "error",
			StatusCode: status,
			Timestamp:  timestamp(clock),
			Message:    &msg,
			Category:   category,
		},
	})
}

func writeRequestError(w http.ResponseWriter, clock Clock, status int, msg string) {
	writeError(w, clock, status, categoryRequest, msg)
}

// writeAppError maps an apperr kind onto its HTTP status and category.
func writeAppError(w http.ResponseWriter, clock Clock, err error) {
	kind := apperr.KindOf(err)
	writeError(w, clock, apperr.HTTPStatus(kind), string(kind), apperr.Message(err))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func timestamp(clock Clock) string {
	now := time.Now().UTC()
	if clock != nil {
		now = clock.Now()
	}
	return now.Format(time.RFC3339)
}
