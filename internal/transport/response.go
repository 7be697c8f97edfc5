// Package transport contains the HTTP router, middleware chain, and all
// request handlers for the orchestration API.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/mazwell/conduct/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInternalError:      http.StatusInternalServerError,
	model.ErrBackendUnavailable: http.StatusBadGateway,
	model.ErrGuardNotSatisfied:  http.StatusUnprocessableEntity,
	model.ErrUnknownTransition:  http.StatusUnprocessableEntity,
	model.ErrStepExecution:      http.StatusInternalServerError,
	model.ErrProcessConfig:      http.StatusUnprocessableEntity,
	model.ErrTimeout:            http.StatusGatewayTimeout,
	model.ErrRunNotFound:        http.StatusNotFound,
	model.ErrRunNotActive:       http.StatusConflict,
	model.ErrTaskNotFound:       http.StatusNotFound,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteError writes an ErrorEnvelope as a JSON response with the correct
// HTTP status code. A non-envelope error becomes a generic 500.
func WriteError(w http.ResponseWriter, err error) {
	ee, ok := err.(*model.ErrorEnvelope)
	if !ok {
		ee = &model.ErrorEnvelope{
			Code:    model.ErrInternalError,
			Message: "internal error",
		}
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}

	type errorResponse struct {
		Error *model.ErrorEnvelope `json:"error"`
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}
