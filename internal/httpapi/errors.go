package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"landmarkd/internal/errs"
	"landmarkd/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeErrorResponse(w, types.ErrorResponse{Error: msg, Code: status})
}

func writeErrorResponse(w http.ResponseWriter, body types.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(body.Code)
	_ = json.NewEncoder(w).Encode(body)
}

// errorResponse maps err to its status code and payload.
func errorResponse(err error) types.ErrorResponse {
	status := http.StatusInternalServerError
	var he HTTPError
	if errors.As(err, &he) {
		status = he.StatusCode()
	}
	return types.ErrorResponse{
		Error:       errs.Message(err),
		Code:        status,
		Kind:        string(errs.KindOf(err)),
		Suggestions: errs.Suggestions(err),
	}
}

// writeError writes err with the status it maps to.
func writeError(w http.ResponseWriter, err error) int {
	body := errorResponse(err)
	if body.Code == http.StatusTooManyRequests {
		IncrementBackpressure(body.Kind)
	}
	writeErrorResponse(w, body)
	return body.Code
}
