package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/modelrelay/modelrelay/internal/chat"
)

// errorBody is the canonical error shape:
//
//	{"error": {"kind": "...", "message": "...", "code": 502, "details": [...]}}
//
// details carries the ordered per-provider attempts when all candidates
// failed.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    chat.Kind           `json:"kind"`
	Message string              `json:"message"`
	Code    int                 `json:"code"`
	Details []chat.AttemptError `json:"details,omitempty"`
}

func errorBodyFor(err error) (int, errorBody) {
	var gwErr *chat.Error
	if !errors.As(err, &gwErr) {
		return http.StatusInternalServerError, errorBody{Error: errorDetail{
			Kind:    chat.KindInternal,
			Message: err.Error(),
			Code:    http.StatusInternalServerError,
		}}
	}
	status := chat.HTTPStatus(gwErr.Kind)
	return status, errorBody{Error: errorDetail{
		Kind:    gwErr.Kind,
		Message: gwErr.Message,
		Code:    status,
		Details: gwErr.Attempts,
	}}
}

func writeError(w http.ResponseWriter, err error) {
	status, body := errorBodyFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(errorBody{Error: errorDetail{
		Kind:    chat.KindInvalidRequest,
		Message: msg,
		Code:    http.StatusBadRequest,
	}})
}
