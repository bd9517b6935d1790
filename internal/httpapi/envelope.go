// Package httpapi serves the kernel's HTTP surface: health and status,
// module introspection, scheduler and cleanup management, settings
// preferences, metrics, and module-declared routers mounted under their
// declared prefixes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chassisd/chassis/internal/fault"
)

// Result is the response envelope every endpoint uses.
type Result struct {
	Status string     `json:"status"`
	Data   any        `json:"data,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}

// ErrorBody carries a coded error over the wire.
type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeOK writes a success envelope.
func writeOK(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{Status: "ok", Data: data})
}

// writeErr writes an error envelope with the status mapped from the error
// kind. Errors without a coded fault report HANDLER_ERROR.
func writeErr(w http.ResponseWriter, err error) {
	body := &ErrorBody{
		Code:    string(fault.HandlerError),
		Message: err.Error(),
	}
	status := http.StatusInternalServerError

	var fe *fault.Error
	if errors.As(err, &fe) {
		body.Code = string(fe.Code)
		body.Message = fe.Message
		body.Details = fe.Details
		status = fault.HTTPStatus(fe.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Result{Status: "error", Error: body})
}

// decodeBody decodes a JSON request body into out.
func decodeBody(r *http.Request, out any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		return fault.Wrap(fault.ParameterInvalid, "invalid JSON request body", err)
	}
	return nil
}
