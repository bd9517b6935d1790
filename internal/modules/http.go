package modules

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/chassisd/chassis/internal/fault"
)

// writeJSON writes a success envelope from a module router.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "data": data})
}

// writeError writes an error envelope with the status mapped from the
// error kind.
func writeError(w http.ResponseWriter, err error) {
	code := fault.HandlerError
	message := err.Error()
	var details map[string]any

	var fe *fault.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
		details = fe.Details
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status": "error",
		"error": map[string]any{
			"code":    string(code),
			"message": message,
			"details": details,
		},
	})
}
