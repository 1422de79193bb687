package dispatch

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gaspardpetit/plugapi/internal/endpoint"
)

// NotFoundMessage and NotFoundHint form the fallback body for unmatched
// requests.
const (
	NotFoundMessage = "Endpoint not found"
	NotFoundHint    = "Check GET /api for available endpoints"
)

type success struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

type failure struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Hint    string `json:"hint,omitempty"`
}

// WriteJSON writes v as the JSON body with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteSuccess writes {"success": true, "data": data}.
func WriteSuccess(w http.ResponseWriter, status int, data any) {
	b, err := json.Marshal(success{Success: true, Data: data})
	if err != nil {
		WriteError(w, http.StatusInternalServerError, "encode result: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(append(b, '\n'))
}

// WriteError writes {"success": false, "error": msg}.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, failure{Error: msg})
}

// NotFound writes the fallback for requests no endpoint matched.
func NotFound(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusNotFound, failure{Error: NotFoundMessage, Hint: NotFoundHint})
}

// ErrorStatus maps a handler error to the status of the error envelope.
func ErrorStatus(err error) int {
	var se *endpoint.StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status <= 599 {
		return se.Status
	}
	return http.StatusInternalServerError
}
