// JSON response helpers shared by every handler in the package.

package api

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes data with the given status code and a JSON
// content type. A nil data writes headers only.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError writes {"error": message} with the given status code.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func respondOK(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, data)
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, message)
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, message)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, message)
}

// internalError hides the failure cause from the client; handlers log
// the underlying error before calling it.
func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// statusResponse is the body of simple acknowledgements.
type statusResponse struct {
	Status string `json:"status"`
}

// okStatus writes {"status": "ok"} with status 200.
func okStatus(w http.ResponseWriter) {
	respondOK(w, statusResponse{Status: "ok"})
}
