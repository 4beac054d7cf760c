package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/BTreeMap/MemoryPipe/internal/models"
)

// Pre-marshaled so a marshal failure can still be answered with JSON.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSON marshals response before writing headers so an encoding failure
// becomes a clean 500.
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, response models.APIResponse) {
	jsonData, err := json.Marshal(response)
	if err != nil {
		s.logger.Error("Server.writeJSON: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		s.logger.Error("Server.writeJSON: failed to write JSON response", "error", writeErr)
	}
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, models.Error("no route for "+r.URL.Path))
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, models.Error(r.Method+" not allowed on "+r.URL.Path))
}
