// Package api is the HTTP surface: multipart upload, lookup endpoints and
// the on-demand char-artifact triggers. All error responses are RFC 7807
// problem details carrying the machine-readable error kind and the
// correlation id of the failed request.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/doctruth/regcore/pkg/faults"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// WriteProblem writes an RFC 7807 response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, title, detail, correlationID string) {
	problem := &ProblemDetail{
		Type:          "about:blank",
		Title:         title,
		Status:        status,
		Detail:        detail,
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteFault maps a faults.Error onto a problem response; anything else is a
// plain 500.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	var fe *faults.Error
	if errors.As(err, &fe) {
		WriteProblem(w, r, faults.HTTPStatus(fe.Kind), string(fe.Kind), fe.Detail, fe.CorrelationID)
		return
	}
	WriteProblem(w, r, http.StatusInternalServerError, "INTERNAL", "internal error", "")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
