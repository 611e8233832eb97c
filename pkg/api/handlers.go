package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/loadtest"
	"github.com/aws-solutions/distributed-load-testing-on-aws-sub001/pkg/store"
)

const maxRequestBytes = 1 << 20

// errorResponse is a standard error payload.
type errorResponse struct {
	Error string `json:"error"`
}

type startRunResponse struct {
	TestID    string             `json:"testId"`
	TestRunID string             `json:"testRunId"`
	Status    loadtest.RunStatus `json:"status"`
}

type cancelRunResponse struct {
	TestID string `json:"testId"`
	Status string `json:"status"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// writeError maps the orchestrator error taxonomy to a status code.
// Internal errors are logged and not echoed.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, loadtest.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, errorResponse{err.Error()})
	case errors.Is(err, loadtest.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{"test not found"})
	case errors.Is(err, loadtest.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errorResponse{err.Error()})
	default:
		s.log.WithError(err).
			WithField("path", r.URL.Path).
			Error("Request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{"internal error"})
	}
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStartRun accepts a JSON (or YAML, by content type) test run request.
func (s *server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{"reading request body: " + err.Error()})

		return
	}

	var req *loadtest.TestRunRequest

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		req, err = loadtest.DecodeRequestYAML(body)
	default:
		req, err = loadtest.DecodeRequestJSON(body)
	}

	if err != nil {
		s.writeError(w, r, err)

		return
	}

	testRunID, err := s.coord.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, startRunResponse{
		TestID:    req.TestID,
		TestRunID: testRunID,
		Status:    loadtest.RunStatusRunning,
	})
}

func (s *server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := s.coord.Status(r.Context(), chi.URLParam(r, "testId"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusOK, rec)
}

func (s *server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	testID := chi.URLParam(r, "testId")

	if err := s.coord.Cancel(r.Context(), testID); err != nil {
		s.writeError(w, r, err)

		return
	}

	writeJSON(w, http.StatusAccepted, cancelRunResponse{TestID: testID, Status: "cancelling"})
}

func (s *server) handleListHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.coord.History(r.Context(), chi.URLParam(r, "testId"))
	if err != nil {
		s.writeError(w, r, err)

		return
	}

	if history == nil {
		history = []store.HistoryRecord{}
	}

	writeJSON(w, http.StatusOK, history)
}
