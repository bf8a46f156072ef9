package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/flowstate-dev/flowstate/internal/blob"
	"github.com/flowstate-dev/flowstate/internal/storage"
)

// apiError is the taxonomy crossing the API boundary. Exactly three kinds
// exist: not_found, invalid_input, internal.
type apiError struct {
	Status  int    `json:"-"`
	Kind    string `json:"kind"`
	Message string `json:"error"`
}

func (e *apiError) Error() string { return e.Message }

func errNotFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Kind: "not_found", Message: msg}
}

func errInvalidInput(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Kind: "invalid_input", Message: msg}
}

func errInternal(msg string) *apiError {
	return &apiError{Status: http.StatusInternalServerError, Kind: "internal", Message: msg}
}

// writeError maps an error onto the wire. Storage and blob not-found
// sentinels become not_found; everything unclassified is internal.
func writeError(w http.ResponseWriter, err error) {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		switch {
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, blob.ErrNotFound):
			apiErr = errNotFound(err.Error())
		default:
			apiErr = errInternal(err.Error())
		}
	}

	if apiErr.Status >= http.StatusInternalServerError {
		log.Printf("[server] internal error: %s", apiErr.Message)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.Status)
	_ = json.NewEncoder(w).Encode(apiErr)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// readBody reads a request body up to limit bytes.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return data, nil
}
