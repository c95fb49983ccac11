package main

import (
	"bytes"
	"io"
	"net/http"

	"github.com/sideboard/sideboard/internal/audit"
)

// auditedJSONRPC wraps h so that, when log is non-nil, every POST
// /jsonrpc request body and its outcome are recorded to the audit log.
// A nil log (audit disabled) makes this a pure passthrough.
func auditedJSONRPC(h http.Handler, log *audit.Log) http.Handler {
	if log == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)

		log.Record(audit.Entry{
			Transport: "jsonrpc",
			Request:   string(body),
			Status:    rec.status,
		})
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
