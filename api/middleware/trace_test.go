package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTraceIDGeneratesAndEchoes(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get("X-Trace-ID"))
}

func TestTraceIDKeepsIncomingHeader(t *testing.T) {
	var seen string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Trace-ID", "upstream-42")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "upstream-42", seen)
	assert.Equal(t, "upstream-42", rec.Header().Get("X-Trace-ID"))
}
