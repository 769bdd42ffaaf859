package tracing

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderNotRunning(t *testing.T) {
	r := New(0)
	assert.Equal(t, uint64(DefaultBufferSize), r.maxBytes)
	assert.False(t, r.Running())

	var buf bytes.Buffer
	assert.ErrorIs(t, r.Snapshot(&buf), ErrNotRunning)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecorderSnapshot(t *testing.T) {
	r := New(1 << 20)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.NoError(t, r.Start(), "second start is a no-op")
	assert.True(t, r.Running())

	var buf bytes.Buffer
	require.NoError(t, r.Snapshot(&buf))
	assert.NotZero(t, buf.Len())

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/trace", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
	assert.NotZero(t, rec.Body.Len())
}

func TestRecorderStopTwice(t *testing.T) {
	r := New(1 << 20)
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}
