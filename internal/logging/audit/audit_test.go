package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), buf.String())
	return entry
}

func TestLogSession(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		reason    string
		wantLevel string
	}{
		{name: "admitted", result: ResultAllowed, wantLevel: "info"},
		{name: "wrong called identity", result: ResultDenied, reason: "called identity ARCHIVE not served", wantLevel: "warn"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			NewLogger(zerolog.New(&buf)).LogSession("MODALITY1", "10.0.0.5:40412", tt.result, tt.reason)

			entry := decode(t, &buf)
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, "session", entry["event_type"])
			assert.Equal(t, "MODALITY1", entry["peer"])
			assert.Equal(t, "10.0.0.5:40412", entry["source_addr"])
			assert.Equal(t, tt.result, entry["result"])
			assert.Equal(t, "Session event", entry["message"])
			if tt.reason == "" {
				assert.NotContains(t, entry, "reason")
			} else {
				assert.Equal(t, tt.reason, entry["reason"])
			}
		})
	}
}

func TestLogObject(t *testing.T) {
	md := proto.Metadata{PatientID: "P1", StudyUID: "S1", SeriesUID: "SE1", InstanceUID: "I1"}

	var buf bytes.Buffer
	NewLogger(zerolog.New(&buf)).LogObject("j-1", ActionForwarded, md, ResultFailed, "connection refused")

	entry := decode(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "object", entry["event_type"])
	assert.Equal(t, "j-1", entry["journey"])
	assert.Equal(t, "forwarded", entry["action"])
	assert.Equal(t, "P1", entry["patient_id"])
	assert.Equal(t, "S1", entry["study_uid"])
	assert.Equal(t, "SE1", entry["series_uid"])
	assert.Equal(t, "I1", entry["instance_uid"])
	assert.Equal(t, "connection refused", entry["details"])
}

func TestLogPurge(t *testing.T) {
	var buf bytes.Buffer
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	NewLogger(zerolog.New(&buf)).LogPurge("/srv/storage/P1/S1/SE1/I1.dcm", at, ResultOK, "")

	entry := decode(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "purge", entry["event_type"])
	assert.Equal(t, "/srv/storage/P1/S1/SE1/I1.dcm", entry["path"])
	assert.Equal(t, at.Format(zerolog.TimeFieldFormat), entry["forwarded_at"])
	assert.NotContains(t, entry, "details")
}

func TestNilLogger(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.LogSession("peer", "addr", ResultAllowed, "")
		l.LogObject("j", ActionReceived, proto.Metadata{}, ResultOK, "")
		l.LogPurge("/p", time.Now(), ResultOK, "")
	})
}

func TestOpenAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", FileName)

	for i := 0; i < 2; i++ {
		l, closer, err := Open(path)
		require.NoError(t, err)
		l.LogSession("MODALITY1", "127.0.0.1:1", ResultAllowed, "")
		require.NoError(t, closer.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
		assert.Contains(t, entry, "time")
		lines++
	}
	assert.Equal(t, 2, lines)
}
