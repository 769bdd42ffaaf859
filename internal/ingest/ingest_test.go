package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsrelay/pacsrelay/internal/forward"
	"github.com/pacsrelay/pacsrelay/internal/logging/audit"
	"github.com/pacsrelay/pacsrelay/internal/retention"
	"github.com/pacsrelay/pacsrelay/internal/ledger"
	"github.com/pacsrelay/pacsrelay/internal/stats"
	"github.com/pacsrelay/pacsrelay/internal/store"
	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
	"github.com/pacsrelay/pacsrelay/testutil"
)

type fixture struct {
	root    string
	ledger  *ledger.Ledger
	stats   *stats.Aggregator
	dialer  *testutil.FakeDialer
	handler *Handler
}

func newFixture(t *testing.T, opts Options, dialer *testutil.FakeDialer, attempts int) *fixture {
	t.Helper()
	root := t.TempDir()
	w, err := store.NewWriter(root)
	require.NoError(t, err)

	f := &fixture{
		root:   root,
		ledger: ledger.Open(filepath.Join(root, "forwarded_files.json")),
		stats:  stats.New(nil),
		dialer: dialer,
	}
	engine := forward.NewEngine(dialer, transport.DialOptions{Host: "127.0.0.1", Port: 104, RemoteIdentity: "ARCHIVE"}, attempts, nil)
	f.handler = New(opts, w, engine, f.ledger, f.stats, nil)
	return f
}

func inbound(obj *proto.Object) *transport.Inbound {
	return &transport.Inbound{Object: obj, Peer: transport.Peer{Identity: "MODALITY", Address: "10.0.0.5:40000"}}
}

func TestHandle_StoreAndForward(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Succeeding(), 3)

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", []byte("pixels"))))
	assert.Equal(t, proto.StatusSuccess, status)

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.Received)
	assert.Equal(t, uint64(1), snap.Connections)
	assert.Equal(t, uint64(1), snap.Stored)
	assert.Equal(t, uint64(1), snap.Forwarded)

	want := filepath.Join(f.root, "P1", "S1", "SE1", "I1"+store.Extension)
	assert.FileExists(t, want)
	require.Equal(t, 1, f.ledger.Len())
	_, ok := f.ledger.Get(want)
	assert.True(t, ok)
}

func TestHandle_ForwardFailsEveryAttempt(t *testing.T) {
	refused := transport.NewError(transport.ErrSessionRefused, "dial", errors.New("connection refused"))
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Failing(refused), 4)

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", []byte("x"))))
	assert.Equal(t, proto.StatusProcessingFailure, status)
	assert.False(t, status.OK())

	assert.Equal(t, 4, f.dialer.Dials())
	assert.Equal(t, 0, f.ledger.Len(), "unforwarded objects never enter the ledger")

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.ForwardFailures)
	assert.Equal(t, uint64(1), snap.Stored)
	assert.Equal(t, uint64(0), snap.Forwarded)
}

func TestHandle_StoreFailureStillForwards(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Succeeding(), 1)
	f.handler.saver = saverFunc(func(*proto.Object) (string, error) {
		return "", &store.Error{Kind: store.ErrIO, Path: "/x", Err: errors.New("disk full")}
	})

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", nil)))
	assert.Equal(t, proto.StatusSuccess, status)

	snap := f.stats.Snapshot()
	assert.Equal(t, uint64(1), snap.StoreFailures)
	assert.Equal(t, uint64(1), snap.Forwarded)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, 0, f.ledger.Len(), "nothing staged, nothing to retain")
}

func TestHandle_ForwardDisabled(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true}, testutil.Succeeding(), 3)

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", nil)))
	assert.Equal(t, proto.StatusSuccess, status)
	assert.Equal(t, 0, f.dialer.Dials())
	assert.Equal(t, 0, f.ledger.Len())

	// Accepted even when storage fails.
	f.handler.saver = saverFunc(func(*proto.Object) (string, error) { return "", errors.New("boom") })
	status = f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I2", nil)))
	assert.Equal(t, proto.StatusSuccess, status)
	assert.Equal(t, uint64(1), f.stats.Snapshot().StoreFailures)
}

func TestHandle_ForwardOnlyNoLedgerEntry(t *testing.T) {
	f := newFixture(t, Options{ForwardImmediately: true}, testutil.Succeeding(), 3)

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", nil)))
	assert.Equal(t, proto.StatusSuccess, status)
	assert.Equal(t, 0, f.ledger.Len())
	assert.NoDirExists(t, filepath.Join(f.root, "P1"))
}

func TestHandle_MissingIdentifiersUseUnknown(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Succeeding(), 1)

	obj := &proto.Object{Metadata: proto.Metadata{InstanceUID: "I9"}, Payload: []byte("x")}
	status := f.handler.Handle(context.Background(), inbound(obj))
	assert.Equal(t, proto.StatusSuccess, status)

	assert.FileExists(t, filepath.Join(f.root, proto.Unknown, proto.Unknown, proto.Unknown, "I9"+store.Extension))
	require.Len(t, f.dialer.Sent(), 1)
	assert.Equal(t, proto.Unknown, f.dialer.Sent()[0].Metadata.PatientID)
}

func TestHandle_ForwardSurvivesCancelledContext(t *testing.T) {
	f := newFixture(t, Options{ForwardImmediately: true}, testutil.Succeeding(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, proto.StatusSuccess, f.handler.Handle(ctx, inbound(testutil.Object("P1", "S1", "SE1", "I1", nil))))
}

func TestHandle_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true}, testutil.Succeeding(), 1)
	f.handler.saver = saverFunc(func(*proto.Object) (string, error) { panic("corrupt object") })

	assert.NotPanics(t, func() {
		status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", nil)))
		assert.Equal(t, proto.StatusProcessingFailure, status)
	})
}

func TestHandle_NilObject(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true}, testutil.Succeeding(), 1)
	assert.Equal(t, proto.StatusCannotUnderstand, f.handler.Handle(context.Background(), &transport.Inbound{}))
	assert.Equal(t, uint64(0), f.stats.Snapshot().Received)
}

func TestHandle_LedgerTimestampIsHandlingTime(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Succeeding(), 1)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.handler.now = func() time.Time { return fixed }

	f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", nil)))

	entries := f.ledger.Entries()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ForwardedAt.Equal(fixed))
}

type saverFunc func(*proto.Object) (string, error)

func (f saverFunc) Save(obj *proto.Object) (string, error) { return f(obj) }

func TestHandle_AuditTrail(t *testing.T) {
	refused := transport.NewError(transport.ErrSessionRefused, "dial", errors.New("connection refused"))

	tests := []struct {
		name    string
		dialer  *testutil.FakeDialer
		actions []string
		results []string
	}{
		{
			name:    "forwarded",
			dialer:  testutil.Succeeding(),
			actions: []string{audit.ActionReceived, audit.ActionStored, audit.ActionForwarded},
			results: []string{audit.ResultOK, audit.ResultOK, audit.ResultOK},
		},
		{
			name:    "not forwarded",
			dialer:  testutil.Failing(refused),
			actions: []string{audit.ActionReceived, audit.ActionStored, audit.ActionForwarded},
			results: []string{audit.ResultOK, audit.ResultOK, audit.ResultFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, tt.dialer, 2)
			var buf bytes.Buffer
			f.handler.SetAudit(audit.NewLogger(zerolog.New(&buf)))

			f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", []byte("x"))))

			var actions, results []string
			journeys := map[string]bool{}
			scanner := bufio.NewScanner(&buf)
			for scanner.Scan() {
				var entry map[string]interface{}
				require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry))
				assert.Equal(t, "I1", entry["instance_uid"])
				actions = append(actions, entry["action"].(string))
				results = append(results, entry["result"].(string))
				journeys[entry["journey"].(string)] = true
			}
			assert.Equal(t, tt.actions, actions)
			assert.Equal(t, tt.results, results)
			assert.Len(t, journeys, 1, "every event of one object shares a journey")
		})
	}
}

func TestHandle_RestageUndeliveredSurvivesRetention(t *testing.T) {
	refused := transport.NewError(transport.ErrSessionRefused, "dial", errors.New("connection refused"))
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Failing(refused), 2)

	// An earlier object with the same identifiers was forwarded 10 days ago.
	path := filepath.Join(f.root, "P1", "S1", "SE1", "I1"+store.Extension)
	require.NoError(t, f.ledger.Append(path, time.Now().Add(-10*24*time.Hour)))

	status := f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", []byte("newer"))))
	require.Equal(t, proto.StatusProcessingFailure, status)

	_, tracked := f.ledger.Get(path)
	assert.False(t, tracked, "the stale forward no longer describes the staged file")

	res := retention.New(f.ledger, 5*24*time.Hour, f.root, nil).Sweep()
	assert.Equal(t, 0, res.Deleted)
	assert.FileExists(t, path)
}

func TestHandle_RestageThenForwardRecordsNewTime(t *testing.T) {
	f := newFixture(t, Options{StoreLocally: true, ForwardImmediately: true}, testutil.Succeeding(), 1)
	path := filepath.Join(f.root, "P1", "S1", "SE1", "I1"+store.Extension)
	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, f.ledger.Append(path, old))

	f.handler.Handle(context.Background(), inbound(testutil.Object("P1", "S1", "SE1", "I1", []byte("newer"))))

	got, ok := f.ledger.Get(path)
	require.True(t, ok)
	assert.True(t, got.After(old.Add(time.Hour)))
}
