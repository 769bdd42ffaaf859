// Package testutil provides shared test utilities and transport fakes for pacsrelay tests.
package testutil

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "pacsrelay-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	// Resolve symlinks so path comparisons hold on macOS (/var -> /private/var).
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// Object builds a test object with the given identifiers.
func Object(patient, study, series, instance string, payload []byte) *proto.Object {
	return &proto.Object{
		Metadata: proto.Metadata{
			PatientID:   patient,
			StudyUID:    study,
			SeriesUID:   series,
			InstanceUID: instance,
			Modality:    "CT",
			SOPClassUID: "1.2.840.10008.5.1.4.1.1.2",
		},
		Payload: payload,
	}
}

// Attempt scripts the outcome of one dial+send.
type Attempt struct {
	DialErr error        // returned from Dial
	Status  proto.Status // returned from Send when SendErr is nil
	SendErr error        // returned from Send
}

// FakeDialer is a transport.Dialer whose attempts follow a script. Once the
// script is exhausted every further attempt uses Default.
type FakeDialer struct {
	mu       sync.Mutex
	Script   []Attempt
	Default  Attempt
	dials    int
	released int
	sent     []*proto.Object
	echoes   int
	opts     []transport.DialOptions
}

// Succeeding returns a dialer whose every attempt succeeds.
func Succeeding() *FakeDialer {
	return &FakeDialer{Default: Attempt{Status: proto.StatusSuccess}}
}

// Failing returns a dialer whose every dial fails with err.
func Failing(err error) *FakeDialer {
	return &FakeDialer{Default: Attempt{DialErr: err}}
}

// Dial implements transport.Dialer.
func (d *FakeDialer) Dial(_ context.Context, opts transport.DialOptions) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	a := d.Default
	if d.dials < len(d.Script) {
		a = d.Script[d.dials]
	}
	d.dials++
	d.opts = append(d.opts, opts)
	if a.DialErr != nil {
		return nil, a.DialErr
	}
	return &fakeSession{dialer: d, attempt: a}, nil
}

// Dials returns how many sessions were requested.
func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Released returns how many sessions were released.
func (d *FakeDialer) Released() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Sent returns the objects passed to Send, in order.
func (d *FakeDialer) Sent() []*proto.Object {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*proto.Object(nil), d.sent...)
}

// Echoes returns the number of echo requests.
func (d *FakeDialer) Echoes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.echoes
}

// Options returns the DialOptions of every Dial call.
func (d *FakeDialer) Options() []transport.DialOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]transport.DialOptions(nil), d.opts...)
}

type fakeSession struct {
	dialer  *FakeDialer
	attempt Attempt
}

func (s *fakeSession) Send(_ context.Context, obj *proto.Object) (proto.Status, error) {
	s.dialer.mu.Lock()
	s.dialer.sent = append(s.dialer.sent, obj)
	s.dialer.mu.Unlock()
	if s.attempt.SendErr != nil {
		return 0, s.attempt.SendErr
	}
	return s.attempt.Status, nil
}

func (s *fakeSession) Echo(context.Context) error {
	s.dialer.mu.Lock()
	s.dialer.echoes++
	s.dialer.mu.Unlock()
	return s.attempt.SendErr
}

func (s *fakeSession) Release() error {
	s.dialer.mu.Lock()
	s.dialer.released++
	s.dialer.mu.Unlock()
	return nil
}
