package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pacsrelay/pacsrelay/pkg/proto"
	"github.com/pacsrelay/pacsrelay/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	root := t.TempDir()
	w, err := NewWriter(root)
	require.NoError(t, err)
	return w, root
}

func TestNewWriter_RequiresAbsoluteRoot(t *testing.T) {
	_, err := NewWriter("relative/root")
	assert.Error(t, err)
}

func TestSave_HierarchicalPath(t *testing.T) {
	w, root := newWriter(t)

	path, err := w.Save(testutil.Object("P1", "S1", "SE1", "I1", []byte("first")))
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "P1", "S1", "SE1", "I1.dcm"), path)
	assert.True(t, filepath.IsAbs(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))
}

func TestSave_OverwritesSameIdentifiers(t *testing.T) {
	w, _ := newWriter(t)

	first, err := w.Save(testutil.Object("P1", "S1", "SE1", "I1", []byte("first")))
	require.NoError(t, err)
	second, err := w.Save(testutil.Object("P1", "S1", "SE1", "I1", []byte("second")))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files are left behind.
	entries, err := os.ReadDir(filepath.Dir(second))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSave_MissingIdentifiersUseUnknown(t *testing.T) {
	w, root := newWriter(t)

	path, err := w.Save(&proto.Object{Metadata: proto.Metadata{InstanceUID: "I9"}, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, proto.Unknown, proto.Unknown, proto.Unknown, "I9.dcm"), path)
}

func TestSave_SanitizesIdentifiers(t *testing.T) {
	w, root := newWriter(t)

	path, err := w.Save(testutil.Object("..", "a/b", `c\d`, "../../etc/passwd", []byte("x")))
	require.NoError(t, err)

	rel, err := filepath.Rel(root, path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("__", "a_b", "c_d", ".._.._etc_passwd.dcm"), rel)
}

func TestSave_IOErrorIsClassified(t *testing.T) {
	w, root := newWriter(t)

	// A regular file where the patient directory should be.
	require.NoError(t, os.WriteFile(filepath.Join(root, "P1"), []byte("blocker"), 0644))

	_, err := w.Save(testutil.Object("P1", "S1", "SE1", "I1", []byte("x")))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIO)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, filepath.Join(root, "P1", "S1", "SE1", "I1.dcm"), serr.Path)
}

func TestPathFor(t *testing.T) {
	w, root := newWriter(t)
	md := proto.Metadata{PatientID: "P2", StudyUID: "S2", SeriesUID: "SE2", InstanceUID: "I2"}
	assert.Equal(t, filepath.Join(root, "P2", "S2", "SE2", "I2.dcm"), w.PathFor(md))
	assert.Equal(t, root, w.Root())
}

func TestLockExcludesSaves(t *testing.T) {
	w, _ := newWriter(t)

	w.Lock()
	saved := make(chan error, 1)
	go func() {
		_, err := w.Save(testutil.Object("P1", "S1", "SE1", "I1", []byte("x")))
		saved <- err
	}()

	select {
	case <-saved:
		t.Fatal("save ran while the writer was locked")
	case <-time.After(50 * time.Millisecond):
	}

	w.Unlock()
	select {
	case err := <-saved:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("save did not resume after unlock")
	}
}
