package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_MissingFileStartsEmpty(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "forwarded_files.json"))
	assert.Equal(t, 0, l.Len())
}

func TestOpen_CorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	l := Open(path)
	assert.Equal(t, 0, l.Len())

	_, err := l.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoadCorrupt)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	l := Open(path)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, l.Append("/data/P1/S1/SE1/I1.dcm", base))
	require.NoError(t, l.Append("/data/P1/S1/SE1/I2.dcm", base.Add(1500*time.Millisecond)))
	require.NoError(t, l.Append("/data/P2/S9/SE3/I7.dcm", base.Add(-48*time.Hour)))
	require.NoError(t, l.Save())

	fresh := Open(path)
	loaded, err := fresh.Load()
	require.NoError(t, err)
	assert.Equal(t, l.Snapshot(), loaded)
	assert.Equal(t, l.Snapshot(), fresh.Snapshot())

	ts, ok := fresh.Get("/data/P1/S1/SE1/I2.dcm")
	require.True(t, ok)
	assert.InDelta(t, float64(base.Add(1500*time.Millisecond).UnixNano()), float64(ts.UnixNano()), float64(time.Microsecond))
}

func TestAppendPersistsImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	l := Open(path)

	require.NoError(t, l.Append("/data/a.dcm", time.Unix(1700000000, 0)))
	assert.Equal(t, 1, l.Saves())

	// A second instance sees the entry without an explicit Save.
	other := Open(path)
	snap := other.Snapshot()
	assert.Equal(t, map[string]float64{"/data/a.dcm": 1700000000}, snap)
}

func TestRemoveSavesOncePerBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	l := Open(path)
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(fmt.Sprintf("/data/%d.dcm", i), now))
	}
	before := l.Saves()

	require.NoError(t, l.Remove("/data/0.dcm", "/data/1.dcm"))
	assert.Equal(t, before+1, l.Saves())
	assert.Equal(t, 1, l.Len())

	// Empty batch is a no-op.
	require.NoError(t, l.Remove())
	assert.Equal(t, before+1, l.Saves())

	assert.Equal(t, 1, Open(path).Len())
}

func TestRemoveIfKeepsReappendedEntries(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "forwarded_files.json"))
	now := time.Now()
	require.NoError(t, l.Append("/data/a.dcm", now.Add(-10*24*time.Hour)))
	require.NoError(t, l.Append("/data/b.dcm", now.Add(-10*24*time.Hour)))

	expired := l.Expired(now.Add(-5 * 24 * time.Hour))
	require.Len(t, expired, 2)

	// b is forwarded again after the expired list was taken.
	require.NoError(t, l.Append("/data/b.dcm", now))
	before := l.Saves()

	removed, err := l.RemoveIf(expired...)
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.dcm"}, removed)
	assert.Equal(t, before+1, l.Saves())

	got, ok := l.Get("/data/b.dcm")
	require.True(t, ok)
	assert.WithinDuration(t, now, got, time.Millisecond)

	// Nothing left to remove: no save.
	removed, err = l.RemoveIf(expired...)
	require.NoError(t, err)
	assert.Empty(t, removed)
	assert.Equal(t, before+1, l.Saves())
}

func TestRemoveIfWithoutStoredStamp(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "forwarded_files.json"))
	at := time.Unix(1700000000, 0)
	require.NoError(t, l.Append("/data/a.dcm", at))

	removed, err := l.RemoveIf(Entry{Path: "/data/a.dcm", ForwardedAt: at})
	require.NoError(t, err)
	assert.Equal(t, []string{"/data/a.dcm"}, removed)
}

func TestForget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	l := Open(path)
	require.NoError(t, l.Append("/data/a.dcm", time.Now()))
	before := l.Saves()

	existed, err := l.Forget("/data/a.dcm")
	require.NoError(t, err)
	assert.True(t, existed)
	assert.Equal(t, before+1, l.Saves())
	assert.Equal(t, 0, Open(path).Len())

	existed, err = l.Forget("/data/a.dcm")
	require.NoError(t, err)
	assert.False(t, existed)
	assert.Equal(t, before+1, l.Saves(), "forgetting an absent path does not save")
}

func TestSaveFailureIsClassified(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	l := Open(filepath.Join(blocker, "forwarded_files.json"))
	err := l.Append("/data/a.dcm", time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSaveFailed)

	// The entry is still tracked in memory for the next save.
	assert.Equal(t, 1, l.Len())
}

func TestExpired(t *testing.T) {
	l := Open(filepath.Join(t.TempDir(), "forwarded_files.json"))
	now := time.Now()
	require.NoError(t, l.Append("/old", now.Add(-10*24*time.Hour)))
	require.NoError(t, l.Append("/older", now.Add(-20*24*time.Hour)))
	require.NoError(t, l.Append("/new", now.Add(-24*time.Hour)))

	expired := l.Expired(now.Add(-5 * 24 * time.Hour))
	require.Len(t, expired, 2)
	assert.Equal(t, "/older", expired[0].Path)
	assert.Equal(t, "/old", expired[1].Path)

	all := l.Entries()
	require.Len(t, all, 3)
	assert.Equal(t, "/new", all[2].Path)
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forwarded_files.json")
	l := Open(path)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, l.Append(fmt.Sprintf("/data/%02d.dcm", i), time.Now()))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 20, l.Len())
	loaded, err := Open(path).Load()
	require.NoError(t, err)
	assert.Len(t, loaded, 20)

	// No temp files remain next to the ledger.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
