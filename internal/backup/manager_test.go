package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/filekeep/filekeep/internal/metrics"
)

const storeDir = "/data/backups"

// testClock is a settable manager clock.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func newTestManager(t *testing.T, policy Policy) (*Manager, billy.Filesystem, *testClock) {
	t.Helper()
	fs := memfs.New()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{
		FS:     fs,
		Dir:    storeDir,
		Policy: policy,
		Now:    clock.Now,
	})
	require.NoError(t, m.Init())
	return m, fs, clock
}

func writeOriginal(t *testing.T, fs billy.Filesystem, path, content string) {
	t.Helper()
	require.NoError(t, util.WriteFile(fs, path, []byte(content), 0644))
}

func readFile(t *testing.T, fs billy.Filesystem, path string) string {
	t.Helper()
	data, err := util.ReadFile(fs, path)
	require.NoError(t, err)
	return string(data)
}

func TestManager_Init(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})

	info, err := fs.Stat(storeDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "*\n!.gitignore\n", readFile(t, fs, storeDir+"/.gitignore"))

	// Init is idempotent.
	require.NoError(t, m.Init())
}

func TestManager_Create_MissingOriginalSkips(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})

	res, err := m.Create(context.Background(), "/data/missing.xlsx", nil)
	require.NoError(t, err, "a missing original is a successful skip, not an error")
	assert.True(t, res.Skipped)
	assert.Empty(t, res.BackupName)

	entries, err := fs.ReadDir(storeDir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "store holds only its .gitignore")
	assert.Equal(t, ".gitignore", entries[0].Name())
}

func TestManager_Create_CopyAndSidecar(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "v1 content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", map[string]any{"user": "alice"})
	require.NoError(t, err)
	assert.False(t, res.Skipped)

	ts := clock.now.UnixMilli()
	assert.Equal(t, fmt.Sprintf("%d_backup_doc.xlsx", ts), res.BackupName)
	assert.Equal(t, "v1 content", readFile(t, fs, res.BackupPath))

	// The sidecar is a flat document: caller metadata sits next to the
	// fixed fields.
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(readFile(t, fs, res.BackupPath+".json")), &doc))
	assert.Equal(t, "/data/doc.xlsx", doc["originalPath"])
	assert.Equal(t, res.BackupPath, doc["backupPath"])
	assert.Equal(t, float64(ts), doc["timestamp"])
	assert.Equal(t, "alice", doc["user"])
}

func TestManager_Create_SameMillisecondCollision(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	first, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.BackupName, second.BackupName)
	ts := clock.now.UnixMilli()
	assert.Equal(t, fmt.Sprintf("%d_backup_doc.xlsx", ts), first.BackupName)
	assert.Equal(t, fmt.Sprintf("%d_backup_doc.xlsx", ts+1), second.BackupName)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)

	_, err = fs.Stat(second.BackupPath + ".json")
	assert.NoError(t, err)
}

func TestManager_Create_MetadataCannotOverrideReservedKeys(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", map[string]any{
		"originalPath": "/evil/elsewhere",
		"note":         "quarterly",
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(readFile(t, fs, res.BackupPath+".json")), &doc))
	assert.Equal(t, "/data/doc.xlsx", doc["originalPath"])
	assert.Equal(t, "quarterly", doc["note"])
}

func TestManager_Create_PrunesBeyondPerFileCap(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{MaxPerFile: 2})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	var names []string
	for i := 0; i < 3; i++ {
		res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
		require.NoError(t, err)
		names = append(names, res.BackupName)
		clock.now = clock.now.Add(time.Second)
	}

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2, "cap keeps the two newest")

	// The oldest backup and its sidecar are both gone.
	_, err = fs.Stat(storeDir + "/" + names[0])
	assert.Error(t, err)
	_, err = fs.Stat(storeDir + "/" + names[0] + ".json")
	assert.Error(t, err)
}

func TestManager_List_NewestFirst(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/a.txt", "a")
	writeOriginal(t, fs, "/data/b.txt", "b")

	_, err := m.Create(context.Background(), "/data/a.txt", nil)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Minute)
	_, err = m.Create(context.Background(), "/data/b.txt", nil)
	require.NoError(t, err)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "/data/b.txt", records[0].OriginalPath)
	assert.Equal(t, "/data/a.txt", records[1].OriginalPath)
	assert.True(t, records[0].Timestamp > records[1].Timestamp)
}

func TestManager_List_ExcludesBackupWithoutSidecar(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)
	require.NoError(t, fs.Remove(res.BackupPath+".json"))

	records, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records, "a copy without its sidecar is invisible")
}

func TestManager_Restore_ToOriginalPath(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "old content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)

	// Simulate the overwrite the backup was protecting against.
	writeOriginal(t, fs, "/data/doc.xlsx", "new content")

	restored, err := m.Restore(context.Background(), res.BackupName, "")
	require.NoError(t, err)
	assert.Equal(t, "/data/doc.xlsx", restored.RestoredTo)
	assert.Equal(t, "/data/doc.xlsx", restored.Record.OriginalPath)
	assert.Equal(t, "old content", readFile(t, fs, "/data/doc.xlsx"))
}

func TestManager_Restore_ToExplicitTarget(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "old content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)

	restored, err := m.Restore(context.Background(), res.BackupName, "/elsewhere/copy.xlsx")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere/copy.xlsx", restored.RestoredTo)
	assert.Equal(t, "old content", readFile(t, fs, "/elsewhere/copy.xlsx"))
}

func TestManager_Restore_SidecarMissing(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)
	require.NoError(t, fs.Remove(res.BackupPath+".json"))

	_, err = m.Restore(context.Background(), res.BackupName, "")
	require.ErrorIs(t, err, ErrSidecarMissing)
}

func TestManager_Restore_SidecarCorrupt(t *testing.T) {
	m, fs, _ := newTestManager(t, Policy{})
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)
	require.NoError(t, util.WriteFile(fs, res.BackupPath+".json", []byte("{not json"), 0644))

	_, err = m.Restore(context.Background(), res.BackupName, "")
	require.ErrorIs(t, err, ErrSidecarCorrupt)
}

func TestManager_Sweep_PurgesExpiredBackups(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{MaxAge: 24 * time.Hour})
	writeOriginal(t, fs, "/data/old.txt", "old")
	writeOriginal(t, fs, "/data/fresh.txt", "fresh")

	oldRes, err := m.Create(context.Background(), "/data/old.txt", nil)
	require.NoError(t, err)

	clock.now = clock.now.Add(48 * time.Hour)
	_, err = m.Create(context.Background(), "/data/fresh.txt", nil)
	require.NoError(t, err)

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned)
	assert.Equal(t, 0, res.Failed)

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "/data/fresh.txt", records[0].OriginalPath)

	_, err = fs.Stat(storeDir + "/" + oldRes.BackupName)
	assert.Error(t, err)
}

func TestManager_Sweep_EnforcesSizeCap(t *testing.T) {
	m, fs, clock := newTestManager(t, Policy{MaxTotalSize: 250})
	writeOriginal(t, fs, "/data/doc.xlsx", strings.Repeat("x", 100))

	var names []string
	for i := 0; i < 3; i++ {
		res, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
		require.NoError(t, err)
		names = append(names, res.BackupName)
		clock.now = clock.now.Add(time.Second)
	}

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pruned, "the third copy pushes the store past the budget")

	records, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	// The oldest backup falls to the size cap.
	_, err = fs.Stat(storeDir + "/" + names[0])
	assert.Error(t, err)
	_, err = fs.Stat(storeDir + "/" + names[2])
	assert.NoError(t, err)
}

// statErrFS fails Stat for backup copies with a non-NotExist error.
type statErrFS struct {
	billy.Filesystem
}

func (f statErrFS) Stat(path string) (os.FileInfo, error) {
	if strings.Contains(path, "_backup_") {
		return nil, errors.New("permission denied")
	}
	return f.Filesystem.Stat(path)
}

func TestManager_Create_CollisionProbeStatError(t *testing.T) {
	fs := memfs.New()
	m := NewManager(Config{
		FS:  statErrFS{Filesystem: fs},
		Dir: storeDir,
		Now: func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, m.Init())
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	// The name probe must surface the stat failure instead of retrying
	// the next timestamp forever.
	_, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe backup name")
}

func TestManager_Metrics(t *testing.T) {
	met := metrics.Init(prometheus.NewRegistry())
	fs := memfs.New()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewManager(Config{
		FS:      fs,
		Dir:     storeDir,
		Policy:  Policy{MaxPerFile: 1},
		Now:     clock.Now,
		Metrics: met,
	})
	require.NoError(t, m.Init())
	writeOriginal(t, fs, "/data/doc.xlsx", "content")

	created := promtest.ToFloat64(met.BackupsCreated)
	skipped := promtest.ToFloat64(met.BackupsSkipped)
	pruned := promtest.ToFloat64(met.BackupsPruned)
	restores := promtest.ToFloat64(met.Restores)

	_, err := m.Create(context.Background(), "/data/missing.xlsx", nil)
	require.NoError(t, err)

	_, err = m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)
	clock.now = clock.now.Add(time.Second)

	// The second create prunes the first under MaxPerFile=1.
	second, err := m.Create(context.Background(), "/data/doc.xlsx", nil)
	require.NoError(t, err)

	_, err = m.Restore(context.Background(), second.BackupName, "")
	require.NoError(t, err)

	assert.Equal(t, created+2, promtest.ToFloat64(met.BackupsCreated))
	assert.Equal(t, skipped+1, promtest.ToFloat64(met.BackupsSkipped))
	assert.Equal(t, pruned+1, promtest.ToFloat64(met.BackupsPruned))
	assert.Equal(t, restores+1, promtest.ToFloat64(met.Restores))
}

func TestManager_Sweep_EmptyStore(t *testing.T) {
	m, _, _ := newTestManager(t, Policy{MaxAge: time.Hour})

	res, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pruned)
	assert.Equal(t, 0, res.Failed)
}

func TestRecord_SidecarRoundTrip(t *testing.T) {
	rec := Record{
		OriginalPath: "/data/doc.xlsx",
		BackupPath:   storeDir + "/1700000000123_backup_doc.xlsx",
		Timestamp:    1700000000123,
		Date:         "2023-11-14T22:13:20Z",
		Metadata:     map[string]any{"user": "alice", "attempt": float64(2)},
	}

	data, err := marshalSidecar(rec)
	require.NoError(t, err)

	got, err := unmarshalSidecar(data)
	require.NoError(t, err)
	assert.Equal(t, rec.OriginalPath, got.OriginalPath)
	assert.Equal(t, rec.BackupPath, got.BackupPath)
	assert.Equal(t, rec.Timestamp, got.Timestamp)
	assert.Equal(t, rec.Date, got.Date)
	assert.Equal(t, rec.Metadata, got.Metadata)
	assert.Equal(t, time.UnixMilli(1700000000123), got.Time())
}

func TestUnmarshalSidecar_Invalid(t *testing.T) {
	_, err := unmarshalSidecar([]byte(`{"timestamp": "not-a-number", "originalPath": "/x"}`))
	require.Error(t, err)

	_, err = unmarshalSidecar([]byte(`{"timestamp": 123}`))
	require.Error(t, err, "originalPath is mandatory")
}
