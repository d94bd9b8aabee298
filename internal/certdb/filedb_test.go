package certdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPEM = "-----BEGIN CERTIFICATE-----\nMIIB\n-----END CERTIFICATE-----\n"

func TestFileDBInsertGet(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	fp := "1a9f00aa"
	require.NoError(t, db.Insert(fp, testPEM))

	got, err := db.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
	assert.True(t, db.Exists(fp))
}

func TestFileDBInsertInvalid(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	assert.ErrorIs(t, db.Insert("", testPEM), ErrCertInvalid)
	assert.ErrorIs(t, db.Insert("1a9f00aa", ""), ErrCertInvalid)
}

func TestFileDBGetMissing(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	_, err = db.Get("deadbeef")
	assert.ErrorIs(t, err, ErrCertNotAvailable)
	assert.False(t, db.Exists("deadbeef"))
}

func TestFileDBCommitPersists(t *testing.T) {
	storage := t.TempDir()
	db, err := NewFileDB(storage)
	require.NoError(t, err)

	fps := []string{"1a9f00aa", "1a9f00bb", "2b000011"}
	for _, fp := range fps {
		require.NoError(t, db.Insert(fp, testPEM))
	}

	inserted, deleted, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, inserted)
	assert.Equal(t, 0, deleted)

	// Loose directories are gone, shards exist.
	assert.NoDirExists(t, filepath.Join(storage, "certs", "1a", "1a9f"))
	assert.FileExists(t, filepath.Join(storage, "certs", "1a", "1a9f.zip"))
	assert.FileExists(t, filepath.Join(storage, "certs", "2b", "2b00.zip"))

	assert.True(t, db.ExistsAll(fps))
	got, err := db.Get(fps[0])
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
}

func TestFileDBInsertDuplicateIsNoop(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	fp := "1a9f00aa"
	require.NoError(t, db.Insert(fp, testPEM))
	require.NoError(t, db.Insert(fp, "different content"))

	got, err := db.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)

	inserted, _, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)
}

func TestFileDBCommitMergesIntoExistingShard(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, db.Insert("1a9f00aa", testPEM))
	_, _, err = db.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Insert("1a9f00bb", testPEM))
	inserted, _, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	assert.True(t, db.ExistsAll([]string{"1a9f00aa", "1a9f00bb"}))
}

func TestFileDBRollback(t *testing.T) {
	storage := t.TempDir()
	db, err := NewFileDB(storage)
	require.NoError(t, err)

	require.NoError(t, db.Insert("1a9f00aa", testPEM))
	require.NoError(t, db.Rollback())

	assert.False(t, db.Exists("1a9f00aa"))
	assert.NoDirExists(t, filepath.Join(storage, "certs", "1a", "1a9f"))

	inserted, deleted, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Zero(t, deleted)
}

func TestFileDBDeleteLooseImmediate(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	fp := "1a9f00aa"
	require.NoError(t, db.Insert(fp, testPEM))
	require.NoError(t, db.Delete(fp))

	assert.False(t, db.Exists(fp))
	inserted, deleted, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Zero(t, inserted)
	assert.Zero(t, deleted)
}

func TestFileDBDeletePersistedOnCommit(t *testing.T) {
	storage := t.TempDir()
	db, err := NewFileDB(storage)
	require.NoError(t, err)

	fps := []string{"1a9f00aa", "1a9f00bb"}
	for _, fp := range fps {
		require.NoError(t, db.Insert(fp, testPEM))
	}
	_, _, err = db.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Delete(fps[0]))
	// Persisted certificate stays visible until commit.
	assert.True(t, db.Exists(fps[0]))

	_, deleted, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.False(t, db.Exists(fps[0]))
	assert.True(t, db.Exists(fps[1]))
}

func TestFileDBDeleteLastInShardDropsArchive(t *testing.T) {
	storage := t.TempDir()
	db, err := NewFileDB(storage)
	require.NoError(t, err)

	require.NoError(t, db.Insert("1a9f00aa", testPEM))
	_, _, err = db.Commit(context.Background())
	require.NoError(t, err)

	require.NoError(t, db.Delete("1a9f00aa"))
	_, deleted, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.NoFileExists(t, filepath.Join(storage, "certs", "1a", "1a9f.zip"))
}

func TestFileDBExport(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)
	target := t.TempDir()

	fp := "1a9f00aa"
	require.NoError(t, db.Insert(fp, testPEM))

	// Loose file in an open transaction is returned in place.
	path, err := db.Export(fp, target, false)
	require.NoError(t, err)
	assert.NotEqual(t, filepath.Dir(path), target)

	path, err = db.Export(fp, target, true)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, fp+".pem"), path)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, testPEM, string(content))

	_, _, err = db.Commit(context.Background())
	require.NoError(t, err)

	// After commit the export is extracted from the shard archive.
	path, err = db.Export(fp, target, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(target, fp+".pem"), path)
}

func TestFileDBCommitWithWorkers(t *testing.T) {
	db, err := NewFileDB(t.TempDir(), WithWorkers(4))
	require.NoError(t, err)

	fps := []string{"1a9f00aa", "2b000011", "3c000022", "4d000033", "5e000044"}
	for _, fp := range fps {
		require.NoError(t, db.Insert(fp, testPEM))
	}
	inserted, _, err := db.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, len(fps), inserted)
	assert.True(t, db.ExistsAll(fps))
}

func TestFileDBCommitCancelled(t *testing.T) {
	db, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, db.Insert("1a9f00aa", testPEM))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err = db.Commit(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFileDBReadOnly(t *testing.T) {
	storage := t.TempDir()

	_, err := NewFileDBReadOnly(filepath.Join(storage, "missing"))
	assert.Error(t, err)

	db, err := NewFileDB(storage)
	require.NoError(t, err)
	fp := "1a9f00aa"
	require.NoError(t, db.Insert(fp, testPEM))
	_, _, err = db.Commit(context.Background())
	require.NoError(t, err)

	ro, err := NewFileDBReadOnly(storage)
	require.NoError(t, err)

	got, err := ro.Get(fp)
	require.NoError(t, err)
	assert.Equal(t, testPEM, got)
	assert.True(t, ro.Exists(fp))
	assert.True(t, ro.ExistsAll([]string{fp}))
	assert.False(t, ro.Exists("deadbeef"))

	target := t.TempDir()
	path, err := ro.Export(fp, target, true)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestSetup(t *testing.T) {
	storage := filepath.Join(t.TempDir(), "store")
	require.NoError(t, Setup(storage, "tester", "unit test storage"))
	assert.DirExists(t, filepath.Join(storage, "certs"))

	assert.Error(t, Setup(storage, "tester", "again"))
}
