package certdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompositeReadFirstHit(t *testing.T) {
	first, err := NewFileDB(t.TempDir())
	require.NoError(t, err)
	second, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, first.Insert("1a9f00aa", "from-first"))
	require.NoError(t, second.Insert("1a9f00aa", "from-second"))
	require.NoError(t, second.Insert("2b000011", "only-second"))

	c := NewCompositeReadOnly(first, second)

	got, err := c.Get("1a9f00aa")
	require.NoError(t, err)
	assert.Equal(t, "from-first", got)

	got, err = c.Get("2b000011")
	require.NoError(t, err)
	assert.Equal(t, "only-second", got)

	_, err = c.Get("deadbeef")
	assert.ErrorIs(t, err, ErrCertNotAvailable)

	assert.True(t, c.Exists("2b000011"))
	assert.True(t, c.ExistsAll([]string{"1a9f00aa", "2b000011"}))
	assert.False(t, c.ExistsAll([]string{"1a9f00aa", "deadbeef"}))
}

func TestCompositeWriteFanOut(t *testing.T) {
	first, err := NewFileDB(t.TempDir())
	require.NoError(t, err)
	second, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	c := NewComposite(first, second)
	require.NoError(t, c.Insert("1a9f00aa", testPEM))

	assert.True(t, first.Exists("1a9f00aa"))
	assert.True(t, second.Exists("1a9f00aa"))

	inserted, deleted, err := c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, inserted)
	assert.Zero(t, deleted)

	require.NoError(t, c.Delete("1a9f00aa"))
	_, deleted, err = c.Commit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)
	assert.False(t, first.Exists("1a9f00aa"))
	assert.False(t, second.Exists("1a9f00aa"))
}

func TestCompositeRollback(t *testing.T) {
	first, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	c := NewComposite(first)
	require.NoError(t, c.Insert("1a9f00aa", testPEM))
	require.NoError(t, c.Rollback())

	assert.False(t, first.Exists("1a9f00aa"))
}

func TestCompositeMixedChildren(t *testing.T) {
	storage := t.TempDir()
	seed, err := NewFileDB(storage)
	require.NoError(t, err)
	require.NoError(t, seed.Insert("2b000011", testPEM))
	_, _, err = seed.Commit(context.Background())
	require.NoError(t, err)

	ro, err := NewFileDBReadOnly(storage)
	require.NoError(t, err)
	rw, err := NewFileDB(t.TempDir())
	require.NoError(t, err)

	c := NewComposite(rw)
	c.AddReadOnly(ro)

	// Reads hit both children, writes only the writable one.
	assert.True(t, c.Exists("2b000011"))
	require.NoError(t, c.Insert("1a9f00aa", testPEM))
	assert.True(t, rw.Exists("1a9f00aa"))
	assert.False(t, ro.Exists("1a9f00aa"))
}
