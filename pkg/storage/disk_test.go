package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(filepath.Join(t.TempDir(), "files"))
	require.NoError(t, err)
	return store
}

func TestSaveLoad(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("alice", "a.txt", []byte("hello")))

	data, found, err := store.Load("alice", "a.txt")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("hello"), data)

	onDisk, err := os.ReadFile(filepath.Join(store.BaseDir(), "alice", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), onDisk)

	require.NoError(t, store.Save("alice", "a.txt", []byte("bye")))
	data, _, err = store.Load("alice", "a.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("bye"), data)
}

func TestLoadMissing(t *testing.T) {
	store := newTestStore(t)

	data, found, err := store.Load("alice", "nope.txt")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, data)

	_, err = store.Open("alice", "nope.txt")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestListSortedPerUser(t *testing.T) {
	store := newTestStore(t)

	names, err := store.List("alice")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Save("alice", "c.txt", []byte("3")))
	require.NoError(t, store.Save("alice", "a.txt", []byte("1")))
	require.NoError(t, store.Save("alice", "b.txt", []byte("2")))
	require.NoError(t, store.Save("bob", "z.txt", []byte("z")))

	names, err = store.List("alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, names)

	names, err = store.List("bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"z.txt"}, names)
}

func TestRejectsTraversal(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name     string
		username string
		filename string
	}{
		{"parent in filename", "alice", "../bob/a.txt"},
		{"dotdot filename", "alice", ".."},
		{"absolute filename", "alice", "/etc/passwd"},
		{"backslash filename", "alice", `..\x`},
		{"empty filename", "alice", ""},
		{"dotdot username", "..", "a.txt"},
		{"slash username", "a/b", "a.txt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Save(tt.username, tt.filename, []byte("x"))
			assert.ErrorIs(t, err, ErrInvalidFilename)

			_, _, err = store.Load(tt.username, tt.filename)
			assert.ErrorIs(t, err, ErrInvalidFilename)
		})
	}
}

func TestConcurrentSaves(t *testing.T) {
	store := newTestStore(t)

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		i := i
		g.Go(func() error {
			return store.Save("alice", fmt.Sprintf("f%02d", i), []byte{byte(i)})
		})
	}
	require.NoError(t, g.Wait())

	names, err := store.List("alice")
	require.NoError(t, err)
	assert.Len(t, names, 20)
	assert.Equal(t, "f00", names[0])
}
