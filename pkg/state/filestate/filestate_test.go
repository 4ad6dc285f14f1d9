package filestate

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/askcs/eve/pkg/state"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)

	type payload struct{ Count int }
	require.NoError(t, c.Put(context.Background(), "counter", payload{Count: 3}))

	var got payload
	require.NoError(t, c.Get(context.Background(), "counter", &got))
	require.Equal(t, 3, got.Count)
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)

	var v string
	err = c.Get(context.Background(), "missing", &v)
	require.ErrorIs(t, err, state.ErrNotFound)
}

func TestIdsListsAgentDirectories(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(context.Background(), "agent-a")
	require.NoError(t, err)
	_, err = s.Get(context.Background(), "agent-b")
	require.NoError(t, err)

	ids, err := s.Ids(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"agent-a", "agent-b"}, ids)
}

func TestDeleteRemovesContainer(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "k", "v"))

	require.NoError(t, s.Delete(context.Background(), "agent-1"))

	ids, err := s.Ids(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestOperationsAfterCloseFail(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "agent-1")
	require.ErrorIs(t, err, state.ErrClosed)
}

func TestKeysListsStoredKeys(t *testing.T) {
	s, err := New(filepath.Join(t.TempDir(), "state"))
	require.NoError(t, err)
	defer s.Close()

	c, err := s.Get(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NoError(t, c.Put(context.Background(), "a", 1))
	require.NoError(t, c.Put(context.Background(), "b", 2))

	keys, err := c.Keys(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
}
