package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	Name  string
	Count int
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTreePutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tree, err := OpenTree[widget](s, "widgets", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	want := widget{Name: "gizmo", Count: 3}
	require.NoError(t, tree.Put("w1", want))

	got, err := tree.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestTreeGetMissing(t *testing.T) {
	s := openTestStore(t)
	tree, err := OpenTree[widget](s, "widgets", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	_, err = tree.Get("absent")
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestTreeVersionMismatch(t *testing.T) {
	s := openTestStore(t)
	treeV1, err := OpenTree[widget](s, "widgets", 1)
	require.NoError(t, err)
	require.NoError(t, treeV1.Put("w1", widget{Name: "a"}))
	require.NoError(t, treeV1.Close())

	treeV2, err := OpenTree[widget](s, "widgets", 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = treeV2.Close() })

	_, err = treeV2.Get("w1")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestTreeDeleteAndForEach(t *testing.T) {
	s := openTestStore(t)
	tree, err := OpenTree[widget](s, "widgets", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })

	require.NoError(t, tree.Put("a", widget{Name: "a", Count: 1}))
	require.NoError(t, tree.Put("b", widget{Name: "b", Count: 2}))
	require.NoError(t, tree.Delete("a"))

	seen := map[string]widget{}
	require.NoError(t, tree.ForEach(func(key string, v widget) error {
		seen[key] = v
		return nil
	}))
	assert.Len(t, seen, 1)
	assert.Equal(t, widget{Name: "b", Count: 2}, seen["b"])
}

// TestTreeSurvivesReopen exercises the serialization round-trip across
// a simulated restart: close the store and reopen the file from scratch.
func TestTreeSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "restart.db")

	s1, err := Open(path)
	require.NoError(t, err)
	tree1, err := OpenTree[widget](s1, "widgets", 1)
	require.NoError(t, err)
	require.NoError(t, tree1.Put("persisted", widget{Name: "surv", Count: 7}))
	require.NoError(t, tree1.Close())
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	tree2, err := OpenTree[widget](s2, "widgets", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree2.Close() })

	got, err := tree2.Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "surv", Count: 7}, got)
}

func TestTransactionSpansTreesAndRollsBack(t *testing.T) {
	s := openTestStore(t)
	a, err := OpenTree[widget](s, "a", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	b, err := OpenTree[widget](s, "b", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, s.Transaction(func(txn *Txn) error {
		if err := a.PutIn(txn, "k", widget{Name: "left", Count: 1}); err != nil {
			return err
		}
		return b.PutIn(txn, "k", widget{Name: "right", Count: 2})
	}))

	got, err := a.Get("k")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "left", Count: 1}, got)
	got, err = b.Get("k")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "right", Count: 2}, got)

	// A failing transaction rolls every staged write back.
	err = s.Transaction(func(txn *Txn) error {
		if err := a.PutIn(txn, "k2", widget{Name: "ghost"}); err != nil {
			return err
		}
		return errors.New("boom")
	})
	require.Error(t, err)
	_, err = a.Get("k2")
	assert.ErrorIs(t, err, ErrMissingKey)
}
