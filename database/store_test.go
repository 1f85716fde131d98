package database

import (
	"context"
	"path/filepath"
	"testing"

	"webllm-chat/errors"

	"github.com/hashicorp/go-version"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notes struct {
	Items []string `json:"items"`
	Title string   `json:"title"`
	Seen  bool     `json:"seen"`
}

func notesSchema(v string, migrate func(*version.Version, *notes)) Schema[notes] {
	return Schema[notes]{
		Key:     "notes",
		Version: v,
		Default: func() notes { return notes{Title: "untitled"} },
		Migrate: migrate,
		Clone: func(n notes) notes {
			n.Items = append([]string(nil), n.Items...)
			return n
		},
	}
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	sqlite, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "store.db"), "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Backend{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestBackends(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, "missing")
			assert.True(t, errors.IsNotFound(err))

			require.NoError(t, b.Put(ctx, "k", []byte(`{"a":1}`)))
			require.NoError(t, b.Put(ctx, "k", []byte(`{"a":2}`)))
			got, err := b.Get(ctx, "k")
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":2}`, string(got))

			require.NoError(t, b.Delete(ctx, "k"))
			_, err = b.Get(ctx, "k")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s, err := OpenStore(ctx, b, notesSchema("0.1", nil), zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, "untitled", s.Get().Title)

			_, err = s.Set(ctx, func(n *notes) { n.Items = append(n.Items, "one") })
			require.NoError(t, err)

			reopened, err := OpenStore(ctx, b, notesSchema("0.1", nil), zap.NewNop())
			require.NoError(t, err)
			assert.Equal(t, notes{Items: []string{"one"}, Title: "untitled"}, reopened.Get())
		})
	}
}

func TestStoreSnapshotsAreCopies(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(ctx, NewMemory(), notesSchema("0.1", nil), zap.NewNop())
	require.NoError(t, err)
	_, err = s.Set(ctx, func(n *notes) { n.Items = []string{"a"} })
	require.NoError(t, err)

	snap := s.Get()
	snap.Items[0] = "changed"
	assert.Equal(t, "a", s.Get().Items[0])
}

func TestStoreMigration(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Put(ctx, "notes", []byte(`{"version":0.1,"state":{"items":["x"]}}`)))

	var from string
	migrate := func(v *version.Version, n *notes) {
		from = v.Original()
		if VersionBefore(v, "0.47") {
			n.Seen = true
		}
	}

	s, err := OpenStore(ctx, b, notesSchema("0.47", migrate), zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "0.1", from)
	got := s.Get()
	assert.True(t, got.Seen)
	assert.Equal(t, "untitled", got.Title, "defaults fill fields missing from storage")

	raw, err := b.Get(ctx, "notes")
	require.NoError(t, err)
	assert.JSONEq(t, `{"version":0.47,"state":{"items":["x"],"title":"untitled","seen":true}}`, string(raw))

	// the current version does not migrate again
	from = ""
	_, err = OpenStore(ctx, b, notesSchema("0.47", migrate), zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, from)
}

func TestStoreRejectsCorruptData(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	require.NoError(t, b.Put(ctx, "notes", []byte(`not json`)))
	_, err := OpenStore(ctx, b, notesSchema("0.1", nil), zap.NewNop())
	assert.True(t, errors.IsInvalidInput(err))
}

type failingBackend struct{ *Memory }

func (failingBackend) Put(context.Context, string, []byte) error {
	return errors.ErrServiceUnavailable
}

func TestStoreSetKeepsStateOnWriteFailure(t *testing.T) {
	ctx := context.Background()
	s, err := OpenStore(ctx, failingBackend{NewMemory()}, notesSchema("0.1", nil), zap.NewNop())
	require.NoError(t, err)
	_, err = s.Set(ctx, func(n *notes) { n.Title = "lost" })
	assert.ErrorIs(t, err, errors.ErrServiceUnavailable)
	assert.Equal(t, "untitled", s.Get().Title)
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, Options{}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, b)

	b, err = Open(ctx, Options{Backend: "SQLite", DSN: filepath.Join(t.TempDir(), "x.db")}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, Options{Backend: "cassandra"}, zap.NewNop())
	assert.True(t, errors.IsInvalidInput(err))
}

func TestDialectQuotesTable(t *testing.T) {
	d := newDialect("pgx", `odd"name`)
	assert.Contains(t, d.get, `"odd""name"`)
	assert.Contains(t, d.put, "$1")
	assert.Contains(t, newDialect("sqlite", "t").put, "?")
}
