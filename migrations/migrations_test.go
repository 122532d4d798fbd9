package migrations

import (
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsPresent(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	require.NoError(t, err)
	require.NotEmpty(t, names, "no migrations embedded")

	for _, name := range names {
		data, err := fs.ReadFile(FS, name)
		require.NoError(t, err)
		require.Contains(t, string(data), "+goose Up", "%s missing up section", name)
		require.Contains(t, string(data), "+goose Down", "%s missing down section", name)
	}
}
