package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(file, []byte("  from-file\n"), 0o600))
	t.Setenv("EOR_TEST_TOKEN", " from-env ")

	got, err := Load(Source{Name: "token", Value: "inline", Env: "EOR_TEST_TOKEN", File: file})
	require.NoError(t, err)
	assert.Equal(t, "from-file", got)

	got, err = Load(Source{Name: "token", Value: "inline", Env: "EOR_TEST_TOKEN"})
	require.NoError(t, err)
	assert.Equal(t, "from-env", got)

	got, err = Load(Source{Name: "token", Value: " inline ", Env: "EOR_TEST_UNSET"})
	require.NoError(t, err)
	assert.Equal(t, "inline", got)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, []byte("\n"), 0o600))

	_, err := Load(Source{Name: "api key", File: empty})
	require.ErrorContains(t, err, "is empty")

	_, err = Load(Source{Name: "api key", File: filepath.Join(dir, "missing")})
	require.ErrorContains(t, err, "reading api key")

	_, err = Load(Source{})
	require.EqualError(t, err, "secret is not configured")
}

func TestOptional(t *testing.T) {
	got, err := Optional(Source{Name: "token", Env: "EOR_TEST_UNSET"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Optional(Source{Name: "token", Value: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "abc", got)
}
