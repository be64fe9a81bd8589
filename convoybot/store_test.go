package convoybot

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "links.json")

	store, err := NewLinkStore(path, nil)
	require.NoError(t, err)

	_, ok := store.Get("100")
	assert.False(t, ok)

	store.Link("100", "7")
	id, ok := store.Get("100")
	assert.True(t, ok)
	assert.Equal(t, "7", id)

	// re-linking replaces the association
	store.Link("100", "9")
	id, _ = store.Get("100")
	assert.Equal(t, "9", id)
	assert.Equal(t, 1, store.Count())

	// a fresh store sees the persisted state
	reloaded, err := NewLinkStore(path, nil)
	require.NoError(t, err)
	id, ok = reloaded.Get("100")
	assert.True(t, ok)
	assert.Equal(t, "9", id)
}

func TestLinkStoreLoadsExistingFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "links.json")

	// the file format has string values on both sides
	require.NoError(
		t,
		os.WriteFile(path, []byte(`{"111222333": "42"}`), 0o600),
	)

	store, err := NewLinkStore(path, nil)
	require.NoError(t, err)
	id, ok := store.Get("111222333")
	assert.True(t, ok)
	assert.Equal(t, "42", id)
}

func TestLinkStorePanelUserID(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "links.json")

	store, err := NewLinkStore(path, nil)
	require.NoError(t, err)

	_, err = store.PanelUserID("100")
	assert.ErrorIs(t, err, ErrNotLinked)

	store.Link("100", "42")
	id, err := store.PanelUserID("100")
	require.NoError(t, err)
	assert.Equal(t, 42, id)

	store.Link("200", "not-a-number")
	_, err = store.PanelUserID("200")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotLinked)
}

func TestLinkStoreUnlink(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "links.json")

	store, err := NewLinkStore(path, nil)
	require.NoError(t, err)

	assert.False(t, store.Unlink("100"))

	store.Link("100", "7")
	assert.True(t, store.Unlink("100"))
	assert.False(t, store.Unlink("100"))
	assert.Equal(t, 0, store.Count())
}

func TestLinkStoreFileFormat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "links.json")

	store, err := NewLinkStore(path, nil)
	require.NoError(t, err)
	store.Link("100", "7")
	store.Link("200", "8")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	// flat JSON object with string values, indented with four spaces
	var parsed map[string]string
	require.NoError(t, json.Unmarshal(data, &parsed))
	assert.Equal(t, map[string]string{"100": "7", "200": "8"}, parsed)
	assert.Contains(t, string(data), "\n    \"100\": \"7\"")
}

func TestInviteStoreIncrementAndReset(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "invites.json")

	store, err := NewInviteStore(path, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, store.Get("g1", "u1"))
	assert.Equal(t, 1, store.Increment("g1", "u1"))
	assert.Equal(t, 2, store.Increment("g1", "u1"))
	assert.Equal(t, 1, store.Increment("g1", "u2"))
	assert.Equal(t, 1, store.Increment("g2", "u1"))

	assert.Equal(t, 2, store.Get("g1", "u1"))

	// reset zeroes in place and reports whether an entry existed
	assert.True(t, store.Reset("g1", "u1"))
	assert.Equal(t, 0, store.Get("g1", "u1"))
	assert.True(t, store.Reset("g1", "u1"))
	assert.False(t, store.Reset("g1", "u3"))
	assert.False(t, store.Reset("g3", "u1"))

	// the zeroed key survives on disk rather than being deleted
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"u1": 0`)

	// other entries untouched
	assert.Equal(t, 1, store.Get("g1", "u2"))
	assert.Equal(t, 1, store.Get("g2", "u1"))

	reloaded, err := NewInviteStore(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, reloaded.Get("g1", "u1"))
	assert.Equal(t, 1, reloaded.Get("g1", "u2"))

	// a zeroed counter can climb again
	assert.Equal(t, 1, store.Increment("g1", "u1"))
}

func TestBootstrapFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := &FileStoreConfig{
		LinkedAccounts: filepath.Join(dir, "links.json"),
		InviteCounts:   filepath.Join(dir, "invites.json"),
		IPPool:         filepath.Join(dir, "ips.txt"),
	}

	created, err := BootstrapFiles(cfg)
	require.NoError(t, err)
	assert.Len(t, created, 3)

	// second run leaves existing files alone
	require.NoError(t, os.WriteFile(cfg.IPPool, []byte("10.0.0.1\n"), 0o600))
	created, err = BootstrapFiles(cfg)
	require.NoError(t, err)
	assert.Empty(t, created)

	data, err := os.ReadFile(cfg.IPPool)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1\n", string(data))
}
