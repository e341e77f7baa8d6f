package sourcecache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deviceupdate.software/agent/workflow"
)

func testHandle(t *testing.T, workFolder string, files map[string]string) *workflow.Handle {
	t.Helper()

	entities := map[string]any{}
	i := 0
	for name, hash := range files {
		i++
		entities[fmt.Sprintf("f%d", i)] = map[string]any{
			"fileName":    name,
			"sizeInBytes": 4,
			"hashes":      map[string]string{"sha256": hash},
		}
	}
	manifest := map[string]any{
		"manifestVersion": "5",
		"updateId":        map[string]string{"provider": "contoso", "name": "imx8", "version": "1.0.0"},
		"updateType":      "contoso/swupdate:1",
		"files":           entities,
	}
	manifestJSON, err := json.Marshal(manifest)
	require.NoError(t, err)
	goalState, err := json.Marshal(map[string]any{
		"workflow":       map[string]any{"id": "cache-test", "action": 3},
		"updateManifest": string(manifestJSON),
	})
	require.NoError(t, err)

	h, err := workflow.NewHandle(goalState, nil)
	require.NoError(t, err)
	h.SetWorkFolder(workFolder)
	return h
}

func TestEntryPathEncoding(t *testing.T) {
	c := New("/var/lib/agent/sdc")

	path := c.EntryPath("contoso", "q+r/s=", "sha256")
	assert.Equal(t, "/var/lib/agent/sdc/contoso/sha256-q_2Br_2Fs_3D", path)

	// Distinct keys derive distinct paths with a restricted charset.
	seen := map[string]struct{}{}
	safe := regexp.MustCompile(`^[A-Za-z0-9._/-]+$`)
	for _, key := range [][3]string{
		{"contoso", "abc", "sha256"},
		{"contoso", "abd", "sha256"},
		{"contoso", "abc", "sha384"},
		{"fabrikam", "abc", "sha256"},
		{"fabrikam", "a+c", "sha256"},
	} {
		p := c.EntryPath(key[0], key[1], key[2])
		assert.Regexp(t, safe, p)
		_, dup := seen[p]
		assert.False(t, dup, "duplicate path %s", p)
		seen[p] = struct{}{}
	}
}

func TestLookup(t *testing.T) {
	c := New(t.TempDir())

	_, err := c.Lookup("contoso", "abc", "sha256")
	assert.ErrorIs(t, err, ErrMiss)

	path := c.EntryPath("contoso", "abc", "sha256")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	got, err := c.Lookup("contoso", "abc", "sha256")
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestMoveRecordsInodes(t *testing.T) {
	sandbox := t.TempDir()
	c := New(t.TempDir())

	require.NoError(t, os.WriteFile(filepath.Join(sandbox, "a.img"), []byte("aaaa"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sandbox, "b.img"), []byte("bbbb"), 0o644))
	h := testHandle(t, sandbox, map[string]string{"a.img": "hashA", "b.img": "hashB"})

	res := c.Move(h)
	require.True(t, res.IsSuccess(), res.String())

	for _, hash := range []string{"hashA", "hashB"} {
		_, err := c.Lookup("contoso", hash, "sha256")
		assert.NoError(t, err)
	}
	// Sandbox files moved away and inodes recorded.
	assert.NoFileExists(t, filepath.Join(sandbox, "a.img"))
	assert.Len(t, h.FileInodes(), 2)
}

func TestMoveSkipsAbsentSandboxFiles(t *testing.T) {
	sandbox := t.TempDir()
	c := New(t.TempDir())

	require.NoError(t, os.WriteFile(filepath.Join(sandbox, "a.img"), []byte("aaaa"), 0o644))
	h := testHandle(t, sandbox, map[string]string{"a.img": "hashA", "missing.img": "hashM"})

	res := c.Move(h)
	require.True(t, res.IsSuccess(), res.String())
	_, err := c.Lookup("contoso", "hashM", "sha256")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestPurgeOldestExcludesWorkflowInodes(t *testing.T) {
	sandbox := t.TempDir()
	c := New(t.TempDir())

	require.NoError(t, os.WriteFile(filepath.Join(sandbox, "a.img"), []byte("aaaa"), 0o644))
	h := testHandle(t, sandbox, map[string]string{"a.img": "hashA"})
	require.True(t, c.Move(h).IsSuccess())

	// Seed two stale entries with distinct ages.
	for i, name := range []string{"old", "older"} {
		path := c.EntryPath("contoso", name, "sha256")
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))
		stamp := time.Now().Add(-time.Duration(24*(i+1)) * time.Hour)
		require.NoError(t, os.Chtimes(path, stamp, stamp))
	}

	// Free 100 bytes: only the oldest stale entry goes away.
	require.NoError(t, c.PurgeOldest(h, 100))
	_, err := c.Lookup("contoso", "older", "sha256")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = c.Lookup("contoso", "old", "sha256")
	assert.NoError(t, err)

	// Free everything else: the current workflow's payload survives.
	require.NoError(t, c.PurgeOldest(h, 1<<20))
	_, err = c.Lookup("contoso", "hashA", "sha256")
	assert.NoError(t, err)
	_, err = c.Lookup("contoso", "old", "sha256")
	assert.ErrorIs(t, err, ErrMiss)
}
