// Package sourcecache keeps verified prior-version artifacts in a
// content-addressed local file cache so future delta updates can
// reconstruct new targets without a full download. Entries are keyed by
// update provider, hash algorithm and hash; eviction is oldest-first by
// modification time, excluding the current workflow's own payloads by
// inode.
package sourcecache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"deviceupdate.software/agent/result"
	"deviceupdate.software/agent/workflow"
)

// ErrMiss is returned by Lookup when no usable cache entry exists. A
// miss is an expected outcome, not a failure.
var ErrMiss = errors.New("sourcecache: miss")

// Extended result codes for cache failures.
var (
	ERCMoveCreatePath   = result.MakeExtendedCode(result.FacilitySourceCache, 1)
	ERCMoveCopyFallback = result.MakeExtendedCode(result.FacilitySourceCache, 2)
	ERCPurge            = result.MakeExtendedCode(result.FacilitySourceCache, 3)
)

// Cache is a content-addressed source update cache rooted at BasePath.
type Cache struct {
	BasePath string
	// PurgeBeforeMove selects pre-purge (make room first, then move)
	// over post-purge (move first, then reclaim).
	PurgeBeforeMove bool
}

// New creates a cache rooted at basePath with the pre-purge policy.
func New(basePath string) *Cache {
	return &Cache{BasePath: basePath, PurgeBeforeMove: true}
}

// encodeHashForPath converts a base64 hash value into a safe file name
// segment: '+', '/' and '=' become '_2B', '_2F' and '_3D'.
func encodeHashForPath(hash string) string {
	var b strings.Builder
	for _, r := range hash {
		switch r {
		case '+':
			b.WriteString("_2B")
		case '/':
			b.WriteString("_2F")
		case '=':
			b.WriteString("_3D")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// sanitizePathSegment keeps a provider or algorithm name usable as a
// path component.
func sanitizePathSegment(segment string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, segment)
}

// EntryPath composes the cache file path for a source update:
// base/provider/alg-encodedHash.
func (c *Cache) EntryPath(provider, hash, alg string) string {
	return filepath.Join(
		c.BasePath,
		sanitizePathSegment(provider),
		sanitizePathSegment(alg)+"-"+encodeHashForPath(hash),
	)
}

// Lookup resolves a cached source update. The entry must exist and be
// readable; anything else is ErrMiss.
func (c *Cache) Lookup(provider, hash, alg string) (string, error) {
	path := c.EntryPath(provider, hash, alg)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrMiss, path)
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrMiss, path)
	}
	_ = f.Close()
	return path, nil
}

// Move retains all payloads of a freshly successful deployment: each
// sandbox payload file moves (or copies, across filesystems) into its
// cache location. Files absent from the sandbox are skipped; an update
// that was already installed never downloaded them. Depending on the
// purge policy, space is reclaimed before or after the move.
func (c *Cache) Move(h *workflow.Handle) result.Result {
	spaceRequired := c.payloadTotalSize(h)

	if c.PurgeBeforeMove {
		if err := c.PurgeOldest(h, spaceRequired); err != nil {
			slog.Error("cache pre-purge failed", "error", err)
			return result.Failed(ERCPurge)
		}
	}

	if res := c.moveToCache(h); res.IsFailure() {
		return res
	}

	if !c.PurgeBeforeMove {
		if err := c.PurgeOldest(h, spaceRequired); err != nil {
			slog.Error("cache post-purge failed", "error", err)
			return result.Failed(ERCPurge)
		}
	}
	return result.New(result.Success)
}

func (c *Cache) payloadTotalSize(h *workflow.Handle) int64 {
	var total int64
	for _, entity := range h.Files() {
		if info, err := os.Stat(h.EntityWorkFolderFilePath(entity)); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (c *Cache) moveToCache(h *workflow.Handle) result.Result {
	updateID, err := h.ExpectedUpdateID()
	if err != nil {
		return result.Failed(ERCMoveCreatePath)
	}

	for _, entity := range h.Files() {
		sandboxPath := h.EntityWorkFolderFilePath(entity)
		if _, err := os.Stat(sandboxPath); err != nil {
			// Payloads of an already-installed update were never
			// downloaded.
			continue
		}

		alg, hash, ok := entity.Hash()
		if !ok {
			continue
		}
		cachePath := c.EntryPath(updateID.Provider, hash, alg)
		if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
			return result.Failed(ERCMoveCreatePath)
		}

		slog.Debug("moving payload into source update cache", "from", sandboxPath, "to", cachePath)
		if err := os.Rename(sandboxPath, cachePath); err != nil {
			// EXDEV is common when the sandbox and the cache sit on
			// different mounts; fall back to copy.
			slog.Warn("rename into cache failed, copying", "error", err)
			if err := copyFile(sandboxPath, cachePath); err != nil {
				slog.Error("copy into cache failed", "error", err)
				return result.Failed(ERCMoveCopyFallback)
			}
			if err := os.Remove(sandboxPath); err != nil {
				slog.Warn("remove sandbox payload after copy failed", "error", err)
			}
		}

		if inode, ok := inodeOf(cachePath); ok {
			h.SetFileInode(entity.FileID, inode)
		}
	}
	return result.New(result.Success)
}

type purgeCandidate struct {
	path  string
	size  int64
	mtime int64
	inode uint64
}

// PurgeOldest unlinks cache files oldest-first until bytesToFree is
// reclaimed or the cache is exhausted. Files whose inode belongs to the
// current workflow's payload set are never purged. Unlink failures
// degrade to warnings; the sweep is best effort.
func (c *Cache) PurgeOldest(h *workflow.Handle, bytesToFree int64) error {
	if bytesToFree <= 0 {
		return nil
	}

	keep := map[uint64]struct{}{}
	if h != nil {
		for _, inode := range h.FileInodes() {
			keep[inode] = struct{}{}
		}
	}

	var candidates []purgeCandidate
	walkErr := filepath.WalkDir(c.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			slog.Warn("stat during cache purge failed", "path", path, "error", err)
			return nil
		}
		candidate := purgeCandidate{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
		if inode, ok := inodeOf(path); ok {
			candidate.inode = inode
			if _, excluded := keep[inode]; excluded {
				return nil
			}
		}
		candidates = append(candidates, candidate)
		return nil
	})
	if walkErr != nil && !errors.Is(walkErr, os.ErrNotExist) {
		return fmt.Errorf("walk cache: %w", walkErr)
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].mtime < candidates[j].mtime
	})

	for _, candidate := range candidates {
		if bytesToFree <= 0 {
			break
		}
		if err := os.Remove(candidate.path); err != nil {
			slog.Warn("cache purge unlink failed", "path", candidate.path, "error", err)
			continue
		}
		bytesToFree -= candidate.size
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer func() {
		err = errors.Join(err, in.Close())
	}()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer func() {
		err = errors.Join(err, out.Close())
	}()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	return nil
}

func inodeOf(path string) (uint64, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, false
	}
	return st.Ino, true
}
