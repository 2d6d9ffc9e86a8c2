package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// theaterCache is the per-theater content-addressed model-output cache at
// <theater>/vault_cache/intelligence/output.<fingerprint>.json. It is
// shared read/write across orders: two executions with the same
// fingerprint share one entry, and the second writer winning is fine
// because outputs are idempotent for a fingerprint.
type theaterCache struct {
	dir string
}

func newTheaterCache(theaterDir string) *theaterCache {
	return &theaterCache{dir: filepath.Join(theaterDir, "vault_cache", "intelligence")}
}

func (c *theaterCache) path(fp string) string {
	return filepath.Join(c.dir, fmt.Sprintf("output.%s.json", fp))
}

func (c *theaterCache) lookup(fp string) (*types.CachedOutput, bool) {
	data, err := os.ReadFile(c.path(fp))
	if err != nil {
		return nil, false
	}
	var out types.CachedOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, false
	}
	return &out, true
}

// store writes the entry atomically under an advisory per-fingerprint
// lock. Losing the lock race just means another worker is writing the
// same bytes.
func (c *theaterCache) store(fp string, out *types.CachedOutput) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache dir: %w", err)
	}

	unlock := c.tryLock(fp)
	if unlock != nil {
		defer unlock()
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(c.path(fp), data)
}

// tryLock takes an advisory lock file keyed by fingerprint. Returns nil
// when the lock is already held; stale locks expire after a minute.
func (c *theaterCache) tryLock(fp string) func() {
	lockPath := c.path(fp) + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if fi, statErr := os.Stat(lockPath); statErr == nil && time.Since(fi.ModTime()) > time.Minute {
			os.Remove(lockPath)
		}
		return nil
	}
	f.Close()
	return func() { os.Remove(lockPath) }
}

// copyCached mirrors a cache entry into the worktree-local artifact path.
func copyCached(localPath string, out *types.CachedOutput) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create outputs dir: %w", err)
	}
	if _, err := os.Stat(localPath); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(localPath, data)
}
