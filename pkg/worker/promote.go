package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// writeFileAtomic writes data to a temp name in the same directory and
// renames it into place, so no partial file is ever visible at the
// canonical path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp := filepath.Join(dir, "_tmp_"+filepath.Base(path))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// promoteText writes a text artifact into dir via temp + rename.
func promoteText(dir, name, text string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), []byte(text)); err != nil {
		return fmt.Errorf("failed to promote %s: %w", name, err)
	}
	return nil
}

// writeAAR locks the after-action report into the worktree root.
func writeAAR(wt string, aar *types.AAR) error {
	data, err := json.MarshalIndent(aar, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(wt, "aar.json"), data); err != nil {
		return fmt.Errorf("failed to write aar.json: %w", err)
	}
	return nil
}
