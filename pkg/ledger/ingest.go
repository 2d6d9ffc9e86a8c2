package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/TLoveOps1/ironclaw/pkg/types"
)

// IngestJSONL bulk-imports events from a JSONL file through the same
// idempotent append path as the HTTP surface. Returns (created, exists)
// counts. Malformed lines abort the import with the line number.
func IngestJSONL(store Store, path string) (created, exists int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open ingest file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			return created, exists, fmt.Errorf("line %d: %w", line, err)
		}
		ack, err := store.AppendEvent(&ev)
		if err != nil {
			return created, exists, fmt.Errorf("line %d: %w", line, err)
		}
		if ack.Status == "created" {
			created++
		} else {
			exists++
		}
	}
	if err := scanner.Err(); err != nil {
		return created, exists, fmt.Errorf("failed to read ingest file: %w", err)
	}
	return created, exists, nil
}
