package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const quarantineMarker = ".QUARANTINED"

func joinData(dataDir, name, def string) string {
	if name == "" {
		name = def
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dataDir, name)
}

// quarantinePath returns a path next to path that does not exist yet:
// ledger.json -> ledger.QUARANTINED.20240101T000000Z.json
func quarantinePath(path string, now time.Time) string {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	ts := now.UTC().Format("20060102T150405Z")
	candidate := base + quarantineMarker + "." + ts + ext
	for i := 1; ; i++ {
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
		candidate = fmt.Sprintf("%s%s.%s.%d%s", base, quarantineMarker, ts, i, ext)
	}
}

// quarantineRename moves path aside. It returns "" when path does not exist.
func quarantineRename(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	to := quarantinePath(path, time.Now())
	if err := os.Rename(path, to); err != nil {
		return "", fmt.Errorf("rename %s -> %s: %w", path, to, err)
	}
	return to, nil
}
