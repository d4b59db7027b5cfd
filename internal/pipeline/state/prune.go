package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Prune removes run directories beyond the newest keepLast entries. Calendar
// keys sort lexically by date, so directory-name order is age order. A run
// whose key matches any exclude pattern is kept regardless of age.
func (s *FileStore) Prune(keepLast int, excludeGlobs []string) ([]string, error) {
	if keepLast < 0 {
		return nil, fmt.Errorf("keepLast must be >= 0, got %d", keepLast)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, ent := range entries {
		if ent.IsDir() {
			keys = append(keys, ent.Name())
		}
	}
	sort.Strings(keys)

	cutoff := len(keys) - keepLast
	var removed []string
	for i, key := range keys {
		if i >= cutoff {
			break
		}
		excluded, err := matchesAny(key, excludeGlobs)
		if err != nil {
			return removed, err
		}
		if excluded {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, key)); err != nil {
			return removed, err
		}
		removed = append(removed, key)
	}
	return removed, nil
}

func matchesAny(key string, globs []string) (bool, error) {
	for _, g := range globs {
		ok, err := doublestar.Match(g, key)
		if err != nil {
			return false, fmt.Errorf("bad exclude pattern %q: %w", g, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
