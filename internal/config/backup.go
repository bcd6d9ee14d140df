package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"
)

// backup writes the full current tree under backups/<ISO-timestamp>/ and
// prunes the oldest directories beyond maxBackups.
func (s *Service) backup() error {
	if s.dir == "" {
		return nil
	}
	data, err := s.Export("json")
	if err != nil {
		return err
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05.000Z")
	dir := filepath.Join(s.dir, "backups", stamp)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "configuration.json"), data, 0o644); err != nil {
		return err
	}
	return s.pruneBackups()
}

func (s *Service) pruneBackups() error {
	root := filepath.Join(s.dir, "backups")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) <= s.maxBackups {
		return nil
	}
	// Timestamp-named, so lexicographic order is chronological.
	sort.Strings(dirs)
	for _, name := range dirs[:len(dirs)-s.maxBackups] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			return err
		}
	}
	return nil
}
