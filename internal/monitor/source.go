package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Source supplies the log files for the current trading day. The core
// treats it as a black box; FolderSource is the desktop-client flavor.
type Source interface {
	Files() ([]string, error)
}

// FolderSource finds today's Webull log files in a folder. The client
// embeds the date as MM-DD in the filename. Files modified within the
// quiet window are skipped so an in-progress write is never half-read.
type FolderSource struct {
	Folder string
	Quiet  time.Duration

	now func() time.Time // test seam
}

// NewFolderSource creates a source over the given log folder.
func NewFolderSource(folder string, quiet time.Duration) *FolderSource {
	return &FolderSource{Folder: folder, Quiet: quiet, now: time.Now}
}

// Files returns today's log files, newest modification first.
func (s *FolderSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.Folder)
	if err != nil {
		return nil, fmt.Errorf("reading log folder %s: %w", s.Folder, err)
	}

	now := s.now()
	today := now.Format("01-02")

	type candidate struct {
		path string
		mod  time.Time
	}
	var files []candidate
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		if !strings.Contains(entry.Name(), today) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if s.Quiet > 0 && now.Sub(info.ModTime()) < s.Quiet {
			continue // still being written
		}
		files = append(files, candidate{path: filepath.Join(s.Folder, entry.Name()), mod: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].mod.After(files[j].mod) })
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}
