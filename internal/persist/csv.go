// Package persist writes recorded pose buffers to disk.
package persist

import (
	"fmt"

	"github.com/banshee-data/posebench/internal/fsutil"
	"github.com/banshee-data/posebench/internal/pose"
)

// FilePerm is the mode of written recordings.
const FilePerm = 0o644

// CSVPersister writes one CSV record per sample. Files are replaced
// atomically and parent directories are created as needed.
type CSVPersister struct {
	fs fsutil.FileSystem
}

// NewCSVPersister returns a persister writing through fsys. A nil fsys
// selects the OS filesystem.
func NewCSVPersister(fsys fsutil.FileSystem) *CSVPersister {
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	return &CSVPersister{fs: fsys}
}

// Persist writes samples to path, replacing any previous file.
func (p *CSVPersister) Persist(path string, samples []pose.Pose) error {
	if path == "" {
		return fmt.Errorf("empty output path")
	}
	data, err := pose.EncodeCSV(samples)
	if err != nil {
		return fmt.Errorf("encode %d samples: %w", len(samples), err)
	}
	return fsutil.AtomicWriteFile(p.fs, path, data, FilePerm)
}
