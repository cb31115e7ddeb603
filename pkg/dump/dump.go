// Package dump provides the version-keyed dump/restore loader seam
// (spec.md §1 "dump/restore format version loaders... used only at boot
// for one-shot migration", explicitly out of scope beyond the seam
// itself). It does not implement a specific wire format; it defines the
// Loader capability and a registry so a real loader can be plugged in
// without touching the three actors.
package dump

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Metadata describes a dump archive, grounded on the original
// implementation's per-version metadata record (dump_actor/loaders/v2.rs
// MetadataV2).
type Metadata struct {
	Version      string    `json:"version"`
	IndexDBSize  int64     `json:"indexDbSize"`
	UpdateDBSize int64     `json:"updateDbSize"`
	DumpDate     time.Time `json:"dumpDate"`
}

// Loader restores a dump rooted at src into the data directory dst. It
// runs once, at boot, before any actor is started.
type Loader interface {
	LoadDump(src, dst string) error
}

// registry maps a dump format version to the Loader that understands it.
var registry = map[string]Loader{}

// Register adds a Loader for the given format version. Intended to be
// called from an init() in a loader implementation's file.
func Register(version string, loader Loader) {
	registry[version] = loader
}

// Load dispatches to the Loader registered for meta.Version.
func Load(meta Metadata, src, dst string) error {
	loader, ok := registry[meta.Version]
	if !ok {
		return fmt.Errorf("no dump loader registered for version %q", meta.Version)
	}
	return loader.LoadDump(src, dst)
}

// DirectoryLoader is the only loader this repo ships: it treats a dump as
// a plain copy of the three on-disk roots (uuids/, updates/, indexes/)
// described in spec.md §6, with no format translation. Real deployments
// register a version-specific Loader (e.g. for the original's heed/LMDB
// export format) in its place.
type DirectoryLoader struct{}

func init() {
	Register("v2", DirectoryLoader{})
}

func (DirectoryLoader) LoadDump(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("dump source %q not readable: %w", src, err)
	}
	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("refusing to overwrite existing data directory %q", dst)
	}
	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return err
	}
	return copyTree(src, dst)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}
