package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// partialPrefix marks files still being written; scanners skip them.
const partialPrefix = ".partial-"

// DiskStore archives runs under a root directory, mirroring the key layout.
type DiskStore struct {
	root string
}

// NewDiskStore creates a store rooted at root. The directory is created on
// first write.
func NewDiskStore(root string) *DiskStore {
	return &DiskStore{root: root}
}

// Root returns the archive directory.
func (d *DiskStore) Root() string { return d.root }

func (d *DiskStore) Kind() string { return "disk" }

func (d *DiskStore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *DiskStore) Save(_ context.Context, key string, data []byte, _ string) error {
	return writeAtomic(d.path(key), data)
}

func (d *DiskStore) Exists(_ context.Context, key string) bool {
	info, err := os.Stat(d.path(key))
	return err == nil && info.Mode().IsRegular()
}

// writeAtomic writes data to a sibling temp file and renames it over path,
// so a record is either absent or complete.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, partialPrefix+"*")
	if err != nil {
		return fmt.Errorf("create temp in %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			os.Remove(f.Name())
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err = os.Rename(f.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

func isPartial(name string) bool {
	return strings.HasPrefix(name, partialPrefix)
}

// walkArchive calls fn for every complete file under root, laid out as
// {mode}/{day}/{file}. Day directories for which skipDay returns true are
// not descended into.
func walkArchive(root string, skipDay func(day string) bool, fn func(key, file string, info fs.FileInfo)) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == root {
				return err
			}
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil || rel == "." {
			return nil
		}
		key := filepath.ToSlash(rel)
		if d.IsDir() {
			if skipDay != nil && strings.Count(key, "/") == 1 && skipDay(path.Base(key)) {
				return fs.SkipDir
			}
			return nil
		}
		if isPartial(d.Name()) {
			return nil
		}
		info, infoErr := d.Info()
		if infoErr != nil {
			return nil
		}
		fn(key, p, info)
		return nil
	})
}

// removeEmptyDirs drops day and mode directories left empty after eviction.
func removeEmptyDirs(root string) {
	modes, _ := os.ReadDir(root)
	for _, m := range modes {
		if !m.IsDir() {
			continue
		}
		modeDir := filepath.Join(root, m.Name())
		days, _ := os.ReadDir(modeDir)
		for _, d := range days {
			if d.IsDir() {
				// Fails harmlessly unless empty.
				os.Remove(filepath.Join(modeDir, d.Name()))
			}
		}
		os.Remove(modeDir)
	}
}
