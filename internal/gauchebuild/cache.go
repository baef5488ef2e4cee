package gauchebuild

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"golang.org/x/sys/unix"
)

const archiveSuffix = ".tar.gz"

// Cache is a directory of downloaded archives named <package>.tar.gz.
// Entries are only trusted after the caller's verification passes.
type Cache struct {
	Dir string
}

// Path returns the cache location of package name.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.Dir, name+archiveSuffix)
}

// lock takes a flock on the cache directory itself so concurrent runs
// sharing a cache never see a half-written entry.
func (c *Cache) lock(how int) (func(), error) {
	d, err := os.Open(c.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache directory %s: %w", c.Dir, err)
	}
	if err := unix.Flock(int(d.Fd()), how); err != nil {
		d.Close()
		return nil, fmt.Errorf("failed to lock cache directory %s: %w", c.Dir, err)
	}
	return func() {
		_ = unix.Flock(int(d.Fd()), unix.LOCK_UN)
		d.Close()
	}, nil
}

// Link verifies the cached archive of name with verify and, when it passes,
// symlinks it to dest. It reports whether dest now holds a trusted archive.
func (c *Cache) Link(name, dest string, verify func(string) error) (bool, error) {
	if _, err := os.Stat(c.Dir); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	unlock, err := c.lock(unix.LOCK_SH)
	if err != nil {
		return false, err
	}
	defer unlock()

	src := c.Path(name)
	if _, err := os.Stat(src); err != nil {
		return false, nil
	}
	if err := verify(src); err != nil {
		debugf("ignoring cached %s: %v", src, err)
		return false, nil
	}
	if err := renameio.Symlink(src, dest); err != nil {
		return false, fmt.Errorf("failed to link %s: %w", src, err)
	}
	return true, nil
}

// Store moves the archive at src into the cache and replaces src with a
// symlink to the cached copy. Across filesystems the move is an atomic copy.
func (c *Cache) Store(name, src string) error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}
	unlock, err := c.lock(unix.LOCK_EX)
	if err != nil {
		return err
	}
	defer unlock()

	dst := c.Path(name)
	if err := moveAtomic(src, dst); err != nil {
		return err
	}
	if err := renameio.Symlink(dst, src); err != nil {
		return fmt.Errorf("failed to link %s: %w", dst, err)
	}
	debugf("cached %s", dst)
	return nil
}

func moveAtomic(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return os.Chmod(dst, 0o644)
	}
	if !errors.Is(err, unix.EXDEV) {
		return fmt.Errorf("failed to move %s into the cache: %w", src, err)
	}
	debugf("%s and %s are on different filesystems, copying", src, dst)
	return copyAtomic(src, dst)
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	t, err := renameio.TempFile(filepath.Dir(dst), dst)
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", dst, err)
	}
	defer t.Cleanup()

	if _, err := io.Copy(t, in); err != nil {
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := t.Chmod(0o644); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}
