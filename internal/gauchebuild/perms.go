package gauchebuild

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// fixPermissions clears the group and world write bits of every directory
// under prefix.
func fixPermissions(prefix string) error {
	err := filepath.WalkDir(prefix, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode().Perm()
		if mode&0o022 == 0 {
			return nil
		}
		debugf("chmod go-w %s", p)
		return os.Chmod(p, mode&^0o022)
	})
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to fix permissions under %s: %w", prefix, err)
	}
	return nil
}
