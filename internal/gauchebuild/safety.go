package gauchebuild

import (
	"fmt"
	"path/filepath"
	"strings"
)

// forbiddenPrefixes may never be used as an installation prefix.
var forbiddenPrefixes = map[string]struct{}{
	"/":         {},
	"/bin":      {},
	"/etc":      {},
	"/lib":      {},
	"/lib32":    {},
	"/lib64":    {},
	"/sbin":     {},
	"/usr":      {},
	"/usr/bin":  {},
	"/usr/lib":  {},
	"/usr/sbin": {},
	"/var":      {},
	"/home":     {},
	"/root":     {},
}

// forbiddenPrefixesRecursive protects whole trees.
var forbiddenPrefixesRecursive = []string{
	"/boot",
	"/dev",
	"/proc",
	"/sys",
	"/run",
}

// checkPrefix refuses prefixes that would let make install scribble over
// the host system.
func checkPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("installation prefix is empty")
	}
	abs, err := filepath.Abs(prefix)
	if err != nil {
		return fmt.Errorf("failed to resolve prefix %s: %w", prefix, err)
	}
	if _, ok := forbiddenPrefixes[abs]; ok {
		return fmt.Errorf("refusing to install into protected directory %s", abs)
	}
	for _, dir := range forbiddenPrefixesRecursive {
		if abs == dir || strings.HasPrefix(abs, dir+"/") {
			return fmt.Errorf("refusing to install into protected directory %s", abs)
		}
	}
	return nil
}
