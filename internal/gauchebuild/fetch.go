package gauchebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SplitChecksum splits "URL#checksum" into its parts.
func SplitChecksum(raw string) (url, checksum string) {
	url, checksum, _ = strings.Cut(raw, "#")
	return url, checksum
}

// Fetcher downloads package archives into the workspace. The order is
// cache, then mirror (when a SHA-256 checksum is known), then the primary
// URL.
type Fetcher struct {
	Workspace string
	Cache     *Cache    // nil disables caching
	Mirror    Mirror    // nil disables the mirror
	Transport Transport // primary downloads
	Verifier  *Verifier
	Out       io.Writer
}

// Fetch returns the path of <workspace>/<name>.tar.gz holding a verified
// archive for rawURL.
func (f *Fetcher) Fetch(ctx context.Context, name, rawURL string) (string, error) {
	url, checksum := SplitChecksum(rawURL)
	dest := filepath.Join(f.Workspace, name+archiveSuffix)
	verify := func(p string) error { return f.Verifier.Verify(p, checksum) }

	if f.Cache != nil {
		ok, err := f.Cache.Link(name, dest, verify)
		if err != nil {
			return "", err
		}
		if ok {
			arrowf(f.Out, colNote, "Using cached %s\n", name+archiveSuffix)
			return dest, nil
		}
	}

	if err := f.download(ctx, name, url, checksum, dest); err != nil {
		return "", err
	}
	if err := verify(dest); err != nil {
		return "", err
	}

	if f.Cache != nil {
		if err := f.Cache.Store(name, dest); err != nil {
			return "", err
		}
	}
	return dest, nil
}

func (f *Fetcher) download(ctx context.Context, name, url, checksum, dest string) error {
	_ = os.Remove(dest)

	if f.Mirror != nil && checksum != "" {
		key, ok := f.Verifier.MirrorKey(checksum)
		if !ok {
			logger.Warn("mirror skipped: mirror objects are keyed by sha256", "package", name, "checksum", checksum)
		} else {
			has, err := f.Mirror.Has(ctx, key)
			if err != nil {
				return err
			}
			if has {
				arrowf(f.Out, colInfo, "Downloading %s from mirror...\n", name+archiveSuffix)
				if err := f.Mirror.Download(ctx, key, dest); err == nil {
					return nil
				} else if ctx.Err() != nil {
					return err
				} else {
					debugf("mirror download of %s failed: %v", key, err)
				}
			}
		}
	}

	arrowf(f.Out, colInfo, "Downloading %s...\n", name+archiveSuffix)
	debugf("%s", url)
	if f.Transport == nil {
		return ErrNoHTTPClient
	}
	if err := f.Transport.Download(ctx, url, dest); err != nil {
		return fmt.Errorf("failed to download %s: %w", name, err)
	}
	return nil
}
