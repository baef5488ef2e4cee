package gauchebuild

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/bzip2"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
)

// ArchiveFormat is the container format detected from an archive's magic
// bytes.
type ArchiveFormat string

const (
	FormatGzip    ArchiveFormat = "gzip"
	FormatXZ      ArchiveFormat = "xz"
	FormatZstd    ArchiveFormat = "zstd"
	FormatBzip2   ArchiveFormat = "bzip2"
	FormatZip     ArchiveFormat = "zip"
	FormatTar     ArchiveFormat = "tar"
	FormatUnknown ArchiveFormat = ""
)

var magics = []struct {
	format ArchiveFormat
	offset int
	magic  []byte
}{
	{FormatGzip, 0, []byte{0x1f, 0x8b}},
	{FormatXZ, 0, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{FormatZstd, 0, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatBzip2, 0, []byte("BZh")},
	{FormatZip, 0, []byte("PK\x03\x04")},
	{FormatTar, 257, []byte("ustar")},
}

// DetectFormat sniffs the format from the start of an archive.
func DetectFormat(head []byte) ArchiveFormat {
	for _, m := range magics {
		end := m.offset + len(m.magic)
		if len(head) >= end && bytes.Equal(head[m.offset:end], m.magic) {
			return m.format
		}
	}
	return FormatUnknown
}

// Extract unpacks archive into dest. When the archive holds a single
// top-level directory its contents become dest. The archive path (usually a
// symlink into the cache) is removed afterwards unless keep is set.
func Extract(archive, dest string, keep bool) error {
	tmp := dest + ".tmp"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	if err := unpack(archive, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return fmt.Errorf("failed to extract %s: %w", filepath.Base(archive), err)
	}
	if err := promote(tmp, dest); err != nil {
		_ = os.RemoveAll(tmp)
		return err
	}

	if !keep {
		if err := os.Remove(archive); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", archive, err)
		}
	}
	return nil
}

// promote moves the extracted tree into place, stripping a lone top-level
// directory.
func promote(tmp, dest string) error {
	entries, err := os.ReadDir(tmp)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return err
	}
	if len(entries) == 1 && entries[0].IsDir() {
		debugf("stripping top-level directory %s", entries[0].Name())
		if err := os.Rename(filepath.Join(tmp, entries[0].Name()), dest); err != nil {
			return fmt.Errorf("failed to move source tree into %s: %w", dest, err)
		}
		return os.Remove(tmp)
	}
	return os.Rename(tmp, dest)
}

func unpack(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", archive, err)
	}
	defer f.Close()

	br := bufio.NewReaderSize(f, 4096)
	head, _ := br.Peek(512)
	format := DetectFormat(head)
	debugf("%s looks like %s", archive, format)

	var r io.Reader
	switch format {
	case FormatGzip:
		gz, err := pgzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gz.Close()
		r = gz
	case FormatXZ:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to create xz reader: %w", err)
		}
		r = xzr
	case FormatZstd:
		zst, err := zstd.NewReader(br)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader: %w", err)
		}
		defer zst.Close()
		r = zst
	case FormatBzip2:
		r = bzip2.NewReader(br)
	case FormatZip:
		st, err := f.Stat()
		if err != nil {
			return err
		}
		return unzip(f, st.Size(), dest)
	case FormatTar:
		r = br
	default:
		return fmt.Errorf("unsupported archive format")
	}
	return untar(tar.NewReader(r), dest)
}

// safeJoin resolves name under root and rejects anything that escapes it.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	p := filepath.Join(root, name)
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return p, nil
}

func untar(tr *tar.Reader, dest string) error {
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading tar header: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if target == dest {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", target, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
			_ = os.Chtimes(target, hdr.AccessTime, hdr.ModTime)
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(dest, filepath.Join(filepath.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return fmt.Errorf("illegal symlink in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", target, hdr.Linkname, err)
			}
			mtime := unix.NsecToTimeval(hdr.ModTime.UnixNano())
			if err := unix.Lutimes(target, []unix.Timeval{mtime, mtime}); err != nil {
				debugf("failed to set times for symlink %s: %v", target, err)
			}
		case tar.TypeLink:
			src, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			if err := os.Link(src, target); err != nil {
				return fmt.Errorf("failed to create hard link %s: %w", target, err)
			}
		default:
			debugf("skipping tar entry %s (type %c)", hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write file %s: %w", target, err)
	}
	return out.Close()
}

func unzip(ra io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return err
	}
	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		err = writeFile(target, rc, f.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
