package gauchebuild

import (
	"bytes"
	"crypto/md5"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"lukechampine.com/blake3"
)

func TestVerify(t *testing.T) {
	t.Parallel()

	data := []byte("gauche source archive")
	path := mustWrite(t, filepath.Join(t.TempDir(), "pkg.tar.gz"), string(data), 0o644)

	md5Sum := md5.Sum(data)
	sha512Sum := sha512.Sum512(data)
	b3Sum := blake3.Sum256(data)
	sha := sha256Hex(data)

	tests := []struct {
		name     string
		path     string
		expected string
		wantErr  bool
	}{
		{name: "sha256", path: path, expected: sha},
		{name: "sha256 upper case", path: path, expected: strings.ToUpper(sha)},
		{name: "sha256 prefixed", path: path, expected: "sha256:" + sha},
		{name: "md5", path: path, expected: hex.EncodeToString(md5Sum[:])},
		{name: "sha512", path: path, expected: hex.EncodeToString(sha512Sum[:])},
		{name: "blake3", path: path, expected: "blake3:" + hex.EncodeToString(b3Sum[:])},
		{name: "b3 alias", path: path, expected: "b3:" + hex.EncodeToString(b3Sum[:])},
		{name: "no expected digest", path: path, expected: ""},
		{name: "missing file", path: filepath.Join(t.TempDir(), "absent"), expected: sha},
		{name: "unknown format", path: path, expected: "abc123"},
		{name: "mismatch", path: path, expected: strings.Repeat("0", 64), wantErr: true},
		{name: "md5 mismatch", path: path, expected: strings.Repeat("f", 32), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := NewVerifier(false, &out).Verify(tt.path, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Verify() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr {
				return
			}
			var mismatch *ChecksumMismatchError
			if !errors.As(err, &mismatch) {
				t.Fatalf("Verify() error = %T, want *ChecksumMismatchError", err)
			}
			if mismatch.Computed == "" || mismatch.Expected != strings.ToLower(tt.expected) {
				t.Errorf("mismatch = %+v", mismatch)
			}
			if !strings.Contains(out.String(), "checksum mismatch") {
				t.Errorf("output %q does not report the mismatch", out.String())
			}
		})
	}
}

func TestVerifyStrict(t *testing.T) {
	t.Parallel()

	path := mustWrite(t, filepath.Join(t.TempDir(), "pkg.tar.gz"), "x", 0o644)
	err := NewVerifier(true, nil).Verify(path, "abc123")
	if !errors.Is(err, ErrNoDigestCapability) {
		t.Fatalf("Verify() error = %v, want ErrNoDigestCapability", err)
	}
}

func TestComputeChecksum(t *testing.T) {
	t.Parallel()

	data := []byte("mirror key")
	path := mustWrite(t, filepath.Join(t.TempDir(), "f"), string(data), 0o644)
	got, err := ComputeChecksum(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != sha256Hex(data) {
		t.Errorf("ComputeChecksum() = %s, want %s", got, sha256Hex(data))
	}
}

func TestMirrorKey(t *testing.T) {
	t.Parallel()

	sum := sha256Hex([]byte("gauche"))
	tests := []struct {
		expected string
		want     string
		wantOK   bool
	}{
		{expected: sum, want: sum, wantOK: true},
		{expected: strings.ToUpper(sum), want: sum, wantOK: true},
		{expected: "SHA256:" + strings.ToUpper(sum), want: sum, wantOK: true},
		{expected: " sha256:" + sum + " ", want: sum, wantOK: true},
		{expected: "b3:" + sum},
		{expected: "blake3:" + sum},
		{expected: strings.Repeat("ab", 16)},
		{expected: strings.Repeat("ab", 64)},
		{expected: "not-a-digest"},
	}
	v := NewVerifier(false, nil)
	for _, tt := range tests {
		got, ok := v.MirrorKey(tt.expected)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("MirrorKey(%q) = %q, %v, want %q, %v", tt.expected, got, ok, tt.want, tt.wantOK)
		}
	}
}
