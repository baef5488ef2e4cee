package gauchebuild

import (
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// ChecksumMismatchError reports a proven digest mismatch.
type ChecksumMismatchError struct {
	File     string
	Expected string
	Computed string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.File, e.Expected, e.Computed)
}

// Digest is one checksum capability, selected by the shape of the expected
// value.
type Digest struct {
	Name    string
	Prefix  string // optional "algo:" prefix, matched case-insensitively
	HexLen  int
	NewHash func() hash.Hash
}

// accepts reports whether expected is in this digest's format and returns it
// normalized (prefix removed, lower case).
func (d Digest) accepts(expected string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(expected))
	if d.Prefix != "" {
		rest, ok := strings.CutPrefix(s, d.Prefix)
		if !ok {
			return "", false
		}
		s = rest
	}
	if len(s) != d.HexLen {
		return "", false
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", false
	}
	return s, true
}

// DefaultDigests lists the capabilities compiled in, most specific first.
func DefaultDigests() []Digest {
	return []Digest{
		{Name: "blake3", Prefix: "blake3:", HexLen: 64, NewHash: func() hash.Hash { return blake3.New(32, nil) }},
		{Name: "blake3", Prefix: "b3:", HexLen: 64, NewHash: func() hash.Hash { return blake3.New(32, nil) }},
		{Name: "sha256", Prefix: "sha256:", HexLen: 64, NewHash: sha256.New},
		{Name: "sha512", Prefix: "sha512:", HexLen: 128, NewHash: sha512.New},
		{Name: "md5", HexLen: 32, NewHash: md5.New},
		{Name: "sha256", HexLen: 64, NewHash: sha256.New},
		{Name: "sha512", HexLen: 128, NewHash: sha512.New},
	}
}

// Verifier checks files against expected digests. The policy only fails on
// a concrete, proven mismatch: a missing file, a missing expected value or
// an expected value no digest understands all count as success, unless
// Strict is set, which turns the last case into ErrNoDigestCapability.
type Verifier struct {
	Digests []Digest
	Strict  bool
	Out     io.Writer
}

// NewVerifier returns a verifier with the default digests.
func NewVerifier(strict bool, out io.Writer) *Verifier {
	return &Verifier{Digests: DefaultDigests(), Strict: strict, Out: out}
}

func (v *Verifier) digestFor(expected string) (Digest, string, bool) {
	for _, d := range v.Digests {
		if norm, ok := d.accepts(expected); ok {
			return d, norm, true
		}
	}
	return Digest{}, "", false
}

// MirrorKey returns the object key for expected: its SHA-256 as lower-case
// hex with any "sha256:" prefix removed. Mirrors store archives under this
// key only, so other digests report false.
func (v *Verifier) MirrorKey(expected string) (string, bool) {
	d, norm, ok := v.digestFor(expected)
	if !ok || d.Name != "sha256" {
		return "", false
	}
	return norm, true
}

// Verify returns nil when path matches expected or the check is vacuous.
func (v *Verifier) Verify(path, expected string) error {
	if expected == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	d, want, ok := v.digestFor(expected)
	if !ok {
		if v.Strict {
			return fmt.Errorf("%w: %q", ErrNoDigestCapability, expected)
		}
		logger.Warn("checksum not verified: unrecognized digest format", "file", path, "checksum", expected)
		return nil
	}

	got, err := computeDigest(path, d)
	if err != nil {
		return err
	}
	if got == "" {
		return fmt.Errorf("computed an empty %s digest for %s", d.Name, path)
	}
	if !strings.EqualFold(got, want) {
		if v.Out != nil {
			arrowf(v.Out, colError, "checksum mismatch: %s (file) != %s (expected)\n", got, want)
		}
		return &ChecksumMismatchError{File: path, Expected: want, Computed: got}
	}
	debugf("%s verified (%s)", path, d.Name)
	return nil
}

// ComputeChecksum returns the lower-case hex SHA-256 of path. It is the key
// used for mirror objects.
func ComputeChecksum(path string) (string, error) {
	return computeDigest(path, Digest{Name: "sha256", NewHash: sha256.New})
}

func computeDigest(path string, d Digest) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := d.NewHash()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
