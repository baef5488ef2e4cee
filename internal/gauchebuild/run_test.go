package gauchebuild

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// runEnv is an isolated environment for end-to-end runs.
type runEnv struct {
	defs      string
	tmp       string
	archive   []byte
	server    *httptest.Server
	downloads *atomic.Int32
}

func setupRun(t *testing.T) *runEnv {
	t.Helper()
	e := &runEnv{
		defs:      t.TempDir(),
		tmp:       t.TempDir(),
		archive:   sourceTarball(t, "gauche-test"),
		downloads: &atomic.Int32{},
	}
	e.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gauche-test.tar.gz" {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			e.downloads.Add(1)
		}
		w.Write(e.archive)
	}))
	t.Cleanup(e.server.Close)

	tools := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("TMPDIR", e.tmp)
	t.Setenv("MAKE", mustWrite(t, filepath.Join(tools, "make"), fakeMake, 0o755))
	t.Setenv("GAUCHE_BUILD_DEFINITIONS", e.defs)
	t.Setenv("GAUCHE_BUILD_HTTP_CLIENT", "native")
	t.Setenv("GAUCHE_BUILD_CACHE_PATH", "")
	t.Setenv("GAUCHE_BUILD_MIRROR_URL", "")
	t.Setenv("GAUCHE_BUILD_BUILD_PATH", "")
	t.Setenv("GAUCHE_BUILD_KEEP_BUILD_PATH", "")
	t.Setenv("GAUCHE_BUILD_SKIP_MIRROR", "")
	return e
}

func (e *runEnv) define(t *testing.T, name, checksum string) {
	t.Helper()
	url := e.server.URL + "/gauche-test.tar.gz"
	if checksum != "" {
		url += "#" + checksum
	}
	mustWrite(t, filepath.Join(e.defs, name), `install_package "gauche-test" "`+url+`" standard`+"\n", 0o644)
}

// leftovers lists gauche-build workspaces and logs under TMPDIR.
func (e *runEnv) leftovers(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(e.tmp, AppName+".*"))
	if err != nil {
		t.Fatal(err)
	}
	return matches
}

func execute(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunInstallsDefinition(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", sha256Hex(e.archive))
	prefix := filepath.Join(t.TempDir(), "versions", "test-1.0")

	code, stdout, stderr := execute("test-1.0", prefix)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if _, err := os.Stat(filepath.Join(prefix, "bin", "gosh")); err != nil {
		t.Errorf("gosh not installed: %v", err)
	}
	for _, want := range []string{"Downloading gauche-test.tar.gz...", "Installing gauche-test...", "Installed gauche-test to " + prefix} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout lacks %q:\n%s", want, stdout)
		}
	}
	if left := e.leftovers(t); len(left) != 0 {
		t.Errorf("workspace or log left behind: %v", left)
	}
}

func TestRunKeepsWorkspace(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", "")

	code, _, stderr := execute("--keep", "test-1.0", filepath.Join(t.TempDir(), "prefix"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	left := e.leftovers(t)
	if len(left) != 1 {
		t.Fatalf("leftovers = %v, want only the workspace", left)
	}
	if _, err := os.Stat(filepath.Join(left[0], "gauche-test", "configure")); err != nil {
		t.Errorf("kept workspace lacks the source tree: %v", err)
	}
}

func TestRunChecksumMismatch(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", sha256Hex([]byte("something else")))
	prefix := filepath.Join(t.TempDir(), "prefix")

	code, stdout, stderr := execute("test-1.0", prefix)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stdout, "checksum mismatch") {
		t.Errorf("stdout lacks the mismatch report:\n%s", stdout)
	}
	if !strings.Contains(stderr, "BUILD FAILED") {
		t.Errorf("stderr lacks BUILD FAILED:\n%s", stderr)
	}
	if _, err := os.Stat(filepath.Join(prefix, "bin", "gosh")); err == nil {
		t.Error("package installed despite the mismatch")
	}
}

func TestRunBuildFailureShowsLog(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", "")
	failing := mustWrite(t, filepath.Join(t.TempDir(), "make"), "#!/bin/sh\necho 'error: gosh.c: boom' >&2\nexit 2\n", 0o755)
	t.Setenv("MAKE", failing)

	code, _, stderr := execute("test-1.0", filepath.Join(t.TempDir(), "prefix"))
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	for _, want := range []string{"BUILD FAILED (gauche-build", "Inspect or clean up the working tree at", "Results logged to", "Last 10 log lines:", "error: gosh.c: boom"} {
		if !strings.Contains(stderr, want) {
			t.Errorf("stderr lacks %q:\n%s", want, stderr)
		}
	}
}

func TestRunCacheRoundTrip(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", sha256Hex(e.archive))
	cache := filepath.Join(t.TempDir(), "cache")
	t.Setenv("GAUCHE_BUILD_CACHE_PATH", cache)

	for i, prefix := range []string{filepath.Join(t.TempDir(), "a"), filepath.Join(t.TempDir(), "b")} {
		code, stdout, stderr := execute("test-1.0", prefix)
		if code != 0 {
			t.Fatalf("run %d: exit code = %d, stderr:\n%s", i, code, stderr)
		}
		if i == 1 && !strings.Contains(stdout, "Using cached gauche-test.tar.gz") {
			t.Errorf("second run did not use the cache:\n%s", stdout)
		}
	}
	if n := e.downloads.Load(); n != 1 {
		t.Errorf("downloads = %d, want 1", n)
	}
	if _, err := os.Stat(filepath.Join(cache, "gauche-test.tar.gz")); err != nil {
		t.Errorf("cache entry missing: %v", err)
	}
}

func TestRunMirror(t *testing.T) {
	e := setupRun(t)
	sum := sha256Hex(e.archive)
	var hits atomic.Int32
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+sum {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet {
			hits.Add(1)
		}
		w.Write(e.archive)
	}))
	t.Cleanup(mirror.Close)
	t.Setenv("GAUCHE_BUILD_MIRROR_URL", mirror.URL+"/")
	e.define(t, "test-1.0", sum)

	code, _, stderr := execute("test-1.0", filepath.Join(t.TempDir(), "prefix"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if hits.Load() != 1 || e.downloads.Load() != 0 {
		t.Errorf("mirror = %d, primary = %d", hits.Load(), e.downloads.Load())
	}

	t.Setenv("GAUCHE_BUILD_SKIP_MIRROR", "1")
	code, _, stderr = execute("test-1.0", filepath.Join(t.TempDir(), "prefix"))
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	if hits.Load() != 1 || e.downloads.Load() != 1 {
		t.Errorf("with skip: mirror = %d, primary = %d", hits.Load(), e.downloads.Load())
	}
}

func TestRunExitCodes(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", "")

	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr string
	}{
		{name: "not found", args: []string{"9.9.9", filepath.Join(t.TempDir(), "p")}, wantCode: 2, wantStderr: "definition not found: 9.9.9"},
		{name: "usage", args: []string{"test-1.0"}, wantCode: 1, wantStderr: "usage:"},
		{name: "protected prefix", args: []string{"test-1.0", "/usr"}, wantCode: 1, wantStderr: "refusing to install"},
		{name: "version", args: []string{"--version"}, wantCode: 0, wantStdout: AppName + " " + version},
		{name: "definitions", args: []string{"--definitions"}, wantCode: 0, wantStdout: "0.9.15\ntest-1.0\n"},
		{name: "definitions long", args: []string{"--definitions", "--long"}, wantCode: 0, wantStdout: "test-1.0 (" + filepath.Join(e.defs, "test-1.0") + ", unverified)\n  gauche-test [tarball] " + e.server.URL + "/gauche-test.tar.gz (no checksum)\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, stdout, stderr := execute(tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit code = %d, want %d (stderr: %s)", code, tt.wantCode, stderr)
			}
			if !strings.Contains(stdout, tt.wantStdout) {
				t.Errorf("stdout = %q, want containing %q", stdout, tt.wantStdout)
			}
			if !strings.Contains(stderr, tt.wantStderr) {
				t.Errorf("stderr = %q, want containing %q", stderr, tt.wantStderr)
			}
		})
	}
}

func TestRunReportsSetupErrors(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", "")
	blocker := mustWrite(t, filepath.Join(t.TempDir(), "file"), "", 0o644)
	t.Setenv("GAUCHE_BUILD_BUILD_PATH", filepath.Join(blocker, "workspace"))

	code, _, stderr := execute("test-1.0", filepath.Join(t.TempDir(), "prefix"))
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr, AppName+": failed to create workspace") {
		t.Errorf("stderr = %q, want the workspace error", stderr)
	}
}

func TestRunVerboseStreamsLog(t *testing.T) {
	e := setupRun(t)
	e.define(t, "test-1.0", "")
	prefix := filepath.Join(t.TempDir(), "prefix")

	code, stdout, stderr := execute("--verbose", "test-1.0", prefix)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr:\n%s", code, stderr)
	}
	for _, want := range []string{"+ ./configure --prefix=" + prefix, "install", "Installed gauche-test to " + prefix} {
		if !strings.Contains(stdout, want) {
			t.Errorf("stdout lacks %q:\n%s", want, stdout)
		}
	}
}
