package gauchebuild

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseDirective(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		kind    string
		arity   int
		args    []string
		want    *Package
		wantErr bool
	}{
		{
			name:  "tarball default steps",
			kind:  "tarball",
			arity: 1,
			args:  []string{"Gauche-0.9.15", "https://example/Gauche-0.9.15.tgz#abc"},
			want:  &Package{Name: "Gauche-0.9.15", Kind: "tarball", Args: []string{"https://example/Gauche-0.9.15.tgz#abc"}},
		},
		{
			name:  "steps and predicates interleaved",
			kind:  "tarball",
			arity: 1,
			args:  []string{"foo-1", "u", "autoconf", "--if", "has_cc", "standard", "--if", "true"},
			want: &Package{
				Name: "foo-1", Kind: "tarball", Args: []string{"u"},
				Steps:      []string{"autoconf", "standard"},
				Predicates: []string{"has_cc", "true"},
			},
		},
		{
			name:  "git arity two",
			kind:  "git",
			arity: 2,
			args:  []string{"gauche", "https://github.com/shirok/Gauche.git", "master", "check"},
			want: &Package{
				Name: "gauche", Kind: "git", Args: []string{"https://github.com/shirok/Gauche.git", "master"},
				Steps: []string{"check"},
			},
		},
		{name: "missing url", kind: "tarball", arity: 1, args: []string{"foo"}, wantErr: true},
		{name: "dangling --if", kind: "tarball", arity: 1, args: []string{"foo", "u", "--if"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseDirective(tt.kind, tt.arity, tt.args)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDirective() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseDirective() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

// localKind copies a prepared source tree instead of downloading.
func localKind(calls *int) FetchKind {
	return FetchKind{Arity: 1, Fetch: func(ctx context.Context, p *Pipeline, pkg *Package, dir string) error {
		*calls++
		return os.Rename(pkg.Args[0], dir)
	}}
}

func newTestPipeline(t *testing.T, calls *int) (*Pipeline, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	p := &Pipeline{
		Workspace: t.TempDir(),
		Prefix:    filepath.Join(t.TempDir(), "prefix"),
		Steps:     NewStepRegistry(),
		Kinds:     map[string]FetchKind{"local": localKind(calls)},
		Eval:      func(context.Context, string) (bool, error) { return true, nil },
		Vars:      &mapVars{},
		Exec:      NewExecutor(context.Background(), nil, &out),
		Make:      "make",
		Out:       &out,
		Log:       &out,
	}
	if err := os.MkdirAll(p.Prefix, 0o755); err != nil {
		t.Fatal(err)
	}
	return p, &out
}

func TestInstallSkipsOnFailingPredicate(t *testing.T) {
	t.Parallel()

	var calls int
	p, _ := newTestPipeline(t, &calls)
	var evaluated []string
	p.Eval = func(_ context.Context, cond string) (bool, error) {
		evaluated = append(evaluated, cond)
		return cond != "false", nil
	}
	hookRan := false
	p.Before = []Hook{func(context.Context, *Package, string) error { hookRan = true; return nil }}

	pkg := &Package{Name: "skipped", Kind: "local", Args: []string{"/nonexistent"}, Predicates: []string{"true", "false"}}
	if err := p.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if calls != 0 || hookRan {
		t.Errorf("skipped package was fetched (%d) or hooked (%v)", calls, hookRan)
	}
	if diff := cmp.Diff([]string{"true", "false"}, evaluated); diff != "" {
		t.Errorf("evaluated predicates (-want +got):\n%s", diff)
	}
	entries, _ := os.ReadDir(p.Workspace)
	if len(entries) != 0 {
		t.Errorf("workspace not empty after skip: %v", entries)
	}
}

func TestInstallRunsHooksAndFixesPermissions(t *testing.T) {
	t.Parallel()

	var calls int
	p, out := newTestPipeline(t, &calls)
	src := filepath.Join(t.TempDir(), "tree")
	mustWrite(t, filepath.Join(src, "share", "data.scm"), "()", 0o644)

	var order []string
	hook := func(name string) Hook {
		return func(_ context.Context, pkg *Package, dir string) error {
			if dir != filepath.Join(p.Workspace, pkg.Name) {
				t.Errorf("%s hook dir = %s", name, dir)
			}
			order = append(order, name)
			return nil
		}
	}
	p.Before = []Hook{hook("before1"), hook("before2")}
	p.After = []Hook{hook("after")}
	p.Steps.Register("record", StepFunc(func(_ context.Context, b *BuildContext) error {
		order = append(order, "step")
		// make install leaving a group/world writable directory behind
		wide := filepath.Join(b.Prefix, "share", "wide")
		if err := os.MkdirAll(wide, 0o755); err != nil {
			return err
		}
		return os.Chmod(wide, 0o777)
	}))

	pkg := &Package{Name: "tree", Kind: "local", Args: []string{src}, Steps: []string{"record"}}
	if err := p.Install(context.Background(), pkg); err != nil {
		t.Fatalf("Install() error: %v", err)
	}
	if diff := cmp.Diff([]string{"before1", "before2", "step", "after"}, order); diff != "" {
		t.Errorf("execution order (-want +got):\n%s", diff)
	}
	st, err := os.Stat(filepath.Join(p.Prefix, "share", "wide"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want group/world write stripped", st.Mode().Perm())
	}
	if !strings.Contains(out.String(), "Installed tree to "+p.Prefix) {
		t.Errorf("missing install confirmation in %q", out.String())
	}
}

func TestInstallHookFailureAborts(t *testing.T) {
	t.Parallel()

	var calls int
	p, _ := newTestPipeline(t, &calls)
	src := filepath.Join(t.TempDir(), "tree")
	mustWrite(t, filepath.Join(src, "x"), "", 0o644)

	boom := errors.New("boom")
	stepRan := false
	p.Before = []Hook{func(context.Context, *Package, string) error { return boom }}
	p.Steps.Register("record", StepFunc(func(context.Context, *BuildContext) error { stepRan = true; return nil }))

	err := p.Install(context.Background(), &Package{Name: "tree", Kind: "local", Args: []string{src}, Steps: []string{"record"}})
	if !errors.Is(err, boom) {
		t.Fatalf("Install() error = %v, want %v", err, boom)
	}
	if stepRan {
		t.Error("build step ran after a failing before hook")
	}
}

func TestInstallUnknownKind(t *testing.T) {
	t.Parallel()

	var calls int
	p, _ := newTestPipeline(t, &calls)
	if err := p.Install(context.Background(), &Package{Name: "x", Kind: "svn"}); err == nil {
		t.Fatal("Install() succeeded with an unknown fetch kind")
	}
}
