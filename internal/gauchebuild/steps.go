package gauchebuild

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/shell"
)

// StepError reports the package and build step that failed.
type StepError struct {
	Package string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: build step %q failed: %v", e.Package, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// BuildContext is what a step sees while building one package.
type BuildContext struct {
	Package *Package
	Dir     string // extracted source tree
	Prefix  string
	Vars    Vars
	Exec    *Executor
	Make    string
	CC      string
	Log     io.Writer
}

// family returns the package's variable prefix.
func (b *BuildContext) family() string {
	return PackageFamily(b.Package.Name)
}

// BuildStep is one named build policy.
type BuildStep interface {
	Run(ctx context.Context, b *BuildContext) error
}

// StepFunc adapts a function to BuildStep.
type StepFunc func(ctx context.Context, b *BuildContext) error

func (f StepFunc) Run(ctx context.Context, b *BuildContext) error { return f(ctx, b) }

// StepRegistry maps step names to implementations.
type StepRegistry struct {
	steps map[string]BuildStep
}

// NewStepRegistry returns a registry holding the built-in steps.
func NewStepRegistry() *StepRegistry {
	r := &StepRegistry{steps: make(map[string]BuildStep)}
	r.Register("standard", StepFunc(stepStandard))
	r.Register("autoconf", StepFunc(stepAutoconf))
	r.Register("copy", StepFunc(stepCopy))
	r.Register("check", StepFunc(stepCheck))
	return r
}

// Register adds or replaces a step.
func (r *StepRegistry) Register(name string, s BuildStep) {
	r.steps[name] = s
}

// Names lists the registered steps.
func (r *StepRegistry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes steps in order inside b.Dir. An empty list means "standard".
func (r *StepRegistry) Run(ctx context.Context, b *BuildContext, steps []string) error {
	if len(steps) == 0 {
		steps = []string{"standard"}
	}
	for _, name := range steps {
		s, ok := r.steps[name]
		if !ok {
			return &StepError{Package: b.Package.Name, Step: name, Err: fmt.Errorf("unknown build step")}
		}
		debugf("%s: running build step %s", b.Package.Name, name)
		if err := s.Run(ctx, b); err != nil {
			return &StepError{Package: b.Package.Name, Step: name, Err: err}
		}
	}
	return nil
}

// makeOpts resolves <F>_MAKE_OPTS, MAKE_OPTS, MAKEOPTS and the default job
// count, then appends the list form.
func makeOpts(b *BuildContext) []string {
	f := b.family()
	var opts []string
	if l, ok := b.Vars.LookupList(f + "_MAKE_OPTS"); ok {
		opts = l
	} else if l, ok := b.Vars.LookupList("MAKE_OPTS"); ok {
		opts = l
	} else if l, ok := b.Vars.LookupList("MAKEOPTS"); ok {
		opts = l
	} else {
		opts, _ = shell.Fields(defaultMakeOpts, nil)
	}
	return append(opts, familyLookupList(b.Vars, f, "MAKE_OPTS_ARRAY")...)
}

func (b *BuildContext) env() []string {
	env := b.Exec.Env
	if env == nil {
		env = os.Environ()
	}
	if b.CC != "" {
		env = setEnv(env, "CC", b.CC)
	}
	if cflags, ok := b.Vars.Lookup(b.family() + "_CFLAGS"); ok {
		env = setEnv(env, "CFLAGS", cflags)
	} else if cflags, ok := b.Vars.Lookup("CFLAGS"); ok {
		env = setEnv(env, "CFLAGS", cflags)
	}
	return env
}

func (b *BuildContext) run(ctx context.Context, argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}
	fmt.Fprintf(b.Log, "+ %s\n", strings.Join(argv, " "))
	e := &Executor{Context: ctx, Env: b.env(), Stdout: b.Exec.Stdout, Stderr: b.Exec.Stderr}
	return e.Command(b.Dir, argv[0], argv[1:]...)
}

func stepStandard(ctx context.Context, b *BuildContext) error {
	f := b.family()

	configure, err := shell.Fields(familyLookup(b.Vars, f, "CONFIGURE", "./configure"), nil)
	if err != nil {
		return fmt.Errorf("invalid %s_CONFIGURE: %w", f, err)
	}
	prefix := familyLookup(b.Vars, f, "PREFIX_PATH", b.Prefix)
	argv := append(configure, "--prefix="+prefix)
	argv = append(argv, familyLookupList(b.Vars, f, "CONFIGURE_OPTS_ARRAY")...)
	argv = append(argv, familyLookupList(b.Vars, f, "CONFIGURE_OPTS")...)
	if err := b.run(ctx, argv); err != nil {
		return err
	}

	argv = append([]string{b.Make}, makeOpts(b)...)
	if err := b.run(ctx, argv); err != nil {
		return err
	}

	argv = append([]string{b.Make, "install"}, familyLookupList(b.Vars, f, "MAKE_INSTALL_OPTS")...)
	return b.run(ctx, argv)
}

func stepAutoconf(ctx context.Context, b *BuildContext) error {
	return b.run(ctx, []string{"autoreconf", "-i"})
}

func stepCheck(ctx context.Context, b *BuildContext) error {
	return b.run(ctx, []string{b.Make, "check"})
}

// stepCopy installs the source tree verbatim into the prefix.
func stepCopy(ctx context.Context, b *BuildContext) error {
	fmt.Fprintf(b.Log, "+ copy %s -> %s\n", b.Dir, b.Prefix)
	return filepath.WalkDir(b.Dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(b.Dir, p)
		if err != nil {
			return err
		}
		target := filepath.Join(b.Prefix, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		default:
			in, err := os.Open(p)
			if err != nil {
				return err
			}
			defer in.Close()
			return writeFile(target, in, info.Mode().Perm())
		}
	})
}

// setEnv returns env with key set to value, replacing any earlier entry.
func setEnv(env []string, key, value string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if k, _, _ := strings.Cut(kv, "="); k == key {
			continue
		}
		out = append(out, kv)
	}
	return append(out, key+"="+value)
}
