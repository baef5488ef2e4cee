package gauchebuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Package is one install directive of a definition.
type Package struct {
	Name       string
	Kind       string   // fetch kind, e.g. "tarball"
	Args       []string // fetch arguments, len == kind arity
	Steps      []string // build step names; empty means "standard"
	Predicates []string // --if conditions, all must hold
}

// Hook runs before or after the build steps of a package.
type Hook func(ctx context.Context, pkg *Package, dir string) error

// FetchKind is a pluggable way of producing a package's source tree.
type FetchKind struct {
	Arity int
	// Fetch populates dir with the source tree of pkg.
	Fetch func(ctx context.Context, p *Pipeline, pkg *Package, dir string) error
}

// DefaultFetchKinds returns the built-in kinds.
func DefaultFetchKinds() map[string]FetchKind {
	return map[string]FetchKind{
		"tarball": {Arity: 1, Fetch: fetchTarball},
		"git":     {Arity: 2, Fetch: fetchGit},
	}
}

// ParseDirective builds a Package from the arguments following the fetch
// kind: NAME ARGS... [STEP...], where any "--if PRED" pair may appear among
// the steps.
func ParseDirective(kind string, arity int, args []string) (*Package, error) {
	if len(args) < 1+arity {
		return nil, fmt.Errorf("%s: expected a package name and %d argument(s), got %d argument(s)", kind, arity, len(args))
	}
	pkg := &Package{
		Name: args[0],
		Kind: kind,
		Args: append([]string(nil), args[1:1+arity]...),
	}
	rest := args[1+arity:]
	for i := 0; i < len(rest); i++ {
		if rest[i] != "--if" {
			pkg.Steps = append(pkg.Steps, rest[i])
			continue
		}
		if i+1 >= len(rest) {
			return nil, fmt.Errorf("%s: --if requires a condition", pkg.Name)
		}
		i++
		pkg.Predicates = append(pkg.Predicates, rest[i])
	}
	return pkg, nil
}

// PredicateFunc evaluates one --if condition.
type PredicateFunc func(ctx context.Context, cond string) (bool, error)

// Pipeline installs packages into Prefix using Workspace as scratch space.
type Pipeline struct {
	Workspace    string
	Prefix       string
	Fetcher      *Fetcher
	Steps        *StepRegistry
	Kinds        map[string]FetchKind
	Before       []Hook
	After        []Hook
	Eval         PredicateFunc
	Vars         Vars
	Exec         *Executor
	Make         string
	CC           string
	KeepArchives bool
	Out          io.Writer // user-facing messages
	Log          io.Writer // subprocess output
}

// KindNames lists the registered fetch kinds.
func (p *Pipeline) KindNames() []string {
	names := make([]string, 0, len(p.Kinds))
	for n := range p.Kinds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Install runs one package through fetch, hooks, build steps and the
// permission fix. A failing predicate skips the package without error.
func (p *Pipeline) Install(ctx context.Context, pkg *Package) error {
	for _, cond := range pkg.Predicates {
		ok, err := p.Eval(ctx, cond)
		if err != nil {
			return fmt.Errorf("%s: evaluating %q: %w", pkg.Name, cond, err)
		}
		if !ok {
			debugf("skipping %s: %q is false", pkg.Name, cond)
			return nil
		}
	}

	kind, ok := p.Kinds[pkg.Kind]
	if !ok {
		return fmt.Errorf("%s: unknown fetch kind %q", pkg.Name, pkg.Kind)
	}
	if len(pkg.Args) != kind.Arity {
		return fmt.Errorf("%s: fetch kind %q takes %d argument(s), got %d", pkg.Name, pkg.Kind, kind.Arity, len(pkg.Args))
	}

	dir := filepath.Join(p.Workspace, pkg.Name)
	if err := kind.Fetch(ctx, p, pkg, dir); err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("%s: source tree missing after fetch: %w", pkg.Name, err)
	}

	arrowf(p.Out, colInfo, "Installing %s...\n", pkg.Name)
	for _, h := range p.Before {
		if err := h(ctx, pkg, dir); err != nil {
			return fmt.Errorf("%s: before_install: %w", pkg.Name, err)
		}
	}

	b := &BuildContext{
		Package: pkg,
		Dir:     dir,
		Prefix:  p.Prefix,
		Vars:    p.Vars,
		Exec:    p.Exec,
		Make:    p.Make,
		CC:      p.CC,
		Log:     p.Log,
	}
	if err := p.Steps.Run(ctx, b, pkg.Steps); err != nil {
		return err
	}

	for _, h := range p.After {
		if err := h(ctx, pkg, dir); err != nil {
			return fmt.Errorf("%s: after_install: %w", pkg.Name, err)
		}
	}

	if err := fixPermissions(p.Prefix); err != nil {
		return err
	}
	arrowf(p.Out, colSuccess, "Installed %s to %s\n", pkg.Name, p.Prefix)
	return nil
}

func fetchTarball(ctx context.Context, p *Pipeline, pkg *Package, dir string) error {
	archive, err := p.Fetcher.Fetch(ctx, pkg.Name, pkg.Args[0])
	if err != nil {
		return err
	}
	return Extract(archive, dir, p.KeepArchives)
}

// fetchGit makes a shallow clone of URL at REF.
func fetchGit(ctx context.Context, p *Pipeline, pkg *Package, dir string) error {
	url, ref := pkg.Args[0], pkg.Args[1]
	arrowf(p.Out, colInfo, "Cloning %s...\n", url)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := p.Exec.Command(p.Workspace, "git", "clone", "--depth", "1", "--branch", ref, url, dir); err != nil {
		return fmt.Errorf("%s: git clone failed: %w", pkg.Name, err)
	}
	return nil
}
