package gauchebuild

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

// Definition is a loaded build recipe.
type Definition struct {
	Name   string // as given by the user
	Path   string // file it came from, or "builtin:<name>"
	Source []byte
}

// ResolveDefinition finds name as a literal path, then in each of dirs,
// then among the built-in definitions.
func ResolveDefinition(name string, dirs []string) (*Definition, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrDefinitionNotFound)
	}

	if data, ok, err := readRegular(name); err != nil {
		return nil, err
	} else if ok {
		return &Definition{Name: filepath.Base(name), Path: name, Source: data}, nil
	}

	if !strings.ContainsRune(name, '/') {
		for _, dir := range dirs {
			p := filepath.Join(dir, name)
			if data, ok, err := readRegular(p); err != nil {
				return nil, err
			} else if ok {
				return &Definition{Name: name, Path: p, Source: data}, nil
			}
		}
		data, err := fs.ReadFile(builtinDefinitions, path.Join("definitions", name))
		if err == nil {
			return &Definition{Name: name, Path: "builtin:" + name, Source: data}, nil
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, name)
}

func readRegular(p string) ([]byte, bool, error) {
	st, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if !st.Mode().IsRegular() {
		return nil, false, nil
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read definition %s: %w", p, err)
	}
	return data, true, nil
}

// ListDefinitions returns the sorted, de-duplicated names of every
// definition in dirs and the built-in set.
func ListDefinitions(dirs []string) ([]string, error) {
	seen := make(map[string]bool)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read definitions directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				seen[e.Name()] = true
			}
		}
	}
	entries, err := fs.ReadDir(builtinDefinitions, "definitions")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			seen[e.Name()] = true
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return versionLess(names[i], names[j]) })
	return names, nil
}

// versionLess orders dotted numeric runs numerically, so 0.9.9 < 0.9.10.
func versionLess(a, b string) bool {
	for a != "" && b != "" {
		an, ar := leadingNumber(a)
		bn, br := leadingNumber(b)
		if an >= 0 && bn >= 0 {
			if an != bn {
				return an < bn
			}
			a, b = ar, br
			continue
		}
		if a[0] != b[0] {
			return a[0] < b[0]
		}
		a, b = a[1:], b[1:]
	}
	return len(a) < len(b)
}

func leadingNumber(s string) (int, string) {
	i := 0
	n := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		n = n*10 + int(s[i]-'0')
		i++
	}
	if i == 0 {
		return -1, s
	}
	return n, s[i:]
}

// PackageInfo is one install directive as written in a definition.
type PackageInfo struct {
	Name     string
	Kind     string
	Source   string // URL, without any checksum fragment
	Ref      string // git ref, if any
	Checksum string
}

// DefinitionInfo summarizes a definition without running it.
type DefinitionInfo struct {
	Name     string
	Origin   string
	Packages []PackageInfo
}

// Verified reports whether every package carries a checksum.
func (d *DefinitionInfo) Verified() bool {
	for _, p := range d.Packages {
		if p.Kind == "tarball" && p.Checksum == "" {
			return false
		}
	}
	return len(d.Packages) > 0
}

// DescribeDefinition collects the install directives of def by walking its
// syntax tree. Words that need runtime expansion are kept as written.
func DescribeDefinition(def *Definition) (*DefinitionInfo, error) {
	prog, err := syntax.NewParser().Parse(bytes.NewReader(def.Source), def.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition %s: %w", def.Name, err)
	}
	info := &DefinitionInfo{Name: def.Name, Origin: def.Path}

	syntax.Walk(prog, func(node syntax.Node) bool {
		call, ok := node.(*syntax.CallExpr)
		if !ok || len(call.Args) == 0 {
			return true
		}
		args := make([]string, len(call.Args))
		for i, w := range call.Args {
			args[i] = wordText(w)
		}
		if pkg := directiveOf(args); pkg != nil {
			info.Packages = append(info.Packages, packageInfo(pkg))
		}
		return true
	})
	return info, nil
}

func directiveOf(args []string) *Package {
	var (
		pkg *Package
		err error
	)
	switch args[0] {
	case "install_package":
		pkg, err = ParseDirective("tarball", 1, args[1:])
	case "install_git":
		pkg, err = ParseDirective("git", 2, args[1:])
	case "install_package_using":
		if len(args) < 3 {
			return nil
		}
		argc, aerr := strconv.Atoi(args[2])
		if aerr != nil {
			return nil
		}
		pkg, err = ParseDirective(args[1], argc, args[3:])
	default:
		return nil
	}
	if err != nil {
		return nil
	}
	return pkg
}

func packageInfo(pkg *Package) PackageInfo {
	pi := PackageInfo{Name: pkg.Name, Kind: pkg.Kind}
	if len(pkg.Args) == 0 {
		return pi
	}
	switch pkg.Kind {
	case "tarball":
		pi.Source, pi.Checksum = SplitChecksum(pkg.Args[0])
	case "git":
		pi.Source, pi.Ref = pkg.Args[0], pkg.Args[1]
	default:
		pi.Source = strings.Join(pkg.Args, " ")
	}
	return pi
}

// wordText expands quotes in w, or prints it verbatim when it needs a
// shell to expand.
func wordText(w *syntax.Word) string {
	if s, err := expand.Literal(nil, w); err == nil && !hasExpansion(w) {
		return s
	}
	var b strings.Builder
	if err := syntax.NewPrinter().Print(&b, w); err != nil {
		return w.Lit()
	}
	return b.String()
}

func hasExpansion(w *syntax.Word) bool {
	found := false
	syntax.Walk(w, func(node syntax.Node) bool {
		switch node.(type) {
		case *syntax.ParamExp, *syntax.CmdSubst, *syntax.ArithmExp:
			found = true
		}
		return !found
	})
	return found
}
