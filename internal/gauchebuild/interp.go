package gauchebuild

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/shell"
	"mvdan.cc/sh/v3/syntax"
)

// builtinFunc implements a definition command. args excludes the command
// name. A returned error that is not an exit status aborts the definition.
type builtinFunc func(ctx context.Context, args []string) error

// Interpreter evaluates definition scripts in-process and routes their
// builtin commands to the installation pipeline.
type Interpreter struct {
	Pipeline *Pipeline
	Vars     Vars // configuration fallback behind the script's variables
	Env      []string
	Log      io.Writer

	runner   *interp.Runner
	builtins map[string]builtinFunc
}

// NewInterpreter wires an interpreter to p. The pipeline's predicate
// evaluator is replaced by one that runs inside the definition's shell.
func NewInterpreter(p *Pipeline, vars Vars, env []string, log io.Writer) *Interpreter {
	in := &Interpreter{Pipeline: p, Vars: vars, Env: env, Log: log}
	in.builtins = map[string]builtinFunc{
		"install_package":       in.installPackage,
		"install_package_using": in.installPackageUsing,
		"install_git":           in.installGit,
		"before_install":        in.beforeInstall,
		"after_install":         in.afterInstall,
		"define_build_step":     in.defineBuildStep,
	}
	p.Eval = in.evalPredicate
	return in
}

// Run executes def. It returns the first fatal builtin error, or an error
// for a nonzero exit of the script itself.
func (in *Interpreter) Run(ctx context.Context, def *Definition) error {
	prog, err := syntax.NewParser().Parse(bytes.NewReader(def.Source), def.Path)
	if err != nil {
		return fmt.Errorf("failed to parse definition %s: %w", def.Name, err)
	}

	runner, err := interp.New(
		interp.Dir(in.Pipeline.Workspace),
		interp.Env(expand.ListEnviron(in.Env...)),
		interp.StdIO(nil, in.Log, in.Log),
		interp.ExecHandlers(in.execHandler),
	)
	if err != nil {
		return fmt.Errorf("failed to create interpreter: %w", err)
	}
	in.runner = runner

	debugf("running definition %s (%s)", def.Name, def.Path)
	if err := runner.Run(ctx, prog); err != nil {
		var status interp.ExitStatus
		if errors.As(err, &status) {
			return fmt.Errorf("definition %s exited with status %d", def.Name, uint8(status))
		}
		return err
	}
	return nil
}

func (in *Interpreter) execHandler(next interp.ExecHandlerFunc) interp.ExecHandlerFunc {
	return func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return next(ctx, args)
		}
		b, ok := in.builtins[args[0]]
		if !ok {
			return next(ctx, args)
		}
		return b(ctx, args[1:])
	}
}

// pipelineFor returns a copy of the pipeline that resolves variables from
// the script first. Child processes get the script's exported variables.
func (in *Interpreter) pipelineFor(ctx context.Context) *Pipeline {
	env := interp.HandlerCtx(ctx).Env
	p := *in.Pipeline
	p.Vars = chainVars{envVars{env}, in.Vars}
	if p.Exec != nil {
		ex := *p.Exec
		ex.Env = exportedEnv(env)
		p.Exec = &ex
	}
	return &p
}

// exportedEnv lists the exported string variables of env as KEY=VALUE.
func exportedEnv(env expand.Environ) []string {
	vars := make(map[string]string)
	env.Each(func(name string, vr expand.Variable) bool {
		if !vr.IsSet() {
			delete(vars, name)
			return true
		}
		if vr.Exported && vr.Kind == expand.String {
			vars[name] = vr.String()
		}
		return true
	})
	list := make([]string, 0, len(vars))
	for k, v := range vars {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func (in *Interpreter) install(ctx context.Context, kind string, arity int, args []string) error {
	pkg, err := ParseDirective(kind, arity, args)
	if err != nil {
		return err
	}
	return in.pipelineFor(ctx).Install(ctx, pkg)
}

// install_package NAME URL[#CHECKSUM] [STEP...] [--if PRED]...
func (in *Interpreter) installPackage(ctx context.Context, args []string) error {
	return in.install(ctx, "tarball", 1, args)
}

// install_package_using KIND ARGC NAME ARGS... [STEP...] [--if PRED]...
func (in *Interpreter) installPackageUsing(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("install_package_using: usage: install_package_using KIND ARGC NAME ARGS...")
	}
	kind := args[0]
	argc, err := strconv.Atoi(args[1])
	if err != nil || argc < 0 {
		return fmt.Errorf("install_package_using: invalid argument count %q", args[1])
	}
	k, ok := in.Pipeline.Kinds[kind]
	if !ok {
		return fmt.Errorf("install_package_using: unknown fetch kind %q (known: %s)", kind, strings.Join(in.Pipeline.KindNames(), ", "))
	}
	if k.Arity != argc {
		return fmt.Errorf("install_package_using: fetch kind %q takes %d argument(s), not %d", kind, k.Arity, argc)
	}
	return in.install(ctx, kind, argc, args[2:])
}

// install_git NAME URL REF [STEP...] [--if PRED]...
func (in *Interpreter) installGit(ctx context.Context, args []string) error {
	return in.install(ctx, "git", 2, args)
}

func (in *Interpreter) beforeInstall(ctx context.Context, args []string) error {
	h, err := in.scriptHook("before_install", args)
	if err != nil {
		return err
	}
	in.Pipeline.Before = append(in.Pipeline.Before, h)
	return nil
}

func (in *Interpreter) afterInstall(ctx context.Context, args []string) error {
	h, err := in.scriptHook("after_install", args)
	if err != nil {
		return err
	}
	in.Pipeline.After = append(in.Pipeline.After, h)
	return nil
}

func (in *Interpreter) scriptHook(name string, args []string) (Hook, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("%s: expected one argument with shell code", name)
	}
	prog, err := parseSnippet(name, args[0])
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, pkg *Package, dir string) error {
		return in.runSnippet(ctx, prog, dir, map[string]string{"PACKAGE_NAME": pkg.Name})
	}, nil
}

// define_build_step NAME CODE
func (in *Interpreter) defineBuildStep(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("define_build_step: usage: define_build_step NAME CODE")
	}
	prog, err := parseSnippet("build step "+args[0], args[1])
	if err != nil {
		return err
	}
	in.Pipeline.Steps.Register(args[0], StepFunc(func(ctx context.Context, b *BuildContext) error {
		return in.runSnippet(ctx, prog, b.Dir, map[string]string{
			"PACKAGE_NAME": b.Package.Name,
			"PREFIX_PATH":  b.Prefix,
		})
	}))
	debugf("registered build step %s", args[0])
	return nil
}

func (in *Interpreter) evalPredicate(ctx context.Context, cond string) (bool, error) {
	prog, err := parseSnippet("--if", cond)
	if err != nil {
		return false, err
	}
	err = in.runSnippet(ctx, prog, in.Pipeline.Workspace, nil)
	if err == nil {
		return true, nil
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		return false, nil
	}
	return false, err
}

func parseSnippet(name, code string) (*syntax.File, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return prog, nil
}

// runSnippet runs prog in a subshell of the definition so its functions and
// variables are visible.
func (in *Interpreter) runSnippet(ctx context.Context, prog *syntax.File, dir string, vars map[string]string) error {
	if in.runner == nil {
		return fmt.Errorf("interpreter is not running")
	}
	sub := in.runner.Subshell()
	if err := interp.Dir(dir)(sub); err != nil {
		return err
	}
	if err := interp.StdIO(nil, in.Log, in.Log)(sub); err != nil {
		return err
	}
	if len(vars) > 0 {
		var assigns []string
		for k, v := range vars {
			q, err := syntax.Quote(v, syntax.LangBash)
			if err != nil {
				return err
			}
			assigns = append(assigns, "export "+k+"="+q)
		}
		sort.Strings(assigns)
		pre, err := parseSnippet("environment", strings.Join(assigns, "\n"))
		if err != nil {
			return err
		}
		prog = &syntax.File{Name: prog.Name, Stmts: append(pre.Stmts, prog.Stmts...)}
	}
	return sub.Run(ctx, prog)
}

// envVars exposes shell variables, including indexed arrays, as Vars.
type envVars struct {
	env expand.Environ
}

func (e envVars) Lookup(name string) (string, bool) {
	vr := e.env.Get(name)
	if !vr.IsSet() {
		return "", false
	}
	if vr.Kind == expand.Indexed {
		return strings.Join(vr.List, " "), true
	}
	return vr.String(), true
}

func (e envVars) LookupList(name string) ([]string, bool) {
	vr := e.env.Get(name)
	if !vr.IsSet() {
		return nil, false
	}
	if vr.Kind == expand.Indexed {
		return append([]string(nil), vr.List...), true
	}
	fields, err := shell.Fields(vr.String(), nil)
	if err != nil {
		return strings.Fields(vr.String()), true
	}
	return fields, true
}
