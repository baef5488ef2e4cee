package gauchebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RunOptions are the inputs of one gauche-build invocation.
type RunOptions struct {
	Definition string
	Prefix     string
	Keep       bool
	Verbose    bool
	Config     *Config
	Stdout     io.Writer
	Stderr     io.Writer
}

// Run installs a definition into a prefix. It owns the workspace and log
// for the whole run and turns every failure into an *ExitError.
func Run(ctx context.Context, opt RunOptions) error {
	cfg := opt.Config
	out, errOut := opt.Stdout, opt.Stderr
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	def, err := ResolveDefinition(opt.Definition, cfg.DefinitionDirs)
	if err != nil {
		if errors.Is(err, ErrDefinitionNotFound) {
			fmt.Fprintf(errOut, "%s: definition not found: %s\n", AppName, opt.Definition)
			return &ExitError{Code: 2, Err: err}
		}
		return fail(errOut, err)
	}

	prefix, err := filepath.Abs(opt.Prefix)
	if err != nil {
		return fail(errOut, fmt.Errorf("failed to resolve prefix %s: %w", opt.Prefix, err))
	}
	if err := checkPrefix(prefix); err != nil {
		return fail(errOut, err)
	}

	seed := fmt.Sprintf("%s.%d", time.Now().Format("20060102150405"), os.Getpid())
	workspace := cfg.BuildPath
	if workspace == "" {
		workspace = filepath.Join(cfg.TmpDir, AppName+"."+seed)
	}
	logPath := filepath.Join(cfg.TmpDir, AppName+"."+seed+".log")

	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return fail(errOut, fmt.Errorf("failed to create workspace: %w", err))
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_TRUNC, 0o644)
	if err != nil {
		_ = os.Remove(workspace)
		return fail(errOut, fmt.Errorf("failed to create log: %w", err))
	}
	debugf("workspace %s, log %s", workspace, logPath)

	var followDone <-chan struct{}
	stopFollow := func() {}
	if opt.Verbose {
		out = &lockedWriter{w: out}
		fctx, cancel := context.WithCancel(context.Background())
		followDone, err = followLog(fctx, logPath, out)
		if err != nil {
			logger.Warn("cannot follow log", "err", err)
			cancel()
		} else {
			stopFollow = func() {
				cancel()
				<-followDone
			}
		}
	}

	err = install(ctx, cfg, def, prefix, workspace, logPath, logFile, opt.Verbose, out)
	logFile.Close()
	stopFollow()

	switch {
	case err == nil:
		if !opt.Keep {
			_ = os.RemoveAll(workspace)
		}
		_ = os.Remove(logPath)
		return nil
	case ctx.Err() != nil:
		fmt.Fprintln(errOut)
		fmt.Fprintln(errOut, colWarn.Sprint("Interrupt detected; aborting..."))
		if !opt.Keep {
			_ = os.RemoveAll(workspace)
		}
		return &ExitError{Code: 1, Err: ctx.Err()}
	default:
		buildFailed(errOut, err, workspace, logPath)
		return &ExitError{Code: 1, Err: err}
	}
}

// fail reports an error that happened before the build started.
func fail(w io.Writer, err error) *ExitError {
	fmt.Fprintf(w, "%s: %v\n", AppName, err)
	return &ExitError{Code: 1, Err: err}
}

// buildFailed reports a failed run. The workspace is removed only when it
// is empty; otherwise it is left for inspection.
func buildFailed(w io.Writer, err error, workspace, logPath string) {
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s (%s %s)\n", colError.Sprint("BUILD FAILED"), AppName, version)
	fmt.Fprintln(w)
	arrowf(w, colError, "%v\n", err)

	if os.Remove(workspace) == nil {
		return
	}
	fmt.Fprintf(w, "Inspect or clean up the working tree at %s\n", workspace)
	if !fileNotEmpty(logPath) {
		return
	}
	fmt.Fprintln(w, colWarn.Sprintf("Results logged to %s", logPath))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Last 10 log lines:")
	lines, terr := tailLines(logPath, 10)
	if terr != nil {
		debugf("failed to tail %s: %v", logPath, terr)
		return
	}
	fmt.Fprintln(w, strings.Join(lines, "\n"))
}

// install wires the pipeline for one run and executes the definition.
func install(ctx context.Context, cfg *Config, def *Definition, prefix, workspace, logPath string, log io.Writer, verbose bool, out io.Writer) error {
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return fmt.Errorf("failed to create prefix %s: %w", prefix, err)
	}

	env := cfg.Environ()
	for k, v := range map[string]string{
		"PREFIX_PATH":     prefix,
		"BUILD_PATH":      workspace,
		"LOG_PATH":        logPath,
		"DEFINITION_NAME": def.Name,
	} {
		env = setEnv(env, k, v)
	}

	t, err := selectTransport(cfg.HTTPClient, transportOptions{Log: log, Progress: verbose})
	if err != nil {
		return err
	}
	fetcher := &Fetcher{
		Workspace: workspace,
		Transport: t,
		Verifier:  NewVerifier(cfg.StrictChecksum, out),
		Out:       out,
	}
	if cfg.CachePath != "" {
		cachePath, err := filepath.Abs(cfg.CachePath)
		if err != nil {
			return err
		}
		fetcher.Cache = &Cache{Dir: cachePath}
	}
	if cfg.MirrorURL != "" && !cfg.SkipMirror {
		m, err := newMirror(ctx, cfg.MirrorURL, t, cfg.S3)
		if err != nil {
			return err
		}
		fetcher.Mirror = m
	}

	p := &Pipeline{
		Workspace:    workspace,
		Prefix:       prefix,
		Fetcher:      fetcher,
		Steps:        NewStepRegistry(),
		Kinds:        DefaultFetchKinds(),
		Exec:         NewExecutor(ctx, env, log),
		Make:         cfg.Make,
		CC:           cfg.CC,
		KeepArchives: cfg.KeepArchives,
		Out:          out,
		Log:          log,
	}
	in := NewInterpreter(p, cfg.Vars(), env, log)
	return in.Run(ctx, def)
}
