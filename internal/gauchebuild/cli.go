package gauchebuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// ExitError carries a process exit status to Main.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

type cliFlags struct {
	keep        bool
	verbose     bool
	debug       bool
	definitions bool
	long        bool
	configFile  string
}

func versionString() string {
	if buildDate == "unknown" {
		return version
	}
	return fmt.Sprintf("%s (built %s)", version, buildDate)
}

func newRootCmd(ctx context.Context) *cobra.Command {
	var fl cliFlags
	cmd := &cobra.Command{
		Use:           AppName + " [-k|--keep] [-v|--verbose] <definition> <prefix>",
		Short:         "Build and install a Gauche version from a definition",
		Version:       versionString(),
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigWithFlags(&fl)
			if err != nil {
				return err
			}
			if fl.definitions {
				return listDefinitions(cmd.OutOrStdout(), cfg.DefinitionDirs, fl.long)
			}
			if len(args) != 2 {
				return fmt.Errorf("usage: %s", cmd.Use)
			}
			return Run(ctx, RunOptions{
				Definition: args[0],
				Prefix:     args[1],
				Keep:       fl.keep || cfg.KeepBuildPath,
				Verbose:    fl.verbose || cfg.Verbose,
				Config:     cfg,
				Stdout:     cmd.OutOrStdout(),
				Stderr:     cmd.ErrOrStderr(),
			})
		},
	}
	cmd.SetVersionTemplate(AppName + " {{.Version}}\n")

	f := cmd.PersistentFlags()
	f.BoolVarP(&fl.keep, "keep", "k", false, "keep the build directory after installation")
	f.BoolVarP(&fl.verbose, "verbose", "v", false, "show build output as it happens")
	f.BoolVar(&fl.debug, "debug", false, "enable debug logging")
	f.StringVar(&fl.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/gauche-build/config.toml)")
	cmd.Flags().BoolVar(&fl.definitions, "definitions", false, "list built-in definitions and exit")
	cmd.Flags().BoolVarP(&fl.long, "long", "l", false, "with --definitions, describe each definition's packages")

	cmd.AddCommand(newMirrorCmd(ctx, &fl))
	return cmd
}

func listDefinitions(out io.Writer, dirs []string, long bool) error {
	names, err := ListDefinitions(dirs)
	if err != nil {
		return err
	}
	if !long {
		for _, n := range names {
			fmt.Fprintln(out, n)
		}
		return nil
	}
	infos := make([]*DefinitionInfo, 0, len(names))
	for _, n := range names {
		def, err := ResolveDefinition(n, dirs)
		if err != nil {
			return err
		}
		info, err := DescribeDefinition(def)
		if err != nil {
			return err
		}
		infos = append(infos, info)
	}
	return showDefinitions(out, infos)
}

func loadConfigWithFlags(fl *cliFlags) (*Config, error) {
	cfg, err := LoadConfig(fl.configFile)
	if err != nil {
		return nil, err
	}
	SetDebug(fl.debug || cfg.Debug)
	return cfg, nil
}

func newMirrorCmd(ctx context.Context, fl *cliFlags) *cobra.Command {
	mirror := &cobra.Command{
		Use:   "mirror",
		Short: "Manage a checksum-keyed source mirror",
	}
	push := &cobra.Command{
		Use:   "push <s3://bucket/prefix>",
		Short: "Upload every cached archive to an S3-compatible mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigWithFlags(fl)
			if err != nil {
				return err
			}
			if cfg.CachePath == "" {
				return fmt.Errorf("%s_CACHE_PATH is not set; nothing to push", EnvPrefix)
			}
			m, err := NewS3Mirror(ctx, args[0], cfg.S3)
			if err != nil {
				return err
			}
			res, err := PushCache(ctx, m, cfg.CachePath, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			arrowf(cmd.OutOrStdout(), colSuccess, "%d uploaded, %d already mirrored\n", len(res.Uploaded), len(res.Skipped))
			return nil
		},
	}
	mirror.AddCommand(push)
	return mirror
}

// Execute runs the CLI with args and returns the process exit status.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(ctx)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	fmt.Fprintf(stderr, "%s: %v\n", AppName, err)
	return 1
}

// Main is the entrypoint of the gauche-build binary.
func Main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	finished := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			debugf("received %v, cancelling", sig)
			cancel()
		case <-finished:
			return
		}
		// A second signal skips the cleanup of the first.
		select {
		case <-sigs:
			colArrow.Print("\n-> ")
			colError.Println("Second interrupt received. Forcing immediate exit.")
			os.Exit(130)
		case <-finished:
		}
	}()

	code := Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	close(finished)
	os.Exit(code)
}
