// Package cli implements the wingpf command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wingpf.tools/call"
	"wingpf.tools/engine"
	"wingpf.tools/internal/config"
	"wingpf.tools/internal/logging"
	"wingpf.tools/jsr"
	"wingpf.tools/rt"
)

// exitError carries a program's exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

type app struct {
	env    []string
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *zap.Logger
}

// Run executes the command line in argv and returns the process exit code.
func Run(envp []string, argv []string, in io.Reader, out, errOut io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(errOut, "wingpf: %v\n", err)
		return engine.ExitFailure
	}
	logger, err := logging.NewWithWriter(cfg.Log, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "wingpf: %v\n", err)
		return engine.ExitFailure
	}
	defer func() { _ = logging.Sync(logger) }()

	a := &app{env: envp, in: in, out: out, errOut: errOut, cfg: cfg, logger: logger}
	cmd := a.rootCmd()
	if len(argv) > 0 {
		argv = argv[1:]
	}
	cmd.SetArgs(argv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = cmd.ExecuteContext(ctx)
	var exit *exitError
	switch {
	case errors.As(err, &exit):
		return exit.code
	case err != nil:
		fmt.Fprintf(errOut, "wingpf: %v\n", err)
		return engine.ExitFailure
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wingpf",
		Short: "Run JavaScript and Starlark programs",
		Long: `wingpf runs a program on an embedded script engine.

Programs are local files or directories, URLs, or bare references such as
"hello/world" that resolve against the default host.`,
		Version:       jsr.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	root.AddCommand(a.runCmd(), a.enginesCmd(), a.versionCmd())
	return root
}

type runFlags struct {
	engine  string
	context string
	eval    string
}

func (a *app) runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [flags] <program> [args...]",
		Short: "Run a program",
		Long: `Run a program and exit with its exit code.

Examples:
  # Run a local script
  wingpf run ./tool.js arg1

  # Run a Starlark program with a context string
  wingpf run --context prod deploy.star

  # Run inline code
  wingpf run -e 'console.log(process.argv)' -- a b`,
		Args: func(cmd *cobra.Command, args []string) error {
			if f.eval == "" && len(args) == 0 {
				return errors.New("requires a program or -e code")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context(), cmd, f, args)
		},
	}
	cmd.Flags().StringVar(&f.engine, "engine", "", "engine to run the program on (nodejs, quickjs, starlark)")
	cmd.Flags().StringVar(&f.context, "context", "", "context string handed to the program (default: working directory)")
	cmd.Flags().StringVarP(&f.eval, "eval", "e", "", "run code instead of a program")
	cmd.Flags().SetInterspersed(false)
	return cmd
}

func (a *app) run(ctx context.Context, cmd *cobra.Command, f runFlags, args []string) error {
	host, err := rt.NewHost(a.cfg.Home, a.cfg.Host, a.logger)
	if err != nil {
		return err
	}
	defer host.Close()

	var name, src string
	if f.eval != "" {
		src = f.eval
	} else {
		if name, src, err = host.LoadProgram(ctx, args[0]); err != nil {
			return fmt.Errorf("failed to load program %q: %w", args[0], err)
		}
		args = args[1:]
	}

	t := a.cfg.EngineType()
	if cmd.Flags().Changed("engine") {
		if t, err = engine.ParseType(f.engine); err != nil {
			return err
		}
	} else if name != "" {
		t = engineFor(name, t)
	}

	scriptContext := f.context
	if !cmd.Flags().Changed("context") {
		if scriptContext, err = os.Getwd(); err != nil {
			return err
		}
	}

	prep := call.New(t,
		call.WithLogger(a.logger),
		call.WithLoader(host),
		call.WithStdout(a.out),
		call.WithStderr(a.errOut),
		call.WithMemoryLimit(a.cfg.MemoryLimit))
	defer prep.Free()
	prep.SetProgram(src)
	prep.SetContext(scriptContext)
	prep.SetName(name)
	argvName := name
	if argvName == "" {
		argvName = "[eval]"
	}
	prep.SetArgs(scriptArgv(t, argvName, args))
	prep.SetEnv(a.env)

	code, err := prep.Call(ctx)
	var engErr *engine.Error
	if errors.As(err, &engErr) && engErr.Kind == engine.KindInit {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}

func (a *app) enginesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List script engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, t := range engine.Registered() {
				if _, err := engine.New(t, engine.Options{}); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\tunavailable\t%v\n", t, errors.Unwrap(err))
					continue
				}
				marker := ""
				if t == a.cfg.EngineType() {
					marker = "\tdefault"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tavailable%s\n", t, marker)
			}
			return nil
		},
	}
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "wingpf %s\n", jsr.Version)
		},
	}
}
