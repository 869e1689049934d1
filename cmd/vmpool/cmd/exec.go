package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hkuds/vmpool/internal/bridge"
	"github.com/hkuds/vmpool/internal/executor"
	"github.com/hkuds/vmpool/internal/sandbox"
)

var (
	codeFlag    string
	fileFlag    string
	resultFlag  string
	backendFlag string
	timeoutFlag time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec NAME",
	Short: "Run Python code in an instance",
	Long: `Run Python code in the named running instance and print its output. With --result the
expression is evaluated afterwards and its JSON value printed.

Backends:
  sandbox    notebook-kernel session in the guest VM (default)
  container  python3 inside the instance's container through docker exec
  local      python3 on this host, NAME is ignored`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

func init() {
	addCodeFlags(execCmd)
	execCmd.Flags().StringVar(&backendFlag, "backend", string(executor.KindSandbox), "Execution backend: sandbox, container or local")
	execCmd.Flags().DurationVar(&timeoutFlag, "timeout", 0, "Abort the run after this long (0 means no limit)")
}

func addCodeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&codeFlag, "code", "", "Python code to run")
	cmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Read the code from a file (- for stdin)")
	cmd.Flags().StringVar(&resultFlag, "result", "", "Expression whose JSON value is returned after the code runs")
	cmd.MarkFlagsMutuallyExclusive("code", "file")
}

// readRequest builds the request from --code, --file and --result.
func readRequest(stdin io.Reader) (executor.Request, error) {
	code := codeFlag
	switch fileFlag {
	case "":
	case "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return executor.Request{}, fmt.Errorf("failed to read code from stdin: %w", err)
		}
		code = string(data)
	default:
		data, err := os.ReadFile(fileFlag)
		if err != nil {
			return executor.Request{}, fmt.Errorf("failed to read code file: %w", err)
		}
		code = string(data)
	}
	if code == "" {
		return executor.Request{}, fmt.Errorf("no code given, use --code or --file")
	}
	return executor.Request{Code: code, ResultExpr: resultFlag}, nil
}

func runExec(cmd *cobra.Command, args []string) error {
	req, err := readRequest(cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	if timeoutFlag > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, timeoutFlag)
		defer cancelTimeout()
	}

	exec, cleanup, err := openExecutor(ctx, executor.Kind(backendFlag), args[0])
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := exec.Run(ctx, req)
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

// openExecutor returns the executor for kind, attached to the named instance
// where the backend needs one. cleanup never tears the instance down.
func openExecutor(ctx context.Context, kind executor.Kind, name string) (executor.Executor, func(), error) {
	if kind == executor.KindLocal {
		local := executor.NewLocalExecutor("", timeoutFlag)
		if !local.IsAvailable() {
			return nil, nil, fmt.Errorf("python3 not found on this host")
		}
		return local, func() {}, nil
	}

	env, err := newEnvironment(ctx)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := env.alloc.Lookup(name); !ok {
		env.Close()
		return nil, nil, fmt.Errorf("instance %s has no port assignment, create it first", name)
	}
	mgr, err := env.manager(ctx, name, false)
	if err != nil {
		env.Close()
		return nil, nil, err
	}
	if mgr.State() != sandbox.StateRunning {
		env.Close()
		return nil, nil, fmt.Errorf("instance %s is not running (%s)", name, mgr.State())
	}

	switch kind {
	case executor.KindContainer:
		ce := executor.NewContainerExecutor(env.docker, mgr.ContainerID())
		if timeoutFlag > 0 {
			ce.Timeout = timeoutFlag
		}
		return ce, env.Close, nil

	case executor.KindSandbox:
		opts := env.cfg.BridgeOptions()
		b, err := bridge.Open(ctx, "http://"+mgr.Endpoint(sandbox.PortExec), opts)
		if err != nil {
			env.Close()
			return nil, nil, err
		}
		return b, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := b.Close(closeCtx); err != nil {
				log.Warn().Err(err).Str("instance", name).Msg("failed to close execution session")
			}
			env.Close()
		}, nil

	default:
		env.Close()
		return nil, nil, fmt.Errorf("unknown backend %q", kind)
	}
}

func printResult(cmd *cobra.Command, res executor.Result) error {
	out := cmd.OutOrStdout()
	if res.Stdout != "" {
		fmt.Fprint(out, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	}
	if len(res.Value) > 0 {
		fmt.Fprintln(out, string(res.Value))
	}
	return nil
}
