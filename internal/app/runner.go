package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggonzalez94/kmandex/internal/config"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"github.com/ggonzalez94/kmandex/internal/model"
	"github.com/ggonzalez94/kmandex/internal/out"
	"github.com/ggonzalez94/kmandex/internal/runs"
	"github.com/ggonzalez94/kmandex/internal/schema"
	"github.com/ggonzalez94/kmandex/internal/version"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	ctx    context.Context
	logger *zap.Logger
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		ctx:    context.Background(),
	}
}

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	logger      *zap.Logger
	runs        *runs.Store
	root        *cobra.Command
	lastCommand string
	lastRunID   string
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r, flags: config.NoFlags()}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.runs != nil {
		_ = s.runs.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "KmanDEX REST façade and forked-chain test harness",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings
			s.lastCommand = trimRootPath(cmd.CommandPath())

			if s.logger == nil {
				s.logger = s.runner.logger
			}
			if s.logger == nil {
				logger, err := logging.New(settings.LogLevel, settings.LogFormat)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "build logger", err)
				}
				s.logger = logger
			}
			if shouldOpenRunLedger(s.lastCommand) {
				if _, err := s.openRuns(); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated, dotted paths allowed)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Timeout for RPC-bound commands")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per HTTP request")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	pf.StringVar(&s.flags.ContractsDir, "contracts-dir", "", "Contracts root holding broadcast/ and out/")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "Node RPC URL")

	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newEnvCommand())
	cmd.AddCommand(s.newArtifactCommand())
	cmd.AddCommand(s.newFundCommand())
	cmd.AddCommand(s.newRunsCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data)
		},
	}
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = cmd.OutOrStdout().Write([]byte(version.Long() + "\n"))
				return
			}
			_, _ = cmd.OutOrStdout().Write([]byte(version.CLIVersion + "\n"))
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

// signalContext is cancelled on SIGINT or SIGTERM.
func (s *runtimeState) signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(s.runner.ctx, os.Interrupt, syscall.SIGTERM)
}

func (s *runtimeState) timeoutContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.settings.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.settings.Timeout)
}

func (s *runtimeState) openRuns() (*runs.Store, error) {
	if s.runs != nil {
		return s.runs, nil
	}
	store, err := runs.OpenStore(s.settings.RunsPath, s.settings.RunsLockPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInternal, "open run ledger", err)
	}
	s.runs = store
	return store, nil
}

func (s *runtimeState) emitSuccess(commandPath string, data any) error {
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: true,
		Data:    data,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			RunID:     s.lastRunID,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	body := &model.ErrorBody{
		Code:    clierr.ExitCode(err),
		Type:    clierr.Type(clierr.CodeInternal),
		Message: err.Error(),
	}
	if cErr, ok := clierr.As(err); ok {
		body.Type = clierr.Type(cErr.Code)
		body.Stage = clierr.Stage(cErr.Code)
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil

	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error:   body,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			RunID:     s.lastRunID,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func shouldOpenRunLedger(commandPath string) bool {
	switch strings.TrimSpace(commandPath) {
	case "env up", "runs list", "runs show":
		return true
	default:
		return false
	}
}

func newRequestID() string {
	return uuid.NewString()
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
