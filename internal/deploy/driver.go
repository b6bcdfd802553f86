// Package deploy runs the forge deployment script against a running node.
package deploy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// Error reports a deployment tool that ran and exited unsuccessfully.
// ExitCode is -1 when the tool could not be started at all.
type Error struct {
	ExitCode int
	Err      error
}

func (e *Error) Error() string {
	if e.ExitCode < 0 {
		return fmt.Sprintf("deployment tool did not start: %v", e.Err)
	}
	return fmt.Sprintf("deployment tool exited with code %d", e.ExitCode)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Binary     string
	PrefixArgs []string
	Script     string
	// Dir is the contracts root; forge resolves the script and writes
	// broadcast records relative to it.
	Dir       string
	ExtraArgs []string
	Env       []string
}

type Result struct {
	Duration    time.Duration
	StdoutLines int
	StderrLines int
}

type Driver struct {
	cfg    Config
	logger *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = "forge"
	}
	if cfg.Script == "" {
		cfg.Script = "script/KmanDEXRouter.s.sol"
	}
	return &Driver{cfg: cfg, logger: logging.OrNop(logger).Named("deploy")}
}

func (d *Driver) Script() string { return d.cfg.Script }

func (d *Driver) Args(rpcURL string) []string {
	args := []string{"script", d.cfg.Script, "--rpc-url", rpcURL, "--broadcast"}
	return append(args, d.cfg.ExtraArgs...)
}

// Run executes the deployment script and blocks until it exits. Output is
// streamed to the logger and never interpreted.
func (d *Driver) Run(ctx context.Context, rpcURL string) (Result, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return Result{}, clierr.New(clierr.CodeUsage, "deployment requires an rpc url")
	}
	args := append(append([]string{}, d.cfg.PrefixArgs...), d.Args(rpcURL)...)
	cmd := exec.CommandContext(ctx, d.cfg.Binary, args...)
	cmd.Dir = d.cfg.Dir
	cmd.Env = append(os.Environ(), d.cfg.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "attach deployment stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "attach deployment stderr", err)
	}

	d.logger.Info("running deployment script",
		zap.String("binary", d.cfg.Binary),
		zap.String("script", d.cfg.Script),
		zap.String("dir", d.cfg.Dir),
		zap.String("rpc_url", rpcURL),
	)
	started := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, clierr.Wrap(clierr.CodeDeploy, "deployment failed", &Error{ExitCode: -1, Err: err})
	}

	var result Result
	var g errgroup.Group
	g.Go(func() error {
		n, err := d.stream(stdout, zapcore.InfoLevel, "stdout")
		result.StdoutLines = n
		return err
	})
	g.Go(func() error {
		n, err := d.stream(stderr, zapcore.WarnLevel, "stderr")
		result.StderrLines = n
		return err
	})
	streamErr := g.Wait()
	waitErr := cmd.Wait()
	result.Duration = time.Since(started)

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			d.logger.Error("deployment script failed", zap.Int("exit_code", code), zap.Duration("duration", result.Duration))
			if ctx.Err() != nil {
				return result, clierr.Wrap(clierr.CodeDeploy, "deployment cancelled", &Error{ExitCode: code, Err: ctx.Err()})
			}
			return result, clierr.Wrap(clierr.CodeDeploy, "deployment failed", &Error{ExitCode: code, Err: waitErr})
		}
		return result, clierr.Wrap(clierr.CodeDeploy, "deployment failed", &Error{ExitCode: -1, Err: waitErr})
	}
	if streamErr != nil {
		d.logger.Warn("deployment output truncated", zap.Error(streamErr))
	}
	d.logger.Info("deployment script completed", zap.Duration("duration", result.Duration))
	return result, nil
}

func (d *Driver) stream(r io.Reader, level zapcore.Level, name string) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lines := 0
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		lines++
		if ce := d.logger.Check(level, line); ce != nil {
			ce.Write(zap.String("stream", name))
		}
	}
	if err := scanner.Err(); err != nil {
		// Drain so the child never blocks on a full pipe.
		_, _ = io.Copy(io.Discard, r)
		return lines, err
	}
	return lines, nil
}

// ExitCode extracts the tool exit code from a deployment error.
func ExitCode(err error) (int, bool) {
	var deployErr *Error
	if errors.As(err, &deployErr) {
		return deployErr.ExitCode, true
	}
	return 0, false
}
