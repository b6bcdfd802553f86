// Package node supervises a forked anvil node running as a child process.
package node

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/httpx"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"go.uber.org/zap"
)

type Config struct {
	Binary string
	// PrefixArgs are placed before the generated node flags, e.g. when the
	// node runs through a wrapper command.
	PrefixArgs        []string
	Host              string
	Port              int // 0 allocates a free port
	ForkURL           string
	ForkBlock         uint64
	ChainID           int64
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	// SettleDelay > 0 replaces readiness polling with a fixed wait.
	SettleDelay time.Duration
	// StopTimeout bounds the wait after an interrupt before the node is killed.
	StopTimeout time.Duration
	Env         []string
	ExtraArgs   []string
}

type Supervisor struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	port    int
	done    chan struct{}
	waitErr error
	stdout  *lineWriter
	stderr  *lineWriter
}

func New(cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.Binary == "" {
		cfg.Binary = "anvil"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 30 * time.Second
	}
	if cfg.ReadyPollInterval <= 0 {
		cfg.ReadyPollInterval = 200 * time.Millisecond
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Supervisor{cfg: cfg, logger: logging.OrNop(logger).Named("node"), port: cfg.Port}
}

// Args returns the node flags for the given port.
func (s *Supervisor) Args(port int) []string {
	args := []string{"--host", s.cfg.Host, "--port", strconv.Itoa(port)}
	if strings.TrimSpace(s.cfg.ForkURL) != "" {
		args = append(args, "--fork-url", s.cfg.ForkURL)
		if s.cfg.ForkBlock > 0 {
			args = append(args, "--fork-block-number", strconv.FormatUint(s.cfg.ForkBlock, 10))
		}
	}
	if s.cfg.ChainID > 0 {
		args = append(args, "--chain-id", strconv.FormatInt(s.cfg.ChainID, 10))
	}
	return append(args, s.cfg.ExtraArgs...)
}

// Start spawns the node and blocks until it answers JSON-RPC. On any failure
// the child process is terminated before Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cmd != nil {
		s.mu.Unlock()
		return clierr.New(clierr.CodeUsage, "node already running")
	}
	port, err := s.reservePort()
	if err != nil {
		s.mu.Unlock()
		return err
	}

	args := append(append([]string{}, s.cfg.PrefixArgs...), s.Args(port)...)
	cmd := exec.Command(s.cfg.Binary, args...)
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	s.stdout = newLineWriter(s.logger, "stdout")
	s.stderr = newLineWriter(s.logger, "stderr")
	cmd.Stdout = s.stdout
	cmd.Stderr = s.stderr
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return clierr.Wrap(clierr.CodeStartup, fmt.Sprintf("start %s", s.cfg.Binary), err)
	}
	done := make(chan struct{})
	s.cmd = cmd
	s.port = port
	s.done = done
	s.waitErr = nil
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.waitErr = err
		s.mu.Unlock()
		close(done)
	}()
	s.mu.Unlock()

	s.logger.Info("node started",
		zap.String("binary", s.cfg.Binary),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("port", port),
		zap.Uint64("fork_block", s.cfg.ForkBlock),
	)

	if err := s.waitReady(ctx, done); err != nil {
		s.Stop()
		return err
	}
	s.logger.Info("node ready", zap.String("url", s.URL()))
	return nil
}

func (s *Supervisor) reservePort() (int, error) {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, clierr.Wrap(clierr.CodeStartup, fmt.Sprintf("node port %d already in use", s.cfg.Port), err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port, nil
}

func (s *Supervisor) waitReady(ctx context.Context, done <-chan struct{}) error {
	if s.cfg.SettleDelay > 0 {
		select {
		case <-time.After(s.cfg.SettleDelay):
			return s.exitedEarly(done)
		case <-done:
			return s.exitError()
		case <-ctx.Done():
			return clierr.Wrap(clierr.CodeStartup, "wait for node", ctx.Err())
		}
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.ReadyTimeout)
	defer cancel()
	requestTimeout := 5 * s.cfg.ReadyPollInterval
	if requestTimeout < time.Second {
		requestTimeout = time.Second
	}
	// One attempt per tick; the ticker is the retry loop.
	client := httpx.New(requestTimeout, probeRetries)
	ticker := time.NewTicker(s.cfg.ReadyPollInterval)
	defer ticker.Stop()
	attempts := 0
	for {
		attempts++
		if err := ping(readyCtx, client, s.URL()); err == nil {
			s.logger.Debug("node answered readiness probe", zap.Int("attempts", attempts))
			return nil
		}
		select {
		case <-done:
			return s.exitError()
		case <-readyCtx.Done():
			if ctx.Err() != nil {
				return clierr.Wrap(clierr.CodeStartup, "wait for node", ctx.Err())
			}
			return clierr.New(clierr.CodeStartup, fmt.Sprintf("node not ready after %s (%d probes)", s.cfg.ReadyTimeout, attempts))
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) exitedEarly(done <-chan struct{}) error {
	select {
	case <-done:
		return s.exitError()
	default:
		return nil
	}
}

func (s *Supervisor) exitError() error {
	s.mu.Lock()
	err := s.waitErr
	s.mu.Unlock()
	if err == nil {
		return clierr.New(clierr.CodeStartup, "node exited before becoming ready")
	}
	return clierr.Wrap(clierr.CodeStartup, "node exited before becoming ready", err)
}

const probeRetries = 0

func ping(ctx context.Context, client *httpx.Client, url string) error {
	var chainID string
	return client.Call(ctx, url, "eth_chainId", &chainID)
}

// Stop terminates the node if it is running. It is safe to call repeatedly
// and on a supervisor that was never started.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cmd, done := s.cmd, s.done
	s.cmd = nil
	s.done = nil
	s.mu.Unlock()
	if cmd == nil {
		return
	}

	_ = cmd.Process.Signal(os.Interrupt)
	select {
	case <-done:
	case <-time.After(s.cfg.StopTimeout):
		_ = cmd.Process.Kill()
		<-done
	}
	if s.stdout != nil {
		s.stdout.Flush()
	}
	if s.stderr != nil {
		s.stderr.Flush()
	}
	s.logger.Info("node stopped", zap.Int("pid", cmd.Process.Pid))
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// PID returns the child's pid, or 0 when no process is held.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

func (s *Supervisor) URL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.Port())))
}
