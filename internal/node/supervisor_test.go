package node

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestHelperProcess(t *testing.T) {
	if os.Getenv(testutil.HelperEnv) != "1" {
		return
	}
	os.Exit(testutil.RunHelper(os.Args))
}

func fakeAnvilConfig(mode string) Config {
	binary, prefix, env := testutil.HelperCommand("anvil")
	if mode != "" {
		env = append(env, testutil.AnvilModeEnv+"="+mode)
	}
	return Config{
		Binary:            binary,
		PrefixArgs:        prefix,
		Env:               env,
		Port:              0,
		ForkURL:           "https://fork.example",
		ForkBlock:         22476889,
		ReadyTimeout:      10 * time.Second,
		ReadyPollInterval: 20 * time.Millisecond,
		StopTimeout:       2 * time.Second,
	}
}

func TestArgs(t *testing.T) {
	s := New(Config{ForkURL: "https://fork.example", ForkBlock: 22476889, ChainID: 31337}, nil)
	require.Equal(t, []string{
		"--host", "127.0.0.1",
		"--port", "8545",
		"--fork-url", "https://fork.example",
		"--fork-block-number", "22476889",
		"--chain-id", "31337",
	}, s.Args(8545))

	local := New(Config{ForkBlock: 10}, nil)
	require.Equal(t, []string{"--host", "127.0.0.1", "--port", "9000"}, local.Args(9000))
}

func TestStartStopLeavesNoProcess(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(fakeAnvilConfig(""), zap.New(core))

	require.NoError(t, s.Start(context.Background()))
	pid := s.PID()
	require.NotZero(t, pid)
	require.True(t, s.Running())
	require.True(t, testutil.ProcessAlive(pid))
	require.True(t, strings.HasPrefix(s.URL(), "http://127.0.0.1:"))
	require.NotZero(t, s.Port())

	s.Stop()
	require.False(t, s.Running())
	require.Zero(t, s.PID())
	require.False(t, testutil.ProcessAlive(pid))

	require.NotEmpty(t, logs.FilterMessageSnippet("Listening on").All(), "node stdout should be forwarded")
	require.Len(t, logs.FilterMessage("node stopped").All(), 1)
}

func TestStopIsIdempotentAndSafeWithoutStart(t *testing.T) {
	s := New(fakeAnvilConfig(""), nil)
	s.Stop()
	s.Stop()
	require.False(t, s.Running())

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	s.Stop()
	require.False(t, s.Running())
}

func TestStartTwiceIsUsageError(t *testing.T) {
	s := New(fakeAnvilConfig(""), nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	err := s.Start(context.Background())
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeUsage))
}

func TestStartFailsWhenPortBound(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	cfg := fakeAnvilConfig("")
	cfg.Port = ln.Addr().(*net.TCPAddr).Port
	s := New(cfg, nil)
	err = s.Start(context.Background())
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeStartup))
	require.Contains(t, err.Error(), "already in use")
	require.False(t, s.Running())
}

func TestStartFailsWhenNodeExitsEarly(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(fakeAnvilConfig("exit"), zap.New(core))

	err := s.Start(context.Background())
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeStartup))
	require.Contains(t, err.Error(), "exited before becoming ready")
	require.False(t, s.Running())
	require.Zero(t, s.PID())
	require.NotEmpty(t, logs.FilterField(zap.String("stream", "stderr")).All())
}

func TestStartTimesOutAndKillsNode(t *testing.T) {
	cfg := fakeAnvilConfig("hang")
	cfg.ReadyTimeout = 300 * time.Millisecond
	s := New(cfg, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeStartup))
	require.Contains(t, err.Error(), "not ready after")
	require.False(t, s.Running())
}

func TestStartMissingBinary(t *testing.T) {
	s := New(Config{Binary: "kmandex-no-such-anvil", Port: 0}, nil)
	err := s.Start(context.Background())
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeStartup))
}

func TestStopKillsNodeIgnoringInterrupt(t *testing.T) {
	cfg := fakeAnvilConfig("stubborn")
	cfg.StopTimeout = 200 * time.Millisecond
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	pid := s.PID()

	s.Stop()
	require.False(t, testutil.ProcessAlive(pid))
}

func TestSettleDelaySkipsPolling(t *testing.T) {
	cfg := fakeAnvilConfig("hang")
	cfg.SettleDelay = 50 * time.Millisecond
	s := New(cfg, nil)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	require.True(t, s.Running())
}

func TestStartHonoursContextCancellation(t *testing.T) {
	s := New(fakeAnvilConfig("hang"), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Start(ctx)
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeStartup))
	require.False(t, s.Running())
}
