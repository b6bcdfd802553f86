package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"MAIN_NET_URL", "RPC_URL", "CONTRACT_ADDRESS", "PRIVATE_KEY", "PORT",
		"KMANDEX_OUTPUT", "KMANDEX_FORK_URL", "KMANDEX_NODE_PORT", "KMANDEX_FORK_BLOCK",
		"KMANDEX_RPC_URL", "KMANDEX_ROUTER_ADDRESS", "KMANDEX_PRIVATE_KEY", "KMANDEX_LISTEN_ADDR",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	clearEnv(t)
	tmp := t.TempDir()
	configPath := filepath.Join(tmp, "config.yaml")
	content := "output: plain\nretries: 1\nnode:\n  port: 9545\n  fork_url: https://file.example\n"
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("KMANDEX_OUTPUT", "json")
	t.Setenv("KMANDEX_FORK_URL", "https://env.example")
	flags := NoFlags()
	flags.ConfigPath = configPath
	flags.Plain = true
	flags.Retries = 5
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 5 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	if settings.NodePort != 9545 {
		t.Fatalf("expected node port from file, got %d", settings.NodePort)
	}
	if settings.ForkURL != "https://env.example" {
		t.Fatalf("expected env fork url to win over file, got %s", settings.ForkURL)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	settings, err := Load(NoFlags())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.ForkBlock != DefaultForkBlock {
		t.Fatalf("unexpected fork block: %d", settings.ForkBlock)
	}
	if settings.NodePort != 8545 || settings.NodeBinary != "anvil" || settings.DeployBinary != "forge" {
		t.Fatalf("unexpected node defaults: %+v", settings)
	}
	if settings.ReadyTimeout != 30*time.Second {
		t.Fatalf("unexpected ready timeout: %s", settings.ReadyTimeout)
	}
	if settings.ListenAddr != ":3000" {
		t.Fatalf("unexpected listen addr: %s", settings.ListenAddr)
	}
}

func TestLoadLegacyEnvNames(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAIN_NET_URL", "https://mainnet.example")
	t.Setenv("CONTRACT_ADDRESS", "0x0000000000000000000000000000000000000abc")
	t.Setenv("PORT", "4000")
	settings, err := Load(NoFlags())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.ForkURL != "https://mainnet.example" {
		t.Fatalf("expected MAIN_NET_URL to set fork url, got %q", settings.ForkURL)
	}
	if settings.RouterAddress != "0x0000000000000000000000000000000000000abc" {
		t.Fatalf("unexpected router address: %s", settings.RouterAddress)
	}
	if settings.ListenAddr != ":4000" {
		t.Fatalf("unexpected listen addr: %s", settings.ListenAddr)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	clearEnv(t)
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("node:\n  ready_timeout: soon\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	flags := NoFlags()
	flags.ConfigPath = configPath
	if _, err := Load(flags); err == nil {
		t.Fatal("expected invalid duration error")
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	clearEnv(t)
	flags := NoFlags()
	flags.JSON = true
	flags.Plain = true
	if _, err := Load(flags); err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadSelectFields(t *testing.T) {
	clearEnv(t)
	flags := NoFlags()
	flags.Select = "poolAddress, tokenA ,"
	flags.ResultsOnly = true
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(settings.SelectFields) != 2 || settings.SelectFields[0] != "poolAddress" || settings.SelectFields[1] != "tokenA" {
		t.Fatalf("unexpected select fields: %#v", settings.SelectFields)
	}
	if !settings.ResultsOnly {
		t.Fatal("expected results-only")
	}
}
