package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultForkBlock     = 22476889
	DefaultRouterAddress = "0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"
	// First anvil dev account; funded on every anvil instance.
	DefaultPrivateKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
)

type GlobalFlags struct {
	ConfigPath   string
	JSON         bool
	Plain        bool
	Select       string
	ResultsOnly  bool
	Timeout      string
	Retries      int
	LogLevel     string
	ContractsDir string
	RPCURL       string
	ForkURL      string
	ForkBlock    int64
	NodePort     int
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool

	Timeout    time.Duration
	Retries    int
	LogLevel   string
	LogFormat  string

	ForkURL           string
	ForkBlock         uint64
	NodeBinary        string
	NodeHost          string
	NodePort          int
	ChainID           int64
	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	SettleDelay       time.Duration
	LockDir           string

	ContractsDir   string
	DeployBinary   string
	DeployScript   string
	DeployArgs     []string
	RouterContract string

	RPCURL        string
	RouterAddress string
	PrivateKey    string
	ListenAddr    string
	APICacheTTL   time.Duration

	CachePath     string
	CacheLockPath string
	RunsPath      string
	RunsLockPath  string
}

type fileConfig struct {
	Output  string `yaml:"output"`
	Timeout string `yaml:"timeout"`
	Retries *int   `yaml:"retries"`
	Log     struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Node struct {
		Binary            string `yaml:"binary"`
		Host              string `yaml:"host"`
		Port              *int   `yaml:"port"`
		ForkURL           string `yaml:"fork_url"`
		ForkURLEnv        string `yaml:"fork_url_env"`
		ForkBlock         *int64 `yaml:"fork_block"`
		ChainID           *int64 `yaml:"chain_id"`
		ReadyTimeout      string `yaml:"ready_timeout"`
		ReadyPollInterval string `yaml:"ready_poll_interval"`
		SettleDelay       string `yaml:"settle_delay"`
		LockDir           string `yaml:"lock_dir"`
	} `yaml:"node"`
	Deploy struct {
		Binary         string   `yaml:"binary"`
		ContractsDir   string   `yaml:"contracts_dir"`
		Script         string   `yaml:"script"`
		Args           []string `yaml:"args"`
		RouterContract string   `yaml:"router_contract"`
	} `yaml:"deploy"`
	API struct {
		RPCURL        string `yaml:"rpc_url"`
		RouterAddress string `yaml:"router_address"`
		PrivateKey    string `yaml:"private_key"`
		PrivateKeyEnv string `yaml:"private_key_env"`
		Listen        string `yaml:"listen"`
		CacheTTL      string `yaml:"cache_ttl"`
	} `yaml:"api"`
	Storage struct {
		CachePath     string `yaml:"cache_path"`
		CacheLockPath string `yaml:"cache_lock_path"`
		RunsPath      string `yaml:"runs_path"`
		RunsLockPath  string `yaml:"runs_lock_path"`
	} `yaml:"storage"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 10 * time.Second
	}
	if settings.Retries < 0 {
		settings.Retries = 0
	}
	if settings.ReadyTimeout <= 0 {
		settings.ReadyTimeout = 30 * time.Second
	}
	if settings.ReadyPollInterval <= 0 {
		settings.ReadyPollInterval = 200 * time.Millisecond
	}
	if settings.NodePort < 0 || settings.NodePort > 65535 {
		return Settings{}, fmt.Errorf("node port must be between 0 and 65535")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:        "json",
		Timeout:           10 * time.Second,
		Retries:           2,
		LogLevel:          "info",
		LogFormat:         "console",
		ForkBlock:         DefaultForkBlock,
		NodeBinary:        "anvil",
		NodeHost:          "127.0.0.1",
		NodePort:          8545,
		ChainID:           1,
		ReadyTimeout:      30 * time.Second,
		ReadyPollInterval: 200 * time.Millisecond,
		LockDir:           filepath.Join(dataDir, "locks"),
		ContractsDir:      "contracts",
		DeployBinary:      "forge",
		DeployScript:      "script/KmanDEXRouter.s.sol",
		RouterContract:    "KmanDEXRouter",
		RPCURL:            "http://localhost:8545",
		RouterAddress:     DefaultRouterAddress,
		PrivateKey:        DefaultPrivateKey,
		ListenAddr:        ":3000",
		CachePath:         filepath.Join(dataDir, "cache.db"),
		CacheLockPath:     filepath.Join(dataDir, "cache.lock"),
		RunsPath:          filepath.Join(dataDir, "runs.db"),
		RunsLockPath:      filepath.Join(dataDir, "runs.lock"),
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "kmandex", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "kmandex"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := parseDurationInto(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Retries != nil {
		settings.Retries = *cfg.Retries
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}

	if cfg.Node.Binary != "" {
		settings.NodeBinary = cfg.Node.Binary
	}
	if cfg.Node.Host != "" {
		settings.NodeHost = cfg.Node.Host
	}
	if cfg.Node.Port != nil {
		settings.NodePort = *cfg.Node.Port
	}
	if cfg.Node.ForkURL != "" {
		settings.ForkURL = cfg.Node.ForkURL
	}
	if cfg.Node.ForkURLEnv != "" {
		settings.ForkURL = os.Getenv(cfg.Node.ForkURLEnv)
	}
	if cfg.Node.ForkBlock != nil {
		if *cfg.Node.ForkBlock < 0 {
			return fmt.Errorf("config node.fork_block must be non-negative")
		}
		settings.ForkBlock = uint64(*cfg.Node.ForkBlock)
	}
	if cfg.Node.ChainID != nil {
		settings.ChainID = *cfg.Node.ChainID
	}
	if err := parseDurationInto(cfg.Node.ReadyTimeout, "node.ready_timeout", &settings.ReadyTimeout); err != nil {
		return err
	}
	if err := parseDurationInto(cfg.Node.ReadyPollInterval, "node.ready_poll_interval", &settings.ReadyPollInterval); err != nil {
		return err
	}
	if err := parseDurationInto(cfg.Node.SettleDelay, "node.settle_delay", &settings.SettleDelay); err != nil {
		return err
	}
	if cfg.Node.LockDir != "" {
		settings.LockDir = cfg.Node.LockDir
	}

	if cfg.Deploy.Binary != "" {
		settings.DeployBinary = cfg.Deploy.Binary
	}
	if cfg.Deploy.ContractsDir != "" {
		settings.ContractsDir = cfg.Deploy.ContractsDir
	}
	if cfg.Deploy.Script != "" {
		settings.DeployScript = cfg.Deploy.Script
	}
	if len(cfg.Deploy.Args) > 0 {
		settings.DeployArgs = append([]string(nil), cfg.Deploy.Args...)
	}
	if cfg.Deploy.RouterContract != "" {
		settings.RouterContract = cfg.Deploy.RouterContract
	}

	if cfg.API.RPCURL != "" {
		settings.RPCURL = cfg.API.RPCURL
	}
	if cfg.API.RouterAddress != "" {
		settings.RouterAddress = cfg.API.RouterAddress
	}
	if cfg.API.PrivateKey != "" {
		settings.PrivateKey = cfg.API.PrivateKey
	}
	if cfg.API.PrivateKeyEnv != "" {
		settings.PrivateKey = os.Getenv(cfg.API.PrivateKeyEnv)
	}
	if cfg.API.Listen != "" {
		settings.ListenAddr = cfg.API.Listen
	}
	if err := parseDurationInto(cfg.API.CacheTTL, "api.cache_ttl", &settings.APICacheTTL); err != nil {
		return err
	}

	if cfg.Storage.CachePath != "" {
		settings.CachePath = cfg.Storage.CachePath
	}
	if cfg.Storage.CacheLockPath != "" {
		settings.CacheLockPath = cfg.Storage.CacheLockPath
	}
	if cfg.Storage.RunsPath != "" {
		settings.RunsPath = cfg.Storage.RunsPath
	}
	if cfg.Storage.RunsLockPath != "" {
		settings.RunsLockPath = cfg.Storage.RunsLockPath
	}

	return nil
}

func parseDurationInto(raw, field string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", field, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) {
	// Unprefixed names are the ones the original deployment scripts export.
	if v := os.Getenv("MAIN_NET_URL"); v != "" {
		settings.ForkURL = v
	}
	if v := os.Getenv("RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("CONTRACT_ADDRESS"); v != "" {
		settings.RouterAddress = v
	}
	if v := os.Getenv("PRIVATE_KEY"); v != "" {
		settings.PrivateKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		settings.ListenAddr = ":" + strings.TrimPrefix(v, ":")
	}

	if v := os.Getenv("KMANDEX_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("KMANDEX_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("KMANDEX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("KMANDEX_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("KMANDEX_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("KMANDEX_FORK_URL"); v != "" {
		settings.ForkURL = v
	}
	if v := os.Getenv("KMANDEX_FORK_BLOCK"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			settings.ForkBlock = n
		}
	}
	if v := os.Getenv("KMANDEX_NODE_BINARY"); v != "" {
		settings.NodeBinary = v
	}
	if v := os.Getenv("KMANDEX_NODE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.NodePort = n
		}
	}
	if v := os.Getenv("KMANDEX_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.ChainID = n
		}
	}
	if v := os.Getenv("KMANDEX_READY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.ReadyTimeout = d
		}
	}
	if v := os.Getenv("KMANDEX_LOCK_DIR"); v != "" {
		settings.LockDir = v
	}
	if v := os.Getenv("KMANDEX_CONTRACTS_DIR"); v != "" {
		settings.ContractsDir = v
	}
	if v := os.Getenv("KMANDEX_DEPLOY_BINARY"); v != "" {
		settings.DeployBinary = v
	}
	if v := os.Getenv("KMANDEX_DEPLOY_SCRIPT"); v != "" {
		settings.DeployScript = v
	}
	if v := os.Getenv("KMANDEX_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("KMANDEX_ROUTER_ADDRESS"); v != "" {
		settings.RouterAddress = v
	}
	if v := os.Getenv("KMANDEX_PRIVATE_KEY"); v != "" {
		settings.PrivateKey = v
	}
	if v := os.Getenv("KMANDEX_LISTEN_ADDR"); v != "" {
		settings.ListenAddr = v
	}
	if v := os.Getenv("KMANDEX_API_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.APICacheTTL = d
		}
	}
	if v := os.Getenv("KMANDEX_RUNS_PATH"); v != "" {
		settings.RunsPath = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitFields(flags.Select)
	}
	if flags.ResultsOnly {
		settings.ResultsOnly = true
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries >= 0 {
		settings.Retries = flags.Retries
	}
	if strings.TrimSpace(flags.LogLevel) != "" {
		settings.LogLevel = strings.ToLower(strings.TrimSpace(flags.LogLevel))
	}
	if strings.TrimSpace(flags.ContractsDir) != "" {
		settings.ContractsDir = strings.TrimSpace(flags.ContractsDir)
	}
	if strings.TrimSpace(flags.RPCURL) != "" {
		settings.RPCURL = strings.TrimSpace(flags.RPCURL)
	}
	if strings.TrimSpace(flags.ForkURL) != "" {
		settings.ForkURL = strings.TrimSpace(flags.ForkURL)
	}
	if flags.ForkBlock >= 0 {
		settings.ForkBlock = uint64(flags.ForkBlock)
	}
	if flags.NodePort >= 0 {
		settings.NodePort = flags.NodePort
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitFields(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if f := strings.TrimSpace(part); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// NoFlags is the zero-override flag set: numeric fields use -1 as "unset".
func NoFlags() GlobalFlags {
	return GlobalFlags{Retries: -1, ForkBlock: -1, NodePort: -1}
}
