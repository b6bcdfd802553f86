// Package env stands up a forked node with the KmanDEX contracts deployed
// and hands tests a ready connection to it.
package env

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gofrs/flock"
	"github.com/ggonzalez94/kmandex/internal/artifact"
	"github.com/ggonzalez94/kmandex/internal/chain"
	"github.com/ggonzalez94/kmandex/internal/config"
	"github.com/ggonzalez94/kmandex/internal/deploy"
	"github.com/ggonzalez94/kmandex/internal/dex"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/logging"
	"github.com/ggonzalez94/kmandex/internal/node"
	"github.com/ggonzalez94/kmandex/internal/registry"
	"github.com/ggonzalez94/kmandex/internal/runs"
	"go.uber.org/zap"
)

// Mainnet accounts and tokens used to fund test wallets.
var (
	usdc, _ = registry.LookupToken(1, "USDC")
	weth, _ = registry.LookupToken(1, "WETH")

	USDCAddress = usdc.Address
	USDCWhale   = usdc.Whale
	WETHAddress = weth.Address
	WETHWhale   = weth.Whale
)

type Options struct {
	Node   node.Config
	Deploy deploy.Config
	// RouterContract selects the CREATE record to resolve; empty takes the
	// first CREATE in the broadcast.
	RouterContract string
	LockDir        string
	PollInterval   time.Duration
	Ledger         *runs.Store
}

func OptionsFromSettings(s config.Settings) Options {
	return Options{
		Node: node.Config{
			Binary:            s.NodeBinary,
			Host:              s.NodeHost,
			Port:              s.NodePort,
			ForkURL:           s.ForkURL,
			ForkBlock:         s.ForkBlock,
			ChainID:           s.ChainID,
			ReadyTimeout:      s.ReadyTimeout,
			ReadyPollInterval: s.ReadyPollInterval,
			SettleDelay:       s.SettleDelay,
		},
		Deploy: deploy.Config{
			Binary:    s.DeployBinary,
			Script:    s.DeployScript,
			Dir:       s.ContractsDir,
			ExtraArgs: s.DeployArgs,
		},
		RouterContract: s.RouterContract,
		LockDir:        s.LockDir,
	}
}

type Environment struct {
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	supervisor *node.Supervisor
	driver     *deploy.Driver
	resolver   *artifact.Resolver
	portLock   *flock.Flock
	mutator    *chain.Mutator
	router     common.Address
	run        runs.Run

	// Set while Start runs so Stop can cancel it and wait for it to unwind.
	cancelStart   context.CancelFunc
	startDone     chan struct{}
	stopRequested bool
}

var errStopRequested = clierr.New(clierr.CodeStartup, "environment stopped while starting")

func New(opts Options, logger *zap.Logger) *Environment {
	logger = logging.OrNop(logger).Named("env")
	return &Environment{
		opts:       opts,
		logger:     logger,
		state:      StateCreated,
		supervisor: node.New(opts.Node, logger),
		driver:     deploy.New(opts.Deploy, logger),
	}
}

func (e *Environment) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Run returns the ledger record for this environment.
func (e *Environment) Run() runs.Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.run
}

// Start brings the node up, deploys the contracts and resolves the router.
// On failure every acquired resource is released before returning.
func (e *Environment) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateCreated {
		state := e.state
		e.mu.Unlock()
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("environment already started (state %s)", state))
	}
	e.state = StateStarting
	e.run = runs.Run{
		RunID:     runs.NewRunID(),
		Status:    runs.StatusStarting,
		ForkURL:   redactURL(e.opts.Node.ForkURL),
		ForkBlock: e.opts.Node.ForkBlock,
		StartedAt: time.Now().UTC(),
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.cancelStart, e.startDone = cancel, done
	e.mu.Unlock()
	e.record()
	defer func() {
		cancel()
		close(done)
	}()

	err := e.start(ctx)
	if err == nil {
		return nil
	}
	e.mu.Lock()
	stopping := e.stopRequested
	e.mu.Unlock()
	if stopping {
		e.teardown()
		if errors.Is(err, errStopRequested) {
			return err
		}
		return clierr.Wrap(clierr.CodeStartup, errStopRequested.Message, err)
	}
	e.fail(err)
	return err
}

func (e *Environment) start(ctx context.Context) error {
	if err := e.acquirePortLock(ctx); err != nil {
		return err
	}
	if err := e.supervisor.Start(ctx); err != nil {
		return err
	}
	rpcURL := e.supervisor.URL()
	e.mu.Lock()
	e.run.RPCURL = rpcURL
	e.run.NodePID = e.supervisor.PID()
	e.mu.Unlock()

	mutator, err := chain.Dial(ctx, rpcURL, e.logger)
	if err != nil {
		return clierr.Wrap(clierr.CodeStartup, "connect to node", err)
	}
	if e.opts.PollInterval > 0 {
		mutator.PollInterval = e.opts.PollInterval
	}
	e.mu.Lock()
	e.mutator = mutator
	e.mu.Unlock()

	chainID, err := mutator.Client().ChainID(ctx)
	if err != nil {
		return clierr.Wrap(clierr.CodeStartup, "read node chain id", err)
	}

	if _, err := e.driver.Run(ctx, rpcURL); err != nil {
		return err
	}

	resolver := artifact.NewResolver(e.opts.Deploy.Dir, e.driver.Script(), chainID.Int64())
	router, err := resolver.ResolveDeployedAddress(e.opts.RouterContract)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.stopRequested {
		e.mu.Unlock()
		return errStopRequested
	}
	e.resolver = resolver
	e.router = router
	e.state = StateReady
	e.run.Status = runs.StatusReady
	e.run.RouterAddress = router.Hex()
	e.run.ReadyAt = time.Now().UTC()
	runID := e.run.RunID
	e.mu.Unlock()
	e.record()

	e.logger.Info("environment ready",
		zap.String("run_id", runID),
		zap.String("rpc_url", rpcURL),
		zap.String("router", router.Hex()),
		zap.Int64("chain_id", chainID.Int64()),
	)
	return nil
}

// acquirePortLock serializes environments sharing a fixed node port across
// processes. Allocated ports need no lock.
func (e *Environment) acquirePortLock(ctx context.Context) error {
	port := e.opts.Node.Port
	if port == 0 {
		return nil
	}
	dir := e.opts.LockDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return clierr.Wrap(clierr.CodeStartup, "create lock directory", err)
	}
	lock := flock.New(filepath.Join(dir, fmt.Sprintf("node-%d.lock", port)))
	e.logger.Debug("waiting for node port lock", zap.String("path", lock.Path()))
	locked, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return clierr.Wrap(clierr.CodeStartup, fmt.Sprintf("acquire node port %d lock", port), err)
	}
	if !locked {
		return clierr.New(clierr.CodeStartup, fmt.Sprintf("node port %d lock not acquired", port))
	}
	e.mu.Lock()
	e.portLock = lock
	e.mu.Unlock()
	return nil
}

func (e *Environment) fail(err error) {
	e.teardown()
	code := clierr.CodeInternal
	if typed, ok := clierr.As(err); ok {
		code = typed.Code
	}
	e.mu.Lock()
	e.state = StateFailed
	e.run.Status = runs.StatusFailed
	e.run.Stage = clierr.Stage(code)
	e.run.Error = err.Error()
	e.run.StoppedAt = time.Now().UTC()
	runID := e.run.RunID
	e.mu.Unlock()
	e.record()
	e.logger.Error("environment failed to start", zap.String("run_id", runID), zap.String("stage", clierr.Stage(code)), zap.Error(err))
}

// Stop tears the environment down and moves it to Stopped. It is idempotent
// and valid in every state. A Start in progress is cancelled and Stop returns
// only after it has unwound. A failed run keeps its recorded failure.
func (e *Environment) Stop() {
	e.mu.Lock()
	switch e.state {
	case StateStopped:
		e.mu.Unlock()
		return
	case StateCreated:
		e.state = StateStopped
		e.mu.Unlock()
		return
	case StateStarting:
		e.stopRequested = true
		cancel, done := e.cancelStart, e.startDone
		e.mu.Unlock()
		cancel()
		<-done
	default:
		e.mu.Unlock()
	}

	e.teardown()

	e.mu.Lock()
	e.state = StateStopped
	if e.run.Status != runs.StatusFailed {
		e.run.Status = runs.StatusStopped
		e.run.StoppedAt = time.Now().UTC()
	}
	runID := e.run.RunID
	e.mu.Unlock()
	e.record()
	e.logger.Info("environment stopped", zap.String("run_id", runID))
}

// teardown closes the connection, stops the node and releases the port lock.
// Failures are swallowed.
func (e *Environment) teardown() {
	e.mu.Lock()
	mutator, lock := e.mutator, e.portLock
	e.mutator = nil
	e.portLock = nil
	e.resolver = nil
	e.mu.Unlock()

	if mutator != nil {
		mutator.Close()
	}
	e.supervisor.Stop()
	if lock != nil {
		_ = lock.Unlock()
	}
}

func (e *Environment) record() {
	if e.opts.Ledger == nil {
		return
	}
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()
	if err := e.opts.Ledger.Save(run); err != nil {
		e.logger.Warn("record run", zap.String("run_id", run.RunID), zap.Error(err))
	}
}

func (e *Environment) ready() error {
	if e.state != StateReady {
		return clierr.New(clierr.CodeUsage, fmt.Sprintf("environment not ready (state %s)", e.state))
	}
	return nil
}

func (e *Environment) Client() (*ethclient.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.mutator.Client(), nil
}

func (e *Environment) Mutator() (*chain.Mutator, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	return e.mutator, nil
}

// RouterAddress is the deployed router recovered from the broadcast record.
func (e *Environment) RouterAddress() (common.Address, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return common.Address{}, err
	}
	return e.router, nil
}

func (e *Environment) RPCURL() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return "", err
	}
	return e.run.RPCURL, nil
}

// ChainID is the chain id reported by the running node.
func (e *Environment) ChainID() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return 0, err
	}
	return e.resolver.ChainID, nil
}

func (e *Environment) Interface(contractName string) (artifact.Interface, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return artifact.Interface{}, err
	}
	return e.resolver.InterfaceOrFallback(contractName)
}

// DEX returns a read-write client bound to the deployed router.
func (e *Environment) DEX() (*dex.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, err
	}
	abis, err := dex.ABIsFromResolver(e.resolver)
	if err != nil {
		return nil, err
	}
	return dex.NewClient(e.mutator.Client(), e.router, abis).WithSubmitter(e.mutator), nil
}

func (e *Environment) ImpersonateWhale(ctx context.Context, whale common.Address) (*chain.Account, error) {
	m, err := e.Mutator()
	if err != nil {
		return nil, err
	}
	return m.Impersonate(ctx, whale)
}

// FundWallet moves amount of token from an impersonated whale to the wallet
// and waits for confirmation.
func (e *Environment) FundWallet(ctx context.Context, whale chain.Sender, token, to common.Address, amount *big.Int) (*types.Receipt, error) {
	m, err := e.Mutator()
	if err != nil {
		return nil, err
	}
	return m.FundWallet(ctx, whale, token, to, amount)
}

func (e *Environment) USDCWhale() common.Address   { return USDCWhale }
func (e *Environment) WETHWhale() common.Address   { return WETHWhale }
func (e *Environment) USDCAddress() common.Address { return USDCAddress }
func (e *Environment) WETHAddress() common.Address { return WETHAddress }

// redactURL keeps the scheme and host of a fork URL; provider URLs usually
// embed an API key in the path or query.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return "redacted"
	}
	return parsed.Scheme + "://" + parsed.Host
}
