package app

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ggonzalez94/kmandex/internal/api"
	"github.com/ggonzalez94/kmandex/internal/artifact"
	"github.com/ggonzalez94/kmandex/internal/cache"
	"github.com/ggonzalez94/kmandex/internal/dex"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// defaultMaxStale bounds stale-if-error serving when the response cache is on.
const defaultMaxStale = 30 * time.Second

func (s *runtimeState) newServeCommand() *cobra.Command {
	var listen, router string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the KmanDEX REST façade against a node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(listen) == "" {
				listen = s.settings.ListenAddr
			}
			if strings.TrimSpace(router) == "" {
				router = s.settings.RouterAddress
			}
			routerAddr, err := parseAddress("router", router)
			if err != nil {
				return err
			}

			ctx, stop := s.signalContext()
			defer stop()

			client, err := ethclient.DialContext(ctx, s.settings.RPCURL)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("connect rpc %s", s.settings.RPCURL), err)
			}
			defer client.Close()

			resolver := artifact.NewResolver(s.settings.ContractsDir, s.settings.DeployScript, s.settings.ChainID)
			abis, err := dex.ABIsFromResolver(resolver)
			if err != nil {
				return err
			}

			opts, closeCache, err := s.apiOptions(routerAddr)
			if err != nil {
				return err
			}
			defer closeCache()

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("listen on %s", listen), err)
			}
			s.logger.Info("serving façade",
				zap.String("rpc_url", s.settings.RPCURL),
				zap.String("router", routerAddr.Hex()),
			)
			server := api.NewServer(dex.NewClient(client, routerAddr, abis), opts, s.logger)
			if err := server.Serve(ctx, ln); err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.ServeResult{Addr: ln.Addr().String(), Status: "stopped"})
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Listen address (defaults to api.listen or PORT)")
	cmd.Flags().StringVar(&router, "router", "", "Router contract address")
	return cmd
}

// apiOptions opens the response cache when api.cache_ttl is set. The
// returned func closes it.
func (s *runtimeState) apiOptions(router common.Address) (api.Options, func(), error) {
	opts := api.Options{RequestTimeout: s.settings.Timeout}
	if s.settings.APICacheTTL <= 0 {
		return opts, func() {}, nil
	}
	store, err := cache.Open(s.settings.CachePath, s.settings.CacheLockPath)
	if err != nil {
		return api.Options{}, nil, clierr.Wrap(clierr.CodeInternal, "open response cache", err)
	}
	opts.Cache = store.Scope(router.Hex())
	opts.CacheTTL = s.settings.APICacheTTL
	opts.MaxStale = defaultMaxStale
	// Entries written against a previous deployment at this address are stale.
	if err := opts.Cache.Purge(); err != nil {
		s.logger.Warn("reset response cache", zap.Error(err))
	}
	return opts, func() { _ = store.Close() }, nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("%s must be a hex address, got %q", field, raw))
	}
	return common.HexToAddress(raw), nil
}
