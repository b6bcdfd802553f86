package app

import (
	"fmt"
	"net"

	"github.com/ggonzalez94/kmandex/internal/api"
	"github.com/ggonzalez94/kmandex/internal/env"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (s *runtimeState) newEnvCommand() *cobra.Command {
	root := &cobra.Command{Use: "env", Short: "Forked test environment commands"}

	var once, serve bool
	var listen string
	up := &cobra.Command{
		Use:   "up",
		Short: "Start a forked node, deploy KmanDEX and hold it until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := s.signalContext()
			defer stop()

			opts := env.OptionsFromSettings(s.settings)
			opts.Ledger = s.runs
			e := env.New(opts, s.logger)
			defer e.Stop()

			err := e.Start(ctx)
			s.lastRunID = e.Run().RunID
			if err != nil {
				return err
			}

			session, err := sessionFor(e)
			if err != nil {
				return err
			}

			var (
				server *api.Server
				ln     net.Listener
			)
			if serve {
				if listen == "" {
					listen = s.settings.ListenAddr
				}
				client, err := e.DEX()
				if err != nil {
					return err
				}
				router, _ := e.RouterAddress()
				opts, closeCache, err := s.apiOptions(router)
				if err != nil {
					return err
				}
				defer closeCache()
				ln, err = net.Listen("tcp", listen)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, fmt.Sprintf("listen on %s", listen), err)
				}
				server = api.NewServer(client, opts, s.logger)
				session.APIAddr = ln.Addr().String()
			}

			if err := s.emitSuccess(trimRootPath(cmd.CommandPath()), session); err != nil {
				return err
			}
			if once {
				if ln != nil {
					_ = ln.Close()
				}
				return nil
			}
			if server != nil {
				return server.Serve(ctx, ln)
			}
			s.logger.Info("holding environment until interrupted", zap.String("run_id", session.RunID))
			<-ctx.Done()
			return nil
		},
	}
	up.Flags().BoolVar(&once, "once", false, "Stop the environment right after reporting it")
	up.Flags().BoolVar(&serve, "serve", false, "Also serve the REST façade against the environment")
	up.Flags().StringVar(&listen, "listen", "", "Façade listen address when --serve is set")
	up.Flags().StringVar(&s.flags.ForkURL, "fork-url", "", "Upstream RPC URL to fork")
	up.Flags().Int64Var(&s.flags.ForkBlock, "fork-block", -1, "Block number to fork at")
	up.Flags().IntVar(&s.flags.NodePort, "port", -1, "Node port (0 allocates a free port)")
	root.AddCommand(up)
	return root
}

func sessionFor(e *env.Environment) (model.EnvSession, error) {
	rpcURL, err := e.RPCURL()
	if err != nil {
		return model.EnvSession{}, err
	}
	router, err := e.RouterAddress()
	if err != nil {
		return model.EnvSession{}, err
	}
	chainID, err := e.ChainID()
	if err != nil {
		return model.EnvSession{}, err
	}
	run := e.Run()
	return model.EnvSession{
		RunID:         run.RunID,
		RPCURL:        rpcURL,
		ChainID:       chainID,
		RouterAddress: router.Hex(),
		NodePID:       run.NodePID,
		ForkBlock:     run.ForkBlock,
	}, nil
}
