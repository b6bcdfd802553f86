package app

import (
	"github.com/ggonzalez94/kmandex/internal/artifact"
	"github.com/ggonzalez94/kmandex/internal/model"
	"github.com/ggonzalez94/kmandex/internal/registry"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newArtifactCommand() *cobra.Command {
	root := &cobra.Command{Use: "artifact", Short: "Read forge broadcast records and build outputs"}

	var chainID int64
	var script string
	resolver := func() *artifact.Resolver {
		id := chainID
		if id <= 0 {
			id = s.settings.ChainID
		}
		sc := script
		if sc == "" {
			sc = s.settings.DeployScript
		}
		return artifact.NewResolver(s.settings.ContractsDir, sc, id)
	}

	address := &cobra.Command{
		Use:   "address <contract>",
		Short: "Resolve a contract's deployed address from the latest broadcast",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := resolver()
			addr, err := r.ResolveDeployedAddress(args[0])
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.DeployedContract{
				Contract:      args[0],
				Address:       addr.Hex(),
				ChainID:       r.ChainID,
				BroadcastPath: r.BroadcastPath(),
			})
		},
	}
	address.Flags().Int64Var(&chainID, "chain-id", 0, "Chain id of the broadcast (defaults to node.chain_id)")
	address.Flags().StringVar(&script, "script", "", "Deployment script path (defaults to deploy.script)")

	abiCmd := &cobra.Command{
		Use:   "abi <contract>",
		Short: "List a compiled contract's operations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r := resolver()
			iface, err := r.ResolveInterface(args[0])
			if err != nil {
				return err
			}
			ops := make([]model.ContractOperation, 0, len(iface.Operations))
			for _, op := range iface.Operations {
				ops = append(ops, model.ContractOperation{
					Name:            op.Name,
					Kind:            op.Kind,
					Signature:       op.Signature,
					StateMutability: op.StateMutability,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.ContractInterface{
				Contract:   iface.Name,
				Path:       r.InterfacePath(args[0]),
				Operations: ops,
			})
		},
	}

	tokens := &cobra.Command{
		Use:   "tokens",
		Short: "List the known tokens and funding whales for the configured chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			id := chainID
			if id <= 0 {
				id = s.settings.ChainID
			}
			list := registry.Tokens(id)
			items := make([]model.TokenInfo, 0, len(list))
			for _, tok := range list {
				items = append(items, model.TokenInfo{
					Symbol:   tok.Symbol,
					ChainID:  id,
					Address:  tok.Address.Hex(),
					Decimals: int(tok.Decimals),
					Whale:    tok.Whale.Hex(),
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items)
		},
	}
	tokens.Flags().Int64Var(&chainID, "chain-id", 0, "Chain id (defaults to node.chain_id)")

	root.AddCommand(address)
	root.AddCommand(abiCmd)
	root.AddCommand(tokens)
	return root
}
