package app

import (
	"errors"
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/ggonzalez94/kmandex/internal/runs"
	"github.com/spf13/cobra"
)

func (s *runtimeState) newRunsCommand() *cobra.Command {
	root := &cobra.Command{Use: "runs", Short: "Inspect the environment run ledger"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List recent environment runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := parseRunStatus(status)
			if err != nil {
				return err
			}
			items, err := s.runs.List(st, limit)
			if err != nil {
				return clierr.Wrap(clierr.CodeInternal, "list runs", err)
			}
			if items == nil {
				items = []runs.Run{}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), items)
		},
	}
	list.Flags().StringVar(&status, "status", "", "Filter by status (starting, ready, failed, stopped)")
	list.Flags().IntVar(&limit, "limit", 20, "Maximum runs to return")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one environment run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := s.runs.Get(strings.TrimSpace(args[0]))
			if err != nil {
				if errors.Is(err, runs.ErrNotFound) {
					return clierr.Wrap(clierr.CodeUsage, "show run", err)
				}
				return clierr.Wrap(clierr.CodeInternal, "show run", err)
			}
			s.lastRunID = run.RunID
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), run)
		},
	}

	root.AddCommand(list)
	root.AddCommand(show)
	return root
}

func parseRunStatus(raw string) (runs.Status, error) {
	st := runs.Status(strings.ToLower(strings.TrimSpace(raw)))
	switch st {
	case "", runs.StatusStarting, runs.StatusReady, runs.StatusFailed, runs.StatusStopped:
		return st, nil
	default:
		return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown run status %q", raw))
	}
}
