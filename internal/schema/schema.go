// Package schema describes the command tree in machine-readable form so
// scripts can discover commands and flags without parsing help text.
package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Args        []string        `json:"args,omitempty"`
	Runnable    bool            `json:"runnable"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
	Global   bool   `json:"global,omitempty"`
}

// Build serializes the command at commandPath (space separated, relative to
// root) and its visible subcommands.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		idx := slices.IndexFunc(cmd.Commands(), func(c *cobra.Command) bool {
			return c.Name() == part || slices.Contains(c.Aliases, part)
		})
		if idx < 0 {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = cmd.Commands()[idx]
	}
	return serialize(cmd, cmd == root), nil
}

func serialize(cmd *cobra.Command, isRoot bool) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Args:     positionalArgs(cmd.Use),
		Runnable: cmd.Runnable(),
		Flags:    collectFlags(cmd.LocalNonPersistentFlags(), false),
	}
	if isRoot {
		s.Flags = append(s.Flags, collectFlags(cmd.PersistentFlags(), true)...)
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub, false))
	}
	return s
}

// positionalArgs lists the <name> placeholders of a Use line.
func positionalArgs(use string) []string {
	fields := strings.Fields(use)
	if len(fields) <= 1 {
		return nil
	}
	var out []string
	for _, f := range fields[1:] {
		out = append(out, strings.Trim(f, "<>[]"))
	}
	return out
}

func collectFlags(set *pflag.FlagSet, global bool) []FlagSchema {
	var items []FlagSchema
	set.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
			Global:   global,
		})
	})
	return items
}
