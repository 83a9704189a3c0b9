// Package schema describes the command tree so scripts can discover flags
// without parsing help text.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Executes    bool            `json:"executes,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

// ExecutesAnnotation marks commands that sign and submit transactions.
const ExecutesAnnotation = "boundless/executes"

func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, name := range strings.Fields(commandPath) {
		next := findChild(cmd, name)
		if next == nil {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	return describe(cmd), nil
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name {
			return c
		}
		for _, alias := range c.Aliases {
			if alias == name {
				return c
			}
		}
	}
	return nil
}

func describe(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:     strings.TrimSpace(cmd.CommandPath()),
		Use:      cmd.Use,
		Short:    cmd.Short,
		Executes: cmd.Annotations[ExecutesAnnotation] == "true",
		Flags:    flagsOf(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, describe(sub))
	}
	sort.Slice(s.Subcommands, func(i, j int) bool { return s.Subcommands[i].Path < s.Subcommands[j].Path })
	return s
}

func flagsOf(cmd *cobra.Command) []FlagSchema {
	var items []FlagSchema
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	return items
}
