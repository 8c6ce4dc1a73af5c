package main

import (
	"github.com/jedib0t/go-pretty/table"
	"github.com/jedib0t/go-pretty/text"
	"github.com/spf13/cobra"

	"pkt.systems/storebench"
)

func newBackendsCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "backends",
		Aliases: []string{"ls"},
		Short:   "List the supported backends and their default targets",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.Style().Format.Header = text.FormatDefault
			t.AppendHeader(table.Row{"backend", "description", "default target", "reads"})
			for _, info := range storebench.Backends() {
				reads := "no"
				if info.Reads {
					reads = "yes"
				}
				t.AppendRow(table.Row{info.Name, info.Description, info.DefaultTarget, reads})
			}
			t.Render()
			return nil
		},
	}
}
