package main

import (
	"strconv"

	"codeberg.org/mutker/nvfanctl/internal/ui"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

var curveCmd = &cobra.Command{
	Use:   "curve",
	Short: "Print the daemon's fan curve to console",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"Temperature", "Speed"}}
		for _, p := range status.Curve {
			rows = append(rows, []string{strconv.Itoa(p.Temperature) + "°C", strconv.Itoa(p.Speed) + "%"})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}

		graph, err := ui.RenderCurve(status.Curve)
		if err != nil {
			return err
		}
		ui.Printfln("")
		ui.Printfln("%s", graph)

		return nil
	},
}
