package main

import (
	"os"

	"codeberg.org/mutker/nvfanctl/internal/ipc"
	"codeberg.org/mutker/nvfanctl/internal/ui"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		ui.Error("%v", err)
		if reason := ipc.Reason(err); reason != "" {
			ui.Printfln("reason: %s", reason)
		}
		os.Exit(1)
	}
}
