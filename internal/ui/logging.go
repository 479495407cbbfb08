// Package ui renders client output on the terminal.
package ui

import (
	"github.com/pterm/pterm"
)

func Printf(format string, a ...any) {
	pterm.Printf(format, a...)
}

func Printfln(format string, a ...any) {
	pterm.Printfln(format, a...)
}

func Info(format string, a ...any) {
	pterm.Info.Printfln(format, a...)
}

func Success(format string, a ...any) {
	pterm.Success.Printfln(format, a...)
}

func Warning(format string, a ...any) {
	pterm.Warning.Printfln(format, a...)
}

func Error(format string, a ...any) {
	pterm.Error.Printfln(format, a...)
}

// Setup applies the global styling flags.
func Setup(noColor, noStyle bool) {
	if noColor {
		pterm.DisableColor()
	}
	if noStyle {
		pterm.DisableStyling()
	}
}
