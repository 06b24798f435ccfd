package main

import (
	"os"

	cmd "github.com/arosloff/streamlet-transparency-logging/cmd/streamlet/commands"
)

func main() {
	rootCmd := cmd.RootCmd

	rootCmd.AddCommand(
		cmd.NewKeygenCmd(),
		cmd.NewRunCmd(),
		cmd.NewVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
