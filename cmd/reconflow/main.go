package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/vijaythecoder/fintool-sub003/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:          "reconflow",
	Short:        "Reconciliation workflow engine",
	SilenceUsage: true,
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
