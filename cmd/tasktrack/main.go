package main

import (
	"fmt"
	"os"

	"github.com/ignatij/tasktrack/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tasktrack",
	Short: "Task tracking API with dependency-aware task lifecycles",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
