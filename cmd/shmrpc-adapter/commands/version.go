package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the adapter version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("shmrpc-adapter", Version)
		return nil
	},
}
