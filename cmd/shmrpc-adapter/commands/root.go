// Package commands implements the shmrpc-adapter CLI.
package commands

import "github.com/spf13/cobra"

var (
	// Version is injected at build time.
	Version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "shmrpc-adapter",
	Short: "Shared-memory RPC adapter engine",
	Long: `shmrpc-adapter runs the RPC adapter engine: it moves RPC messages
between an application's shared-memory queues and the RDMA (or simulated)
datapath on its behalf.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.toml or /etc/shmrpc/config.toml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
