package commands

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"shmrpc/config"
	"shmrpc/internal/adapter"
	"shmrpc/internal/datapath"
	"shmrpc/internal/marshal"
	"shmrpc/internal/peerdir"
	"shmrpc/internal/verbs"

	"github.com/spf13/cobra"
)

var serveCfgFile string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the adapter engine until interrupted",
	Long: `serve loads the adapter's configuration, binds its listener (if
listen_addr is set), and drives the engine's resume() loop until SIGINT or
SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveCfgFile, "config", "", "config file (overrides --config on the root command)")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := serveCfgFile
	if path == "" {
		path = cfgFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Transport != "simulated" {
		return fmt.Errorf("serve: transport %q is not available outside a real RDMA deployment", cfg.Transport)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if len(cfg.EtcdEndpoints) > 0 {
		dir, err := peerdir.Open(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("open peer directory: %w", err)
		}
		defer dir.Close()
		if err := dir.Register(ctx, peerdir.Peer{Name: cfg.Prefix, Addr: cfg.ListenAddr, NicIndex: cfg.NicIndex}, 30); err != nil {
			return fmt.Errorf("register peer: %w", err)
		}
		defer dir.Deregister(context.Background(), cfg.Prefix, cfg.ListenAddr)
	}

	msgReg := marshal.NewRegistry()
	marshal.RegisterHelloMethods(msgReg)

	fabric := verbs.NewFabric()
	eng := adapter.NewEngine(adapter.Config{
		Fabric:      fabric,
		MsgRegistry: msgReg,
		RateLimit:   cfg.RateLimit,
		RateBurst:   cfg.RateBurst,
	})

	if cfg.ListenAddr != "" {
		if err := eng.SubmitCommand(ctx, datapath.Command{Kind: datapath.CmdBind, BindAddr: cfg.ListenAddr}); err != nil {
			return fmt.Errorf("submit bind: %w", err)
		}
		go func() {
			for c := range eng.Completions() {
				if c.Kind == datapath.CompletedError {
					log.Printf("shmrpc-adapter: command failed: %v", c.Err)
					continue
				}
				log.Printf("shmrpc-adapter: completion: %v conn=%d", c.Kind, c.ConnID)
			}
		}()
	}

	log.Printf("shmrpc-adapter: serving prefix=%s transport=%s listen=%s", cfg.Prefix, cfg.Transport, cfg.ListenAddr)
	eng.Run(ctx)
	log.Printf("shmrpc-adapter: shutting down")
	return nil
}
