package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peerdrop/internal/config"
	"github.com/rudransh-shrivastava/peerdrop/internal/relay"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newRelayCmd(g *globals) *cobra.Command {
	var addr string

	c := &cobra.Command{
		Use:   "relay",
		Short: "run the signaling relay",
		Long:  `runs the websocket relay peers use to exchange session descriptions and ICE candidates`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.Addr = addr
			}
			return RunRelay(cmd.Context(), cfg, log)
		},
	}
	c.Flags().StringVar(&addr, "addr", "", "listen address, overrides relay.addr")
	return c
}

// RunRelay serves the relay until ctx is done or the process is signalled.
func RunRelay(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	srv, err := relay.NewServer(relay.Config{
		Addr:       cfg.Relay.Addr,
		Path:       cfg.Relay.Path,
		SendBuffer: cfg.Relay.SendBuffer,
		Mode:       cfg.Relay.Mode,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Run(ctx)
}
